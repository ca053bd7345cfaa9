package video

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessionservice "github.com/zhouzirui/scienceserver/internal/service/session"
	videoservice "github.com/zhouzirui/scienceserver/internal/service/video"
)

func setupHandler(t *testing.T) (*Handler, *sessionservice.Registry) {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	registry := sessionservice.NewRegistry(time.Hour, log)
	streamer := videoservice.NewStreamer(50*time.Millisecond, 1024, log)
	return New(registry, streamer, log), registry
}

func TestParseArg(t *testing.T) {
	mode, id, err := ParseArg("Download/1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	require.NoError(t, err)
	assert.Equal(t, ModeDownload, mode)
	assert.Equal(t, "1b4e28ba-2fa1-11d2-883f-0016d3cca427", id)

	mode, _, err = ParseArg("upload/abc")
	require.NoError(t, err)
	assert.Equal(t, ModeUpload, mode)

	for _, bad := range []string{"", "stream/abc", "download", "download/", "download/a/b", "download/a.b"} {
		_, _, err := ParseArg(bad)
		assert.ErrorIs(t, err, ErrBadArgument, bad)
	}
}

func TestServeUnknownSessionReturns(t *testing.T) {
	h, _ := setupHandler(t)

	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Serve(context.Background(), server, "download/missing")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return for an unknown session")
	}
}

func TestServeUploadThenDownload(t *testing.T) {
	h, registry := setupHandler(t)
	sess := registry.Create("rover")

	var upload bytes.Buffer
	require.NoError(t, videoservice.WriteFrame(&upload, []byte("frame-a")))
	require.NoError(t, videoservice.WriteFrame(&upload, []byte("frame-b")))
	h.Serve(context.Background(), &upload, "Upload/"+sess.ID)

	frame, _ := sess.Video.Snapshot()
	require.Equal(t, []byte("frame-b"), frame)

	server, client := net.Pipe()
	defer client.Close()
	go func() {
		h.Serve(context.Background(), server, "download/"+sess.ID)
		server.Close()
	}()

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
	got, err := videoservice.ReadFrame(client, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame-b"), got)
	require.NoError(t, videoservice.WriteAck(client, videoservice.Nack))
}
