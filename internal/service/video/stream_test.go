package video

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/scienceserver/internal/model/session"
)

type downloadResult struct {
	sent int
	err  error
}

func startDownload(t *testing.T, ch *session.VideoChannel, wait time.Duration) (net.Conn, <-chan downloadResult) {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	streamer := NewStreamer(wait, 1024, log)

	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	done := make(chan downloadResult, 1)
	go func() {
		sent, err := streamer.Download(context.Background(), server, ch)
		server.Close()
		done <- downloadResult{sent, err}
	}()
	return client, done
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := ReadFrame(conn, 0)
	require.NoError(t, err)
	return frame
}

func waitResult(t *testing.T, done <-chan downloadResult) downloadResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("download loop did not terminate")
		return downloadResult{}
	}
}

func TestDownloadEmptyBufferThenContinue(t *testing.T) {
	ch := session.NewVideoChannel()
	client, done := startDownload(t, ch, 30*time.Millisecond)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var size [LengthSize]byte
	_, err := io.ReadFull(client, size[:])
	require.NoError(t, err)
	assert.Zero(t, binary.BigEndian.Uint32(size[:]), "an empty buffer yields a zero-length frame")

	require.NoError(t, WriteAck(client, Continue))
	assert.Empty(t, readFrame(t, client), "the loop continues to a second cycle")

	require.NoError(t, WriteAck(client, Nack))
	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.sent)
}

func TestDownloadNackStopsSending(t *testing.T) {
	ch := session.NewVideoChannel()
	ch.Publish([]byte("frame-1"))
	client, done := startDownload(t, ch, time.Second)

	assert.Equal(t, []byte("frame-1"), readFrame(t, client))
	require.NoError(t, WriteAck(client, Nack))

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.sent)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	n, err := client.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF, "no further sends after nack")
}

func TestDownloadPeerCloseStops(t *testing.T) {
	ch := session.NewVideoChannel()
	ch.Publish([]byte("frame-1"))
	client, done := startDownload(t, ch, time.Second)

	readFrame(t, client)
	require.NoError(t, client.Close())

	res := waitResult(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.sent)
}

func TestDownloadDeliversPublishedFrame(t *testing.T) {
	ch := session.NewVideoChannel()
	client, done := startDownload(t, ch, 5*time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.Publish([]byte("live"))
	}()

	assert.Equal(t, []byte("live"), readFrame(t, client), "publish wakes the downloader before the timeout")
	require.NoError(t, WriteAck(client, Nack))
	waitResult(t, done)
}

func TestDownloadSendsUnseenFrameWithoutWaiting(t *testing.T) {
	ch := session.NewVideoChannel()
	ch.Publish([]byte("earlier"))
	client, done := startDownload(t, ch, time.Minute)

	start := time.Now()
	assert.Equal(t, []byte("earlier"), readFrame(t, client))
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, WriteAck(client, Nack))
	waitResult(t, done)
}

func TestUploadPublishesFrames(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	streamer := NewStreamer(time.Second, 1024, log)
	ch := session.NewVideoChannel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, []byte("two")))

	n, err := streamer.Upload(context.Background(), &buf, ch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	frame, version := ch.Snapshot()
	assert.Equal(t, []byte("two"), frame)
	assert.Equal(t, uint64(2), version)
}

func TestUploadRejectsOversizedFrame(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	streamer := NewStreamer(time.Second, 4, log)
	ch := session.NewVideoChannel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("ok")))
	require.NoError(t, WriteFrame(&buf, []byte("too big")))

	n, err := streamer.Upload(context.Background(), &buf, ch)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 1, n)
}

func TestUploadTruncatedFrameEndsQuietly(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	streamer := NewStreamer(time.Second, 1024, log)
	ch := session.NewVideoChannel()

	data := EncodeFrame([]byte("partial"))
	n, err := streamer.Upload(context.Background(), bytes.NewReader(data[:6]), ch)
	require.NoError(t, err)
	assert.Zero(t, n)
}
