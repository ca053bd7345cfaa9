package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/model/session"
	videoservice "github.com/zhouzirui/scienceserver/internal/service/video"
)

// ErrBadArgument reports a path argument that is not mode/id.
var ErrBadArgument = errors.New("video path argument must be upload/<id> or download/<id>")

// Mode selects the direction of an ATP video connection.
type Mode int

const (
	ModeUpload Mode = iota
	ModeDownload
)

func (m Mode) String() string {
	if m == ModeUpload {
		return "upload"
	}
	return "download"
}

var modeAndID = regexp.MustCompile(`^(?i:(upload|download))/([a-zA-Z0-9\-]+)$`)

// ParseArg splits "Download/<id>" into its mode and session id. The mode is
// matched case-insensitively.
func ParseArg(arg string) (Mode, string, error) {
	m := modeAndID.FindStringSubmatch(arg)
	if m == nil {
		return 0, "", fmt.Errorf("%w: %q", ErrBadArgument, arg)
	}
	if strings.EqualFold(m[1], "upload") {
		return ModeUpload, m[2], nil
	}
	return ModeDownload, m[2], nil
}

// Sessions resolves a session id.
type Sessions interface {
	Lookup(id string) (*session.Session, bool)
}

// Handler serves the ATP video protocol for one session.
type Handler struct {
	sessions Sessions
	streamer *videoservice.Streamer
	log      logrus.FieldLogger
}

// New creates a video handler.
func New(sessions Sessions, streamer *videoservice.Streamer, log logrus.FieldLogger) *Handler {
	return &Handler{
		sessions: sessions,
		streamer: streamer,
		log:      log.WithField("component", "video"),
	}
}

// Serve runs the upload or download loop named by arg. An unknown session or
// a malformed argument returns without touching the connection.
func (h *Handler) Serve(ctx context.Context, rw io.ReadWriter, arg string) {
	mode, id, err := ParseArg(arg)
	if err != nil {
		h.log.WithError(err).Debug("ignoring video request")
		return
	}

	sess, ok := h.sessions.Lookup(id)
	if !ok {
		h.log.WithField("session", id).Debug("video request for unknown session")
		return
	}

	log := h.log.WithFields(logrus.Fields{"session": sess.ID, "mode": mode.String()})
	log.Debug("video stream opened")

	var frames int
	switch mode {
	case ModeUpload:
		frames, err = h.streamer.Upload(ctx, rw, sess.Video)
	case ModeDownload:
		frames, err = h.streamer.Download(ctx, rw, sess.Video)
	}

	if err != nil {
		log.WithError(err).WithField("frames", frames).Warn("video stream ended with error")
		return
	}
	log.WithField("frames", frames).Debug("video stream closed")
}
