package video

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/model/session"
)

// Streamer runs the ATP upload and download loops against a session's
// video channel.
type Streamer struct {
	waitTimeout   time.Duration
	maxFrameBytes int
	log           logrus.FieldLogger
}

// NewStreamer creates a Streamer. waitTimeout bounds every download poll.
func NewStreamer(waitTimeout time.Duration, maxFrameBytes int, log logrus.FieldLogger) *Streamer {
	return &Streamer{
		waitTimeout:   waitTimeout,
		maxFrameBytes: maxFrameBytes,
		log:           log.WithField("component", "video"),
	}
}

// Download polls ch and sends its current frame every cycle, whether the wait
// ended on a new frame or on the timeout. A frame this downloader has not
// been sent yet, including one published before the download began, goes out
// at once without waiting on the notifier. After each frame it reads one ack
// byte; a Nack or a closed peer ends the loop normally. It returns the number
// of frames sent.
func (s *Streamer) Download(ctx context.Context, rw io.ReadWriter, ch *session.VideoChannel) (int, error) {
	var seen uint64
	sent := 0
	for {
		frame, version, _ := ch.Wait(ctx, seen, s.waitTimeout)
		if err := ctx.Err(); err != nil {
			return sent, nil
		}
		seen = version

		if err := WriteFrame(rw, frame); err != nil {
			if isClosed(err) {
				return sent, nil
			}
			return sent, err
		}
		sent++

		ack, err := ReadAck(rw)
		if err != nil {
			if isClosed(err) {
				return sent, nil
			}
			return sent, err
		}
		if ack == Nack {
			s.log.WithField("frames", sent).Debug("download stopped by nack")
			return sent, nil
		}
	}
}

// Upload reads length-prefixed frames until the producer disconnects,
// publishing each one into ch. It returns the number of frames received.
func (s *Streamer) Upload(ctx context.Context, r io.Reader, ch *session.VideoChannel) (int, error) {
	received := 0
	for ctx.Err() == nil {
		frame, err := ReadFrame(r, s.maxFrameBytes)
		if err != nil {
			if isClosed(err) {
				return received, nil
			}
			return received, err
		}
		ch.Publish(frame)
		received++
	}
	return received, nil
}

// isClosed reports errors that mean the peer went away.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
