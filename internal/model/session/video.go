package session

import (
	"context"
	"sync"
	"time"
)

// VideoChannel hands the most recent frame from an uploader to polling
// downloaders. It holds a single slot: a new frame replaces the previous one
// whether or not it was delivered.
type VideoChannel struct {
	mu      sync.Mutex
	frame   []byte
	version uint64
	notify  chan struct{}
}

// NewVideoChannel returns an empty channel at version zero.
func NewVideoChannel() *VideoChannel {
	return &VideoChannel{notify: make(chan struct{})}
}

// Publish replaces the buffered frame and wakes every waiter.
func (c *VideoChannel) Publish(frame []byte) {
	copied := append([]byte(nil), frame...)

	c.mu.Lock()
	c.frame = copied
	c.version++
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Snapshot returns the current frame and its version.
func (c *VideoChannel) Snapshot() ([]byte, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, c.version
}

// Wait blocks until a frame newer than since is published, the timeout
// elapses, or ctx is done. It returns the current frame either way; fresh is
// true only when the frame is newer than since.
func (c *VideoChannel) Wait(ctx context.Context, since uint64, timeout time.Duration) (frame []byte, version uint64, fresh bool) {
	c.mu.Lock()
	if c.version != since {
		frame, version = c.frame, c.version
		c.mu.Unlock()
		return frame, version, true
	}
	notify := c.notify
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-notify:
	case <-timer.C:
	case <-ctx.Done():
	}

	frame, version = c.Snapshot()
	return frame, version, version != since
}
