package chat

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/model/session"
)

// TimestampLayout formats the send time shown to chat recipients.
const TimestampLayout = "2006-01-02 15:04:05"

// Directory yields the sessions a broadcast reaches.
type Directory interface {
	Snapshot() []*session.Session
}

// Relay fans chat lines out to every session's activation connection.
type Relay struct {
	sessions Directory
	log      logrus.FieldLogger
}

// NewRelay creates a relay over the given session directory.
func NewRelay(sessions Directory, log logrus.FieldLogger) *Relay {
	return &Relay{
		sessions: sessions,
		log:      log.WithField("component", "chat"),
	}
}

// FormatLine renders the wire form of a chat message.
func FormatLine(from string, at time.Time, text string) string {
	return fmt.Sprintf("chat=(%s @ %s) %s", from, at.Format(TimestampLayout), text)
}

// Broadcast sends the message to every registered session, the sender
// included, and returns how many sends succeeded. A failed recipient is
// skipped; it never stops delivery to the others.
func (r *Relay) Broadcast(from string, at time.Time, text string) int {
	line := FormatLine(from, at, text)

	delivered := 0
	for _, s := range r.sessions.Snapshot() {
		if err := s.Send(line); err != nil {
			r.log.WithError(err).WithField("session", s.ID).Debug("chat delivery skipped")
			continue
		}
		delivered++
	}
	return delivered
}
