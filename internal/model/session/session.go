package session

import (
	"errors"
	"sync"
	"time"
)

// GuestUser names sessions whose login supplied an empty user.
const GuestUser = "Guest"

// ErrNotBound is returned when sending to a session without an activation connection.
var ErrNotBound = errors.New("session has no activation connection")

// Kind distinguishes human users from robots.
type Kind int

const (
	KindUser Kind = iota
	KindRobot
)

func (k Kind) String() string {
	switch k {
	case KindRobot:
		return "robot"
	default:
		return "user"
	}
}

// Conn is the line-oriented activation connection a session fans out to.
type Conn interface {
	Send(line string) error
}

// Session is the state kept for one authenticated user or robot.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Video     *VideoChannel

	mu   sync.RWMutex
	kind Kind
	conn Conn
}

// New returns a user session expiring ttl after now.
func New(id, user string, now time.Time, ttl time.Duration) *Session {
	if user == "" {
		user = GuestUser
	}
	return &Session{
		ID:        id,
		User:      user,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Video:     NewVideoChannel(),
		kind:      KindUser,
	}
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// PromoteToRobot marks the session as a robot. Robots are never demoted.
func (s *Session) PromoteToRobot() {
	s.mu.Lock()
	s.kind = KindRobot
	s.mu.Unlock()
}

// Bind attaches the activation connection used for chat and listings.
func (s *Session) Bind(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Send writes one line to the bound activation connection.
func (s *Session) Send(line string) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotBound
	}
	return conn.Send(line)
}
