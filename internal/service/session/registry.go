package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/model/session"
)

// Registry owns every live session. All reads and writes go through mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	ttl   time.Duration
	now   func() time.Time
	newID func() string
	log   logrus.FieldLogger
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// NewRegistry returns an empty registry whose sessions live for ttl.
func NewRegistry(ttl time.Duration, log logrus.FieldLogger, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session.Session),
		ttl:      ttl,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      log.WithField("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a session for user under a fresh identifier. An empty
// user becomes the guest name.
func (r *Registry) Create(user string) *session.Session {
	r.mu.Lock()
	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = r.newID()
	}
	s := session.New(id, user, r.now(), r.ttl)
	r.sessions[id] = s
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"session": s.ID,
		"user":    s.User,
		"expires": s.ExpiresAt.Format(time.RFC3339),
	}).Info("created session")
	return s
}

// Lookup returns the session for id unless it is absent or already expired.
func (r *Registry) Lookup(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.Expired(r.now()) {
		return nil, false
	}
	return s, true
}

// Remove deletes id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.log.WithFields(logrus.Fields{"session": id, "user": s.User}).Info("removed session")
	}
	return ok
}

// Sweep removes every session whose expiry has passed and returns the count.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []*session.Session
	for id, s := range r.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.log.WithFields(logrus.Fields{"session": s.ID, "user": s.User}).Info("deleting stale session")
	}
	return len(expired)
}

// Snapshot returns the live sessions ordered by creation time. The slice is
// detached from the registry, so callers may iterate while sessions are
// removed concurrently.
func (r *Registry) Snapshot() []*session.Session {
	r.mu.RLock()
	now := r.now()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IDs returns the identifiers of the live sessions.
func (r *Registry) IDs() []string {
	sessions := r.Snapshot()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

// Robots returns the live sessions that registered as robots.
func (r *Registry) Robots() []*session.Session {
	var robots []*session.Session
	for _, s := range r.Snapshot() {
		if s.Kind() == session.KindRobot {
			robots = append(robots, s)
		}
	}
	return robots
}

// Len counts stored sessions, including expired ones not yet swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
