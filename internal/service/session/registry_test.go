package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/scienceserver/internal/model/session"
	"github.com/zhouzirui/scienceserver/internal/service/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, ttl time.Duration) (*session.Registry, *fakeClock, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return session.NewRegistry(ttl, log, session.WithClock(clock.Now)), clock, hook
}

func TestRegistryCreateAndLookup(t *testing.T) {
	reg, clock, hook := newTestRegistry(t, 24*time.Hour)

	s := reg.Create("alice")
	require.NotEmpty(t, s.ID)
	assert.Equal(t, clock.Now().Add(24*time.Hour), s.ExpiresAt)

	got, ok := reg.Lookup(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "alice", got.User)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "created session", entry.Message)
	assert.Equal(t, s.ID, entry.Data["session"])
}

func TestRegistryCreateGuest(t *testing.T) {
	reg, _, _ := newTestRegistry(t, time.Hour)
	s := reg.Create("")
	assert.Equal(t, model.GuestUser, s.User)
}

func TestRegistryLookupMissing(t *testing.T) {
	reg, _, _ := newTestRegistry(t, time.Hour)
	_, ok := reg.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t, time.Hour)
	s := reg.Create("alice")

	assert.True(t, reg.Remove(s.ID))
	assert.False(t, reg.Remove(s.ID))
	assert.False(t, reg.Remove("never-existed"))

	_, ok := reg.Lookup(s.ID)
	assert.False(t, ok)
}

func TestRegistrySweepBoundary(t *testing.T) {
	reg, clock, hook := newTestRegistry(t, time.Hour)
	old := reg.Create("old")
	clock.Advance(30 * time.Minute)
	young := reg.Create("young")

	clock.Advance(30*time.Minute - time.Nanosecond)
	assert.Zero(t, reg.Sweep(), "nothing has reached its expiry yet")
	assert.Equal(t, 2, reg.Len())

	clock.Advance(time.Nanosecond)
	assert.Equal(t, 1, reg.Sweep())
	_, ok := reg.Lookup(old.ID)
	assert.False(t, ok)
	_, ok = reg.Lookup(young.ID)
	assert.True(t, ok)
	assert.Equal(t, "deleting stale session", hook.LastEntry().Message)

	clock.Advance(time.Hour)
	assert.Equal(t, 1, reg.Sweep())
	assert.Zero(t, reg.Len())
}

func TestRegistryHidesExpiredBeforeSweep(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, time.Minute)
	s := reg.Create("alice")

	clock.Advance(time.Minute)
	_, ok := reg.Lookup(s.ID)
	assert.False(t, ok)
	assert.Empty(t, reg.Snapshot())
	assert.Equal(t, 1, reg.Len())
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	reg, clock, _ := newTestRegistry(t, time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, reg.Create(fmt.Sprintf("user-%d", i)).ID)
		clock.Advance(time.Second)
	}

	snapshot := reg.Snapshot()
	for _, id := range ids {
		reg.Remove(id)
	}

	require.Len(t, snapshot, 5)
	for i, s := range snapshot {
		assert.Equal(t, ids[i], s.ID, "snapshot is ordered by creation")
	}
	assert.Empty(t, reg.IDs())
}

func TestRegistryRobots(t *testing.T) {
	reg, _, _ := newTestRegistry(t, time.Hour)
	human := reg.Create("human")
	robot := reg.Create("rover")
	robot.PromoteToRobot()

	robots := reg.Robots()
	require.Len(t, robots, 1)
	assert.Equal(t, robot.ID, robots[0].ID)
	assert.NotEqual(t, human.ID, robots[0].ID)
}

func TestRegistryRegeneratesCollidingIDs(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	ids := []string{"dup", "dup", "fresh"}
	next := 0
	reg := session.NewRegistry(time.Hour, log, session.WithIDGenerator(func() string {
		id := ids[next]
		next++
		return id
	}))

	first := reg.Create("a")
	second := reg.Create("b")
	assert.Equal(t, "dup", first.ID)
	assert.Equal(t, "fresh", second.ID)
}

func TestRegistryConcurrentCreateIsUnique(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	reg := session.NewRegistry(time.Hour, log)

	const workers, perWorker = 16, 64
	results := make(chan string, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				results <- reg.Create(fmt.Sprintf("u%d-%d", w, i)).ID
				if i%8 == 0 {
					reg.Sweep()
					_ = reg.Snapshot()
				}
			}
		}(w)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]struct{})
	for id := range results {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, reg.Len())
}

func TestSweeperRemovesExpiredSessions(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	reg := session.NewRegistry(10*time.Millisecond, log)
	reg.Create("short-lived")

	sweeper, err := session.NewSweeper(reg, "@every 1s", log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	reg := session.NewRegistry(time.Hour, log)

	_, err := session.NewSweeper(reg, "every now and then", log)
	require.Error(t, err)
}
