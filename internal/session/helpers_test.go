// ABOUTME: Shared fixtures for session package tests
// ABOUTME: Provides identities, a controllable clock and a recording Recorder

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vrme/vrme-gateway/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIdentity(name string) auth.Identity {
	return auth.Identity{AccountID: uuid.New(), DisplayName: name}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := NewRegistry(cfg, nil, testLogger())
	r.now = clock.Now
	t.Cleanup(r.Close)
	return r, clock
}

// newJoinedSession creates a session owned by owner with every identity joined.
func newJoinedSession(t *testing.T, r *Registry, owner auth.Identity, others ...auth.Identity) *Session {
	t.Helper()
	s, err := r.Create(owner)
	require.NoError(t, err)
	require.NoError(t, s.Join(owner))
	for _, id := range others {
		require.NoError(t, s.Join(id))
	}
	return s
}

// next reads one update with a short deadline.
func next(t *testing.T, l *Listener) Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	u, err := l.Next(ctx)
	require.NoError(t, err)
	return u
}

type recorded struct {
	kind string
	rec  Record
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
	fail   bool
}

func (f *fakeRecorder) add(kind string, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recorded{kind: kind, rec: rec})
	if f.fail {
		return errors.New("recorder down")
	}
	return nil
}

func (f *fakeRecorder) RecordSessionCreated(_ context.Context, rec Record) error {
	return f.add("created", rec)
}

func (f *fakeRecorder) RecordSessionDestroyed(_ context.Context, rec Record) error {
	return f.add("destroyed", rec)
}

func (f *fakeRecorder) snapshot() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recorded, len(f.events))
	copy(out, f.events)
	return out
}
