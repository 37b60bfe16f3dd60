// ABOUTME: Registry maps session IDs to live sessions and enforces lifecycle policy
// ABOUTME: Owns ID allocation, capacity limits, destroy permissions and idle reaping

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/ttlcache"
)

// DestroyPolicy decides who may destroy a session.
type DestroyPolicy string

const (
	// DestroyOwner allows only the owner.
	DestroyOwner DestroyPolicy = "owner"
	// DestroyParticipant allows the owner or any current participant.
	DestroyParticipant DestroyPolicy = "participant"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultIdleTimeout        = 10 * time.Minute
	DefaultRetiredIDRetention = 24 * time.Hour
	DefaultRecordTimeout      = 5 * time.Second
	maxRetiredIDs             = 100_000
	maxIDAttempts             = 8
)

// Config configures a Registry.
type Config struct {
	MaxSessions        int
	IdleTimeout        time.Duration
	RetiredIDRetention time.Duration
	DestroyPolicy      DestroyPolicy
	OnePerOwner        bool
	CloseOnOwnerLeave  bool
	RecordTimeout      time.Duration
	Hub                HubConfig
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RetiredIDRetention <= 0 {
		c.RetiredIDRetention = DefaultRetiredIDRetention
	}
	if c.DestroyPolicy == "" {
		c.DestroyPolicy = DestroyOwner
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	c.Hub = c.Hub.withDefaults()
	return c
}

// Record is the durable view of a session lifecycle event.
type Record struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	CreatedAt   time.Time
	DestroyedAt time.Time
	Reason      string
}

// Recorder persists session lifecycle events. Calls are best effort and
// never on the broadcast path.
type Recorder interface {
	RecordSessionCreated(ctx context.Context, rec Record) error
	RecordSessionDestroyed(ctx context.Context, rec Record) error
}

// Registry is the set of live sessions.
type Registry struct {
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	newID    func() uuid.UUID

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	owners   map[uuid.UUID]*Session // active session per owner, kept only with OnePerOwner
	retired  *ttlcache.Cache[uuid.UUID, struct{}]
	closed   bool

	records     sync.WaitGroup
	recordsDone bool // guarded by mu; set before records.Wait
}

// NewRegistry creates a registry. recorder may be nil.
func NewRegistry(cfg Config, recorder Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		newID:    uuid.New,
		sessions: make(map[uuid.UUID]*Session),
		owners:   make(map[uuid.UUID]*Session),
		retired:  ttlcache.New[uuid.UUID, struct{}](cfg.RetiredIDRetention, maxRetiredIDs, 0),
	}
}

// Create allocates a new session owned by owner. With OnePerOwner set, the
// owner's existing session is returned instead.
func (r *Registry) Create(owner auth.Identity) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r.cfg.OnePerOwner {
		if s, ok := r.owners[owner.AccountID]; ok && s.State() == StateActive {
			r.mu.Unlock()
			return s, nil
		}
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	id, err := r.allocateIDLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s := newSession(id, owner, r.cfg.Hub, r.now, r.logger)
	r.sessions[id] = s
	if r.cfg.OnePerOwner {
		r.owners[owner.AccountID] = s
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created",
		"session_id", id.String(),
		"owner", owner.AccountID.String(),
		"sessions", count)

	r.record(func(ctx context.Context) error {
		return r.recorder.RecordSessionCreated(ctx, Record{
			ID:        id,
			OwnerID:   owner.AccountID,
			CreatedAt: s.createdAt,
		})
	})
	return s, nil
}

// allocateIDLocked returns an ID that is neither live nor retired.
func (r *Registry) allocateIDLocked() (uuid.UUID, error) {
	for range maxIDAttempts {
		id := r.newID()
		if _, live := r.sessions[id]; live {
			continue
		}
		if r.retired.Contains(id) {
			continue
		}
		return id, nil
	}
	return uuid.Nil, fmt.Errorf("allocate session id: %d attempts collided", maxIDAttempts)
}

// Get returns the live session with the given ID. Every per-session
// operation goes through Get, so none of them succeed after Close.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Destroy removes a session on behalf of requester. Every listener receives
// a terminal update before the session is released.
func (r *Registry) Destroy(id uuid.UUID, requester auth.Identity) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if !r.mayDestroy(s, requester) {
		return ErrForbidden
	}
	return r.destroy(s, ReasonSessionClosed)
}

func (r *Registry) mayDestroy(s *Session, requester auth.Identity) bool {
	if s.owner.AccountID == requester.AccountID {
		return true
	}
	return r.cfg.DestroyPolicy == DestroyParticipant && s.IsParticipant(requester.AccountID)
}

func (r *Registry) destroy(s *Session, reason string) error {
	if !s.teardown(reason) {
		return ErrNotFound
	}
	r.forget(s, reason)
	return nil
}

// forget drops a destroyed session from the map and retires its ID.
func (r *Registry) forget(s *Session, reason string) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	if cur, ok := r.owners[s.owner.AccountID]; ok && cur == s {
		delete(r.owners, s.owner.AccountID)
	}
	r.retired.Put(s.id, struct{}{})
	r.mu.Unlock()

	destroyedAt := r.now()
	r.record(func(ctx context.Context) error {
		return r.recorder.RecordSessionDestroyed(ctx, Record{
			ID:          s.id,
			OwnerID:     s.owner.AccountID,
			CreatedAt:   s.createdAt,
			DestroyedAt: destroyedAt,
			Reason:      reason,
		})
	})
}

// Join adds identity to a session.
func (r *Registry) Join(id uuid.UUID, identity auth.Identity) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Join(identity)
}

// Subscribe attaches a listener for identity to a session. The listener is
// removed when ctx is done.
func (r *Registry) Subscribe(ctx context.Context, id uuid.UUID, identity auth.Identity) (*Listener, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, identity)
}

// Unsubscribe removes a listener from a session. Unknown listeners are a
// no-op.
func (r *Registry) Unsubscribe(id uuid.UUID, requester auth.Identity, listenerID uuid.UUID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Unsubscribe(requester, listenerID)
}

// Broadcast sends payload to every listener of a session.
func (r *Registry) Broadcast(id uuid.UUID, from auth.Identity, contentType string, payload []byte) (uint64, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return s.Broadcast(from, contentType, payload)
}

// Leave removes identity from a session. With CloseOnOwnerLeave set, the
// owner leaving destroys the session.
func (r *Registry) Leave(id uuid.UUID, identity auth.Identity) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	isOwner, err := s.Leave(identity)
	if err != nil {
		return err
	}
	if isOwner && r.cfg.CloseOnOwnerLeave {
		if err := r.destroy(s, ReasonOwnerLeft); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Info returns a snapshot of a session.
func (r *Registry) Info(id uuid.UUID) (Info, error) {
	s, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// Reap destroys sessions that have no listeners and have been idle longer
// than the configured idle timeout. Sessions with listeners are never reaped.
func (r *Registry) Reap(now time.Time) []uuid.UUID {
	var reaped []uuid.UUID
	for _, s := range r.snapshot() {
		if s.reapIfIdle(now, r.cfg.IdleTimeout) {
			r.forget(s, "idle")
			reaped = append(reaped, s.id)
		}
	}
	if len(reaped) > 0 {
		r.logger.Info("reaped idle sessions", "count", len(reaped))
	}
	return reaped
}

// RunReaper calls Reap every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(r.now())
		}
	}
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []Info {
	sessions := r.snapshot()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// record runs fn against the recorder in the background with a bounded
// timeout. Failures are logged. Events arriving after Close has stopped
// waiting for records are dropped.
func (r *Registry) record(fn func(ctx context.Context) error) {
	if r.recorder == nil {
		return
	}
	r.mu.RLock()
	if r.recordsDone {
		r.mu.RUnlock()
		return
	}
	r.records.Add(1)
	r.mu.RUnlock()
	go func() {
		defer r.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RecordTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("failed to record session event", "error", err)
		}
	}()
}

// Close stops accepting operations, destroys every live session and waits
// for pending records. Calls after the first are no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	for _, s := range r.snapshot() {
		if s.teardown(ReasonShutdown) {
			r.forget(s, ReasonShutdown)
		}
	}

	r.mu.Lock()
	r.recordsDone = true
	r.mu.Unlock()
	r.records.Wait()
	r.retired.Close()
}
