// ABOUTME: Session holds one meeting's participants and listener hub
// ABOUTME: All mutation happens under a per-session lock; broadcast never blocks on delivery

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrme/vrme-gateway/internal/auth"
)

// State is the lifecycle state of a session.
type State int

const (
	StateActive State = iota
	StateDestroyed
)

func (s State) String() string {
	if s == StateDestroyed {
		return "destroyed"
	}
	return "active"
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID            uuid.UUID       `json:"id"`
	Owner         auth.Identity   `json:"owner"`
	Participants  []auth.Identity `json:"participants"`
	ListenerCount int             `json:"listener_count"`
	CreatedAt     time.Time       `json:"created_at"`
	LastActivity  time.Time       `json:"last_activity"`
	LastSeq       uint64          `json:"last_seq"`
}

// Session is one live meeting. Obtain sessions from a Registry.
type Session struct {
	id        uuid.UUID
	owner     auth.Identity
	createdAt time.Time
	now       func() time.Time
	logger    *slog.Logger

	mu           sync.Mutex
	participants map[uuid.UUID]auth.Identity
	hub          *Hub
	lastActivity time.Time
	seq          uint64
	state        State
}

func newSession(id uuid.UUID, owner auth.Identity, cfg HubConfig, now func() time.Time, logger *slog.Logger) *Session {
	created := now()
	return &Session{
		id:           id,
		owner:        owner,
		createdAt:    created,
		now:          now,
		logger:       logger.With("session_id", id.String()),
		participants: make(map[uuid.UUID]auth.Identity),
		hub:          newHub(cfg),
		lastActivity: created,
	}
}

// ID returns the session ID.
func (s *Session) ID() uuid.UUID { return s.id }

// Owner returns the identity that created the session.
func (s *Session) Owner() auth.Identity { return s.owner }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last join, subscribe or broadcast.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ListenerCount returns the number of attached listeners.
func (s *Session) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.len()
}

// IsParticipant reports whether accountID has joined the session.
func (s *Session) IsParticipant(accountID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[accountID]
	return ok
}

// Join adds identity to the participant set. Joining again only refreshes
// the last-activity time.
func (s *Session) Join(identity auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return ErrNotFound
	}
	if _, ok := s.participants[identity.AccountID]; !ok {
		s.participants[identity.AccountID] = identity
		s.logger.Debug("participant joined", "account_id", identity.AccountID.String())
	}
	s.lastActivity = s.now()
	return nil
}

// Subscribe attaches a new listener for identity. The listener is
// unsubscribed when ctx is cancelled, so transports pass their connection
// context here.
func (s *Session) Subscribe(ctx context.Context, identity auth.Identity) (*Listener, error) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if _, ok := s.participants[identity.AccountID]; !ok {
		s.mu.Unlock()
		return nil, ErrNotAParticipant
	}
	now := s.now()
	l := newListener(identity, s.hub.cfg.QueueDepth, now)
	s.hub.add(l)
	s.lastActivity = now
	s.mu.Unlock()

	s.logger.Debug("listener subscribed",
		"listener_id", l.id.String(),
		"account_id", identity.AccountID.String())

	go func() {
		select {
		case <-ctx.Done():
			s.detach(l.id, ReasonUnsubscribed)
		case <-l.Done():
		}
	}()

	return l, nil
}

// Unsubscribe removes the listener with the given handle ID. Removing an
// unknown or already closed listener is a no-op. Only the identity holding
// the listener may remove it.
func (s *Session) Unsubscribe(requester auth.Identity, listenerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.hub.get(listenerID)
	if !ok {
		return nil
	}
	if l.identity.AccountID != requester.AccountID {
		return ErrForbidden
	}
	s.hub.remove(listenerID, ReasonUnsubscribed, nil, s.now())
	return nil
}

// detach removes a listener regardless of who holds it.
func (s *Session) detach(listenerID uuid.UUID, reason string) {
	s.mu.Lock()
	removed := s.hub.remove(listenerID, reason, nil, s.now())
	s.mu.Unlock()

	if removed {
		s.logger.Debug("listener detached", "listener_id", listenerID.String(), "reason", reason)
	}
}

// Broadcast stamps payload with the next sequence number and queues it for
// every listener. It never waits on a consumer: full queues either drop
// their oldest update or close, according to the hub's overflow policy.
func (s *Session) Broadcast(from auth.Identity, contentType string, payload []byte) (uint64, error) {
	body := make([]byte, len(payload))
	copy(body, payload)

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	if _, ok := s.participants[from.AccountID]; !ok {
		s.mu.Unlock()
		return 0, ErrNotAParticipant
	}

	now := s.now()
	s.seq++
	seq := s.seq
	closed := s.hub.fanOut(Update{
		Kind:        UpdateMessage,
		Seq:         seq,
		From:        from.AccountID,
		ContentType: contentType,
		Payload:     body,
		At:          now,
	})
	s.lastActivity = now
	s.mu.Unlock()

	for _, id := range closed {
		s.logger.Warn("closed slow listener", "listener_id", id.String(), "seq", seq)
	}
	return seq, nil
}

// Leave removes identity and every listener it holds. It reports whether
// the leaving identity is the owner.
func (s *Session) Leave(identity auth.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return false, ErrNotFound
	}
	if _, ok := s.participants[identity.AccountID]; !ok {
		return false, ErrNotAParticipant
	}
	delete(s.participants, identity.AccountID)
	n := s.hub.removeIdentity(identity.AccountID, ReasonLeft, s.now())
	s.lastActivity = s.now()

	s.logger.Debug("participant left",
		"account_id", identity.AccountID.String(),
		"listeners_removed", n)

	return identity.AccountID == s.owner.AccountID, nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]auth.Identity, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, p)
	}
	return Info{
		ID:            s.id,
		Owner:         s.owner,
		Participants:  participants,
		ListenerCount: s.hub.len(),
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		LastSeq:       s.seq,
	}
}

// teardown destroys the session, queueing a terminal update for every
// listener. It returns false if the session was already destroyed.
func (s *Session) teardown(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return false
	}
	s.state = StateDestroyed
	n := s.hub.closeAll(reason, ErrSessionClosed, s.now())
	clear(s.participants)

	s.logger.Info("session destroyed", "reason", reason, "listeners_closed", n)
	return true
}

// reapIfIdle destroys the session when it has no listeners and has been
// idle for longer than idle. The check and the teardown share one critical
// section so a concurrent Subscribe cannot slip in between.
func (s *Session) reapIfIdle(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed || s.hub.len() > 0 {
		return false
	}
	if now.Sub(s.lastActivity) <= idle {
		return false
	}
	s.state = StateDestroyed
	clear(s.participants)
	s.logger.Info("session reaped", "idle_for", now.Sub(s.lastActivity).String())
	return true
}
