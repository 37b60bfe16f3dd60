// ABOUTME: Listener handle with a bounded, drop-oldest outbound queue
// ABOUTME: Producers never block; consumers read updates in broadcast order via Next

package session

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/vrme/vrme-gateway/internal/auth"
)

// ListenerState is the lifecycle state of a listener.
type ListenerState int

const (
	// StateSubscribed means every broadcast so far has been queued.
	StateSubscribed ListenerState = iota
	// StateDegraded means updates were dropped and not yet caught up.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s ListenerState) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UpdateKind distinguishes payload deliveries from the terminal notification.
type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateClosed  UpdateKind = "closed"
)

// Close reasons carried by terminal updates.
const (
	ReasonUnsubscribed  = "unsubscribed"
	ReasonLeft          = "left"
	ReasonSlowConsumer  = "slow_consumer"
	ReasonSessionClosed = "session_closed"
	ReasonOwnerLeft     = "owner_left"
	ReasonShutdown      = "shutdown"
)

// Update is one item delivered to a listener.
type Update struct {
	Kind        UpdateKind
	Seq         uint64
	From        uuid.UUID
	ContentType string
	Payload     []byte
	// Dropped counts updates discarded for this listener immediately before
	// this one. Non-zero means the client should resynchronize.
	Dropped uint64
	Reason  string
	At      time.Time
}

// OverflowPolicy decides what happens when a listener queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued update and marks the
	// listener degraded.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowClose closes the listener with ErrSlowConsumer.
	OverflowClose OverflowPolicy = "close"
)

// Listener is a subscriber handle. The owning session's hub is the only
// producer; the holder of the handle is the only consumer.
type Listener struct {
	id           uuid.UUID
	identity     auth.Identity
	subscribedAt time.Time
	depth        int

	mu           sync.Mutex
	queue        *queue.Queue
	state        ListenerState
	pendingDrops uint64
	totalDrops   uint64
	closeErr     error

	notify chan struct{}
	done   chan struct{}
}

func newListener(identity auth.Identity, depth int, now time.Time) *Listener {
	if depth < 1 {
		depth = 1
	}
	return &Listener{
		id:           uuid.New(),
		identity:     identity,
		subscribedAt: now,
		depth:        depth,
		queue:        queue.New(),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// ID returns the listener handle ID.
func (l *Listener) ID() uuid.UUID { return l.id }

// Identity returns the subscribed identity.
func (l *Listener) Identity() auth.Identity { return l.identity }

// SubscribedAt returns the subscription time.
func (l *Listener) SubscribedAt() time.Time { return l.subscribedAt }

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Dropped returns the total number of updates dropped for this listener.
func (l *Listener) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalDrops
}

// Done is closed when the listener enters StateClosed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err returns the close cause: ErrSlowConsumer, ErrSessionClosed, or nil for
// an explicit unsubscribe. It is nil while the listener is open.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeErr
}

// Next returns the next queued update, waiting until one is available or ctx
// is done. After the terminal UpdateClosed has been returned, Next returns
// ErrListenerClosed.
func (l *Listener) Next(ctx context.Context) (Update, error) {
	for {
		l.mu.Lock()
		if l.queue.Length() > 0 {
			u, _ := l.queue.Remove().(Update)
			if u.Kind == UpdateMessage {
				u.Dropped = l.pendingDrops
				l.pendingDrops = 0
			}
			if l.state == StateDegraded && l.queue.Length() == 0 {
				l.state = StateSubscribed
			}
			l.mu.Unlock()
			return u, nil
		}
		if l.state == StateClosed {
			l.mu.Unlock()
			return Update{}, ErrListenerClosed
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued, unconsumed updates.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Length()
}

// offer enqueues u without blocking. It reports whether the listener was
// closed as a consequence of overflow.
func (l *Listener) offer(u Update, policy OverflowPolicy, maxDrops uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return false
	}

	if l.queue.Length() >= l.depth {
		if policy == OverflowClose {
			l.closeLocked(ReasonSlowConsumer, ErrSlowConsumer, u.At)
			return true
		}
		l.queue.Remove()
		l.pendingDrops++
		l.totalDrops++
		l.state = StateDegraded
		if maxDrops > 0 && l.totalDrops > maxDrops {
			l.closeLocked(ReasonSlowConsumer, ErrSlowConsumer, u.At)
			return true
		}
	}

	l.queue.Add(u)
	l.signal()
	return false
}

// close moves the listener to StateClosed, queueing a terminal update.
func (l *Listener) close(reason string, cause error, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked(reason, cause, at)
}

// closeLocked must be called with mu held. The terminal update is appended
// even when the queue is full so it is always the last thing delivered.
func (l *Listener) closeLocked(reason string, cause error, at time.Time) {
	if l.state == StateClosed {
		return
	}
	l.queue.Add(Update{Kind: UpdateClosed, Reason: reason, At: at})
	l.state = StateClosed
	l.closeErr = cause
	close(l.done)
	l.signal()
}

func (l *Listener) signal() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}
