// ABOUTME: Per-session listener set and non-blocking fan-out
// ABOUTME: Owned by a Session and only touched while the session lock is held

package session

import (
	"time"

	"github.com/google/uuid"
)

// HubConfig controls listener queue sizing and overflow behaviour.
type HubConfig struct {
	QueueDepth int
	Overflow   OverflowPolicy
	// MaxDegradedDrops closes a listener once its cumulative drops exceed
	// this value. Zero keeps degraded listeners open indefinitely.
	MaxDegradedDrops uint64
}

// DefaultQueueDepth is used when HubConfig.QueueDepth is not positive.
const DefaultQueueDepth = 64

func (c HubConfig) withDefaults() HubConfig {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Overflow == "" {
		c.Overflow = OverflowDropOldest
	}
	return c
}

// Hub holds the listeners of one session, keyed by handle ID. Removing a
// listener from the hub invalidates its handle: the handle is closed and
// the hub never references it again.
type Hub struct {
	cfg       HubConfig
	listeners map[uuid.UUID]*Listener
}

func newHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:       cfg.withDefaults(),
		listeners: make(map[uuid.UUID]*Listener),
	}
}

func (h *Hub) add(l *Listener) {
	h.listeners[l.id] = l
}

func (h *Hub) get(id uuid.UUID) (*Listener, bool) {
	l, ok := h.listeners[id]
	return l, ok
}

// remove detaches and closes a listener. Returns false if it was not present.
func (h *Hub) remove(id uuid.UUID, reason string, cause error, at time.Time) bool {
	l, ok := h.listeners[id]
	if !ok {
		return false
	}
	delete(h.listeners, id)
	l.close(reason, cause, at)
	return true
}

// removeIdentity detaches every listener held by accountID.
func (h *Hub) removeIdentity(accountID uuid.UUID, reason string, at time.Time) int {
	n := 0
	for id, l := range h.listeners {
		if l.identity.AccountID == accountID {
			delete(h.listeners, id)
			l.close(reason, nil, at)
			n++
		}
	}
	return n
}

// fanOut offers u to every listener without blocking and detaches listeners
// closed by overflow. It returns the IDs of those listeners.
func (h *Hub) fanOut(u Update) []uuid.UUID {
	var closed []uuid.UUID
	for id, l := range h.listeners {
		if l.offer(u, h.cfg.Overflow, h.cfg.MaxDegradedDrops) {
			delete(h.listeners, id)
			closed = append(closed, id)
		}
	}
	return closed
}

// closeAll closes every listener with a terminal update and empties the hub.
func (h *Hub) closeAll(reason string, cause error, at time.Time) int {
	n := len(h.listeners)
	for id, l := range h.listeners {
		delete(h.listeners, id)
		l.close(reason, cause, at)
	}
	return n
}

func (h *Hub) len() int {
	return len(h.listeners)
}
