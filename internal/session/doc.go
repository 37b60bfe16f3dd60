// Package session implements the meeting coordination engine.
//
// # Overview
//
// A Registry maps session IDs to live Sessions. Each Session owns a set of
// participants and a Hub of Listeners. Participants must Join before they
// can Subscribe or Broadcast.
//
// # Delivery
//
// Broadcast stamps each payload with a per-session sequence number and
// offers it to every listener's bounded queue while holding only the
// session lock. Offering never blocks: when a queue is full the listener
// either drops its oldest update and becomes degraded, or is closed with
// ErrSlowConsumer, depending on the configured OverflowPolicy. A listener
// observes updates in broadcast order; Update.Dropped reports gaps.
//
// # Lifecycle
//
// Destroying a session queues a terminal UpdateClosed for every listener.
// Reap destroys sessions that have no listeners and have been idle beyond
// the configured timeout. Session IDs are random UUIDs and are never
// reissued while retained in the retired set.
package session
