// ABOUTME: Sentinel errors for session, listener and registry operations
// ABOUTME: Classified by the request pipeline into client-facing error kinds

package session

import "errors"

var (
	// ErrNotFound is returned for unknown or already destroyed sessions.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden is returned when the requester may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrCapacityExceeded is returned when the registry is at its session limit.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrRegistryClosed is returned once the registry has begun shutting down.
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrNotAParticipant is returned when the identity has not joined the session.
	ErrNotAParticipant = errors.New("not a participant")
	// ErrSlowConsumer is the close cause of a listener that could not keep up.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrSessionClosed is the close cause of listeners of a destroyed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrListenerClosed is returned by Listener.Next once the terminal update
	// has been consumed.
	ErrListenerClosed = errors.New("listener closed")
)
