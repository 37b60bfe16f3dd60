// ABOUTME: Error taxonomy shared by all transports
// ABOUTME: Classifies sentinel errors into kinds with HTTP status and gRPC code mappings

package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/ratelimit"
	"github.com/vrme/vrme-gateway/internal/session"
)

// ErrBadRequest is wrapped by transports for malformed input.
var ErrBadRequest = errors.New("bad request")

// Kind is the client-visible category of a failure.
type Kind string

const (
	KindMissingCredential   Kind = "missing_credential"
	KindMalformedCredential Kind = "malformed_credential"
	KindInvalidCredential   Kind = "invalid_credential"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindRateLimited         Kind = "rate_limited"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindShuttingDown        Kind = "shutting_down"
	KindNotAParticipant     Kind = "not_a_participant"
	KindSlowConsumer        Kind = "slow_consumer"
	KindBadRequest          Kind = "bad_request"
	KindInternal            Kind = "internal"
)

var classification = []struct {
	target error
	kind   Kind
}{
	{auth.ErrMissingCredential, KindMissingCredential},
	{auth.ErrMalformedCredential, KindMalformedCredential},
	{auth.ErrInvalidCredential, KindInvalidCredential},
	{auth.ErrStoreUnavailable, KindStoreUnavailable},
	{ratelimit.ErrRateLimited, KindRateLimited},
	{session.ErrNotFound, KindNotFound},
	{session.ErrForbidden, KindForbidden},
	{session.ErrCapacityExceeded, KindCapacityExceeded},
	{session.ErrRegistryClosed, KindShuttingDown},
	{session.ErrNotAParticipant, KindNotAParticipant},
	{session.ErrSlowConsumer, KindSlowConsumer},
	{ErrBadRequest, KindBadRequest},
}

// Classify returns the kind of err. Unrecognised errors are KindInternal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for _, c := range classification {
		if errors.Is(err, c.target) {
			return c.kind
		}
	}
	return KindInternal
}

// HTTPStatus returns the response status for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingCredential, KindMalformedCredential, KindInvalidCredential:
		return http.StatusUnauthorized
	case KindStoreUnavailable, KindCapacityExceeded, KindShuttingDown:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindNotAParticipant:
		return http.StatusForbidden
	case KindSlowConsumer:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode returns the status code for k.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindMissingCredential, KindMalformedCredential, KindInvalidCredential:
		return codes.Unauthenticated
	case KindStoreUnavailable, KindShuttingDown:
		return codes.Unavailable
	case KindRateLimited, KindCapacityExceeded:
		return codes.ResourceExhausted
	case KindNotFound:
		return codes.NotFound
	case KindForbidden, KindNotAParticipant:
		return codes.PermissionDenied
	case KindSlowConsumer:
		return codes.Aborted
	case KindBadRequest:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// RetryAfter extracts the retry hint from a rate-limit rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *ratelimit.RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Message returns a client-safe description of err.
func Message(err error) string {
	kind := Classify(err)
	switch {
	case kind == KindInternal && errors.Is(err, context.Canceled):
		return "request cancelled"
	case kind == KindInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
