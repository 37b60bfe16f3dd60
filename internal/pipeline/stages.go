// ABOUTME: Authentication and rate-limit stages of the request pipeline
// ABOUTME: Auth retries a store outage once; rate limiting keys on identity, falling back to IP

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/ratelimit"
)

// Stage is one admission step. A stage may enrich the context and request
// for the stages after it, or reject the request with an error.
type Stage interface {
	Name() string
	Apply(ctx context.Context, req *Request) (context.Context, *Request, error)
}

// Authenticator resolves bearer tokens to identities.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
	AuthenticateWithTimeout(ctx context.Context, token string, timeout time.Duration) (auth.Identity, error)
}

// Admitter makes rate-limit decisions.
type Admitter interface {
	Admit(key ratelimit.Key, now time.Time) ratelimit.Decision
}

// DefaultRetryTimeout bounds the single retry after a store outage.
const DefaultRetryTimeout = 500 * time.Millisecond

// AuthStage authenticates requests whose route requires it.
type AuthStage struct {
	gate         Authenticator
	retryTimeout time.Duration
	logger       *slog.Logger
}

// NewAuthStage creates the authentication stage.
func NewAuthStage(gate Authenticator, retryTimeout time.Duration, logger *slog.Logger) *AuthStage {
	if retryTimeout <= 0 {
		retryTimeout = DefaultRetryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthStage{gate: gate, retryTimeout: retryTimeout, logger: logger}
}

// Name implements Stage.
func (s *AuthStage) Name() string { return "auth" }

// Apply implements Stage.
func (s *AuthStage) Apply(ctx context.Context, req *Request) (context.Context, *Request, error) {
	if !req.Route.RequiresAuth {
		return ctx, req, nil
	}

	token, err := auth.BearerToken(req.Authorization)
	if err != nil {
		return ctx, req, err
	}

	identity, err := s.gate.Authenticate(ctx, token)
	if errors.Is(err, auth.ErrStoreUnavailable) {
		s.logger.Debug("retrying authentication after store failure", "route", req.Route.Name)
		identity, err = s.gate.AuthenticateWithTimeout(ctx, token, s.retryTimeout)
	}
	if err != nil {
		return ctx, req, err
	}

	req.Identity = identity
	return auth.WithIdentity(ctx, identity), req, nil
}

// RateLimitStage admits requests against per-identity or per-IP buckets.
type RateLimitStage struct {
	limiter Admitter
	now     func() time.Time
}

// NewRateLimitStage creates the rate-limit stage.
func NewRateLimitStage(limiter Admitter) *RateLimitStage {
	return &RateLimitStage{limiter: limiter, now: time.Now}
}

// Name implements Stage.
func (s *RateLimitStage) Name() string { return "ratelimit" }

// Apply implements Stage.
func (s *RateLimitStage) Apply(ctx context.Context, req *Request) (context.Context, *Request, error) {
	key := KeyFor(req)
	if d := s.limiter.Admit(key, s.now()); !d.Admitted {
		return ctx, req, d.Err(key)
	}
	return ctx, req, nil
}

// KeyFor returns the bucket key for req: its identity when authenticated,
// otherwise its client IP.
func KeyFor(req *Request) ratelimit.Key {
	if !req.Identity.IsZero() {
		return ratelimit.IdentityKey(req.Identity.AccountID.String())
	}
	return ratelimit.IPKey(req.RemoteIP)
}
