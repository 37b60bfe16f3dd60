// ABOUTME: AuthGate validates bearer credentials against a credential store
// ABOUTME: Structural checks first, then a time-bounded store lookup

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Authentication errors. Every failure returned by Gate.Authenticate wraps
// exactly one of these.
var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrStoreUnavailable    = errors.New("credential store unavailable")
)

// Store-side rejection errors. A CredentialStore returns an error wrapping
// ErrCredentialRejected when the credential is well-formed but not accepted.
// Any other error is treated as the store being unavailable.
var (
	ErrCredentialRejected = errors.New("credential rejected")
	ErrExpiredToken       = fmt.Errorf("%w: token expired", ErrCredentialRejected)
	ErrUnknownSubject     = fmt.Errorf("%w: unknown subject", ErrCredentialRejected)
	ErrRevokedCredential  = fmt.Errorf("%w: credential revoked", ErrCredentialRejected)
)

// CredentialStore validates a structurally sound credential and resolves the
// account it belongs to.
type CredentialStore interface {
	Validate(ctx context.Context, cred Credential) (Identity, error)
}

// GateConfig holds AuthGate tunables.
type GateConfig struct {
	// TokenLength is the required session token length. Zero disables the check.
	TokenLength int
	// StoreTimeout bounds each credential store call.
	StoreTimeout time.Duration
}

// Gate authenticates bearer credentials. It holds no state beyond the store
// reference and is safe for concurrent use.
type Gate struct {
	store  CredentialStore
	cfg    GateConfig
	logger *slog.Logger
}

// NewGate creates a Gate. Pass nil logger for default.
func NewGate(store CredentialStore, cfg GateConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Gate{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "auth"),
	}
}

// Authenticate validates token and returns the identity it belongs to.
func (g *Gate) Authenticate(ctx context.Context, token string) (Identity, error) {
	cred, err := ParseCredential(token, g.cfg.TokenLength)
	if err != nil {
		g.logFailure("parse_failed", err)
		return Identity{}, err
	}

	return g.validate(ctx, cred, g.cfg.StoreTimeout)
}

// AuthenticateWithTimeout is Authenticate with an explicit store timeout.
// The pipeline uses it for its single retry after ErrStoreUnavailable.
func (g *Gate) AuthenticateWithTimeout(ctx context.Context, token string, timeout time.Duration) (Identity, error) {
	cred, err := ParseCredential(token, g.cfg.TokenLength)
	if err != nil {
		return Identity{}, err
	}
	return g.validate(ctx, cred, timeout)
}

func (g *Gate) validate(ctx context.Context, cred Credential, timeout time.Duration) (Identity, error) {
	storeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	identity, err := g.store.Validate(storeCtx, cred)
	if err != nil {
		if errors.Is(err, ErrCredentialRejected) {
			g.logFailure("rejected", err, "account_id", cred.AccountID.String())
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		g.logger.Error("credential store call failed", "error", err, "kind", string(cred.Kind))
		return Identity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Stores resolve by account; never trust an identity for another account.
	if identity.AccountID != cred.AccountID {
		g.logFailure("subject_mismatch", nil, "account_id", cred.AccountID.String())
		return Identity{}, fmt.Errorf("%w: subject mismatch", ErrInvalidCredential)
	}
	return identity, nil
}

func (g *Gate) logFailure(reason string, err error, attrs ...any) {
	base := []any{"reason", reason}
	if err != nil {
		base = append(base, "error", err.Error())
	}
	g.logger.Warn("auth failure", append(base, attrs...)...)
}
