// ABOUTME: Tests for the AuthGate authentication flow
// ABOUTME: Verifies error taxonomy, store short-circuiting and timeouts

package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore is a CredentialStore driven by a function.
type stubStore struct {
	calls atomic.Int32
	fn    func(ctx context.Context, cred Credential) (Identity, error)
}

func (s *stubStore) Validate(ctx context.Context, cred Credential) (Identity, error) {
	s.calls.Add(1)
	return s.fn(ctx, cred)
}

func acceptAll() *stubStore {
	return &stubStore{fn: func(_ context.Context, cred Credential) (Identity, error) {
		return Identity{AccountID: cred.AccountID, DisplayName: "user"}, nil
	}}
}

func validBearer(t *testing.T, accountID uuid.UUID) string {
	t.Helper()
	token, err := NewSessionToken()
	require.NoError(t, err)
	return EncodeSessionCredential(accountID, token)
}

func TestGate_Authenticate_Success(t *testing.T) {
	store := acceptAll()
	gate := NewGate(store, GateConfig{TokenLength: DefaultTokenLength}, nil)
	accountID := uuid.New()

	identity, err := gate.Authenticate(t.Context(), validBearer(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, accountID, identity.AccountID)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestGate_Authenticate_StructuralFailuresSkipStore(t *testing.T) {
	store := acceptAll()
	gate := NewGate(store, GateConfig{TokenLength: DefaultTokenLength}, nil)

	_, err := gate.Authenticate(t.Context(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = gate.Authenticate(t.Context(), "not-a-credential!")
	assert.ErrorIs(t, err, ErrMalformedCredential)

	assert.Equal(t, int32(0), store.calls.Load(), "malformed tokens must not reach the store")
}

func TestGate_Authenticate_Rejected(t *testing.T) {
	store := &stubStore{fn: func(context.Context, Credential) (Identity, error) {
		return Identity{}, ErrExpiredToken
	}}
	gate := NewGate(store, GateConfig{TokenLength: DefaultTokenLength}, nil)

	_, err := gate.Authenticate(t.Context(), validBearer(t, uuid.New()))
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
}

func TestGate_Authenticate_StoreError(t *testing.T) {
	store := &stubStore{fn: func(context.Context, Credential) (Identity, error) {
		return Identity{}, errors.New("connection refused")
	}}
	gate := NewGate(store, GateConfig{TokenLength: DefaultTokenLength}, nil)

	_, err := gate.Authenticate(t.Context(), validBearer(t, uuid.New()))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestGate_Authenticate_StoreTimeout(t *testing.T) {
	store := &stubStore{fn: func(ctx context.Context, _ Credential) (Identity, error) {
		<-ctx.Done()
		return Identity{}, ctx.Err()
	}}
	gate := NewGate(store, GateConfig{TokenLength: DefaultTokenLength, StoreTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := gate.Authenticate(t.Context(), validBearer(t, uuid.New()))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_Authenticate_SubjectMismatch(t *testing.T) {
	store := &stubStore{fn: func(context.Context, Credential) (Identity, error) {
		return Identity{AccountID: uuid.New()}, nil
	}}
	gate := NewGate(store, GateConfig{TokenLength: DefaultTokenLength}, nil)

	_, err := gate.Authenticate(t.Context(), validBearer(t, uuid.New()))
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestCredentialRouter_Dispatch(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	sessions := acceptAll()
	router := &CredentialRouter{Sessions: sessions, JWT: verifier}
	gate := NewGate(router, GateConfig{TokenLength: DefaultTokenLength}, nil)

	accountID := uuid.New()
	raw, err := verifier.Generate(Identity{AccountID: accountID}, time.Hour)
	require.NoError(t, err)

	identity, err := gate.Authenticate(t.Context(), raw)
	require.NoError(t, err)
	assert.Equal(t, accountID, identity.AccountID)
	assert.Equal(t, int32(0), sessions.calls.Load())

	_, err = gate.Authenticate(t.Context(), validBearer(t, accountID))
	require.NoError(t, err)
	assert.Equal(t, int32(1), sessions.calls.Load())
}

func TestCredentialRouter_MissingBackend(t *testing.T) {
	router := &CredentialRouter{Sessions: acceptAll()}

	_, err := router.Validate(t.Context(), Credential{Kind: KindJWT, AccountID: uuid.New()})
	assert.ErrorIs(t, err, ErrCredentialRejected)
}
