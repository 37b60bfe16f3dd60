// ABOUTME: Unit tests for JWT credential verification and generation
// ABOUTME: Tests valid, invalid, expired and unknown-subject tokens

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-0123456789"

func jwtCredential(t *testing.T, raw string) Credential {
	t.Helper()
	cred, err := ParseCredential(raw, 0)
	require.NoError(t, err)
	return cred
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("too-short"))
	assert.Error(t, err)
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	identity := Identity{AccountID: uuid.New(), DisplayName: "Ada"}
	raw, err := verifier.Generate(identity, time.Hour)
	require.NoError(t, err)

	got, err := verifier.Validate(t.Context(), jwtCredential(t, raw))
	require.NoError(t, err)
	assert.Equal(t, identity, got)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	other, err := NewJWTVerifier([]byte("a-completely-different-secret-value-xyz"))
	require.NoError(t, err)

	raw, err := other.Generate(Identity{AccountID: uuid.New()}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(t.Context(), jwtCredential(t, raw))
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	raw, err := verifier.Generate(Identity{AccountID: uuid.New()}, -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(t.Context(), jwtCredential(t, raw))
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

func TestJWTVerifier_RejectsNoneAlgorithm(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = verifier.Validate(t.Context(), jwtCredential(t, raw))
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

func TestJWTVerifier_RejectsSessionTokenKind(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	_, err = verifier.Validate(t.Context(), Credential{Kind: KindSessionToken, AccountID: uuid.New(), Token: "x"})
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

// fakeSubjects resolves a fixed set of accounts.
type fakeSubjects struct {
	accounts map[uuid.UUID]string
	err      error
	issued   time.Time
}

func (f *fakeSubjects) ResolveSubject(_ context.Context, accountID uuid.UUID, issuedAt time.Time) (Identity, error) {
	f.issued = issuedAt
	if f.err != nil {
		return Identity{}, f.err
	}
	name, ok := f.accounts[accountID]
	if !ok {
		return Identity{}, ErrUnknownSubject
	}
	return Identity{AccountID: accountID, DisplayName: name}, nil
}

func TestJWTVerifier_ResolvesSubject(t *testing.T) {
	known := uuid.New()
	subjects := &fakeSubjects{accounts: map[uuid.UUID]string{known: "Stored Name"}}
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	verifier.WithSubjects(subjects)

	raw, err := verifier.Generate(Identity{AccountID: known, DisplayName: "Claimed Name"}, time.Hour)
	require.NoError(t, err)

	got, err := verifier.Validate(t.Context(), jwtCredential(t, raw))
	require.NoError(t, err)
	assert.Equal(t, Identity{AccountID: known, DisplayName: "Stored Name"}, got)
	assert.WithinDuration(t, time.Now(), subjects.issued, 2*time.Second)
}

func TestJWTVerifier_RejectsUnknownSubject(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	verifier.WithSubjects(&fakeSubjects{accounts: map[uuid.UUID]string{}})

	raw, err := verifier.Generate(Identity{AccountID: uuid.New()}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(t.Context(), jwtCredential(t, raw))
	assert.ErrorIs(t, err, ErrUnknownSubject)
	assert.ErrorIs(t, err, ErrCredentialRejected)
}

func TestJWTVerifier_SubjectStoreFailureIsNotRejection(t *testing.T) {
	verifier, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	verifier.WithSubjects(&fakeSubjects{err: errors.New("database is locked")})

	raw, err := verifier.Generate(Identity{AccountID: uuid.New()}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(t.Context(), jwtCredential(t, raw))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCredentialRejected)
}
