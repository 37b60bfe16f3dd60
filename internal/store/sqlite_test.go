// ABOUTME: Tests for the SQLite store
// ABOUTME: Covers accounts, token issuance, expiry, refresh-on-use, migrations and session records

package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/session"
)

func setupTestStore(t *testing.T, opts ...SQLiteOption) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func sessionCredential(accountID uuid.UUID, token string) auth.Credential {
	return auth.Credential{Kind: auth.KindSessionToken, AccountID: accountID, Token: token}
}

func TestSQLiteStore_CreateAndGetAccount(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	acct, err := store.CreateAccount(ctx, "  Ada  ")
	require.NoError(t, err)
	assert.Equal(t, "Ada", acct.DisplayName)

	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.WithinDuration(t, acct.CreatedAt, got.CreatedAt, time.Microsecond)

	_, err = store.GetAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.CreateAccount(ctx, " ")
	assert.Error(t, err)
}

func TestSQLiteStore_IssueAndValidateToken(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)

	token, err := store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, token, auth.DefaultTokenLength)

	identity, err := store.Validate(ctx, sessionCredential(acct.ID, token))
	require.NoError(t, err)
	assert.Equal(t, acct.ID, identity.AccountID)
	assert.Equal(t, "Ada", identity.DisplayName)

	_, err = store.Validate(ctx, sessionCredential(acct.ID, "wrong"))
	assert.ErrorIs(t, err, auth.ErrCredentialRejected)

	_, err = store.Validate(ctx, sessionCredential(uuid.New(), token))
	assert.ErrorIs(t, err, auth.ErrUnknownSubject)

	_, err = store.Validate(ctx, auth.Credential{Kind: auth.KindJWT, AccountID: acct.ID, Token: token})
	assert.ErrorIs(t, err, auth.ErrCredentialRejected)
}

func TestSQLiteStore_TokensHashedAtRest(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)
	token, err := store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)

	var stored string
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT token_hash FROM auth_sessions WHERE user_id = ?`, acct.ID.String()).Scan(&stored))
	assert.NotEqual(t, token, stored)
	assert.Equal(t, HashToken(token), stored)
	assert.Len(t, stored, 64)
}

func TestSQLiteStore_IssueTokenUnknownAccount(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.IssueToken(t.Context(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_TokenExpiryAndRefresh(t *testing.T) {
	store := setupTestStore(t, WithTokenValidity(time.Hour))
	ctx := t.Context()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)
	token, err := store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)
	cred := sessionCredential(acct.ID, token)

	// Each use pushes the window forward.
	for range 3 {
		now = now.Add(50 * time.Minute)
		_, err := store.Validate(ctx, cred)
		require.NoError(t, err)
	}

	now = now.Add(61 * time.Minute)
	_, err = store.Validate(ctx, cred)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)

	// Expired tokens are removed, so a retry is an unknown credential.
	_, err = store.Validate(ctx, cred)
	assert.ErrorIs(t, err, auth.ErrUnknownSubject)
}

func TestSQLiteStore_RevokeAndPrune(t *testing.T) {
	store := setupTestStore(t, WithTokenValidity(time.Hour))
	ctx := t.Context()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)
	_, err = store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)
	_, err = store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)

	n, err := store.RevokeTokens(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	n, err = store.PruneExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = store.PruneExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_ResolveSubject(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)

	identity, err := store.ResolveSubject(ctx, acct.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, acct.Identity(), identity)

	_, err = store.ResolveSubject(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, auth.ErrUnknownSubject)

	now = now.Add(time.Hour)
	_, err = store.RevokeTokens(ctx, acct.ID)
	require.NoError(t, err)

	_, err = store.ResolveSubject(ctx, acct.ID, now.Add(-time.Minute))
	assert.ErrorIs(t, err, auth.ErrRevokedCredential, "tokens issued before revoke are refused")
	_, err = store.ResolveSubject(ctx, acct.ID, now)
	assert.ErrorIs(t, err, auth.ErrRevokedCredential)

	identity, err = store.ResolveSubject(ctx, acct.ID, now.Add(time.Second))
	require.NoError(t, err, "tokens issued after revoke are accepted")
	assert.Equal(t, acct.ID, identity.AccountID)
}

func TestSQLiteStore_JWTThroughGate(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte("test-secret-key-for-jwt-signing-0123456789"))
	require.NoError(t, err)
	verifier.WithSubjects(store)
	gate := auth.NewGate(&auth.CredentialRouter{Sessions: store, JWT: verifier}, auth.GateConfig{}, nil)

	raw, err := verifier.Generate(acct.Identity(), time.Hour)
	require.NoError(t, err)
	identity, err := gate.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, acct.Identity(), identity)

	forged, err := verifier.Generate(auth.Identity{AccountID: uuid.New(), DisplayName: "Nobody"}, time.Hour)
	require.NoError(t, err)
	_, err = gate.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestSQLiteStore_SessionRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	owner := uuid.New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := session.Record{ID: uuid.New(), OwnerID: owner, CreatedAt: base}
	second := session.Record{ID: uuid.New(), OwnerID: owner, CreatedAt: base.Add(time.Minute)}

	require.NoError(t, store.RecordSessionCreated(ctx, first))
	require.NoError(t, store.RecordSessionCreated(ctx, second))

	first.DestroyedAt = base.Add(time.Hour)
	first.Reason = session.ReasonSessionClosed
	require.NoError(t, store.RecordSessionDestroyed(ctx, first))

	records, err := store.ListSessionRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, second.ID, records[0].ID, "newest first")
	assert.Nil(t, records[0].DestroyedAt)

	assert.Equal(t, first.ID, records[1].ID)
	require.NotNil(t, records[1].DestroyedAt)
	assert.True(t, first.DestroyedAt.Equal(*records[1].DestroyedAt))
	assert.Equal(t, session.ReasonSessionClosed, records[1].CloseReason)
}

func TestSQLiteStore_DestroyWithoutCreateRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	rec := session.Record{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		CreatedAt:   time.Now().Add(-time.Minute),
		DestroyedAt: time.Now(),
		Reason:      "idle",
	}
	require.NoError(t, store.RecordSessionDestroyed(ctx, rec))

	records, err := store.ListSessionRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "idle", records[0].CloseReason)
}

func TestSQLiteStore_MigratesLegacySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open(DriverModernc, path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE auth_sessions (
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			last_used TEXT NOT NULL,
			PRIMARY KEY (user_id, token_hash)
		);
		CREATE TABLE meeting_sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			destroyed_at TEXT
		);`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, col := range []struct{ table, column string }{
		{"auth_sessions", "created_at"},
		{"meeting_sessions", "close_reason"},
		{"accounts", "tokens_revoked_at"},
	} {
		var exists int
		err := store.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, col.table, col.column).Scan(&exists)
		assert.NoError(t, err, "%s.%s should exist", col.table, col.column)
	}
}

func TestNewSQLiteStore_RejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), WithDriver("postgres"))
	assert.Error(t, err)
}

func TestSQLiteStore_WorksWithGate(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	acct, err := store.CreateAccount(ctx, "Ada")
	require.NoError(t, err)
	token, err := store.IssueToken(ctx, acct.ID)
	require.NoError(t, err)

	gate := auth.NewGate(store, auth.GateConfig{TokenLength: auth.DefaultTokenLength}, nil)
	identity, err := gate.Authenticate(ctx, auth.EncodeSessionCredential(acct.ID, token))
	require.NoError(t, err)
	assert.Equal(t, acct.Identity(), identity)
}
