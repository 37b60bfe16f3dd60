// ABOUTME: Tests for MockStore behaviour parity with SQLiteStore
// ABOUTME: Ensures tests built on the mock see the same credential semantics

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/session"
)

func TestMockStore_Credentials(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.tokenValidity = time.Hour

	acct, err := m.CreateAccount(ctx, "Ada")
	require.NoError(t, err)
	token, err := m.IssueToken(ctx, acct.ID)
	require.NoError(t, err)

	identity, err := m.Validate(ctx, sessionCredential(acct.ID, token))
	require.NoError(t, err)
	assert.Equal(t, acct.Identity(), identity)

	now = now.Add(2 * time.Hour)
	_, err = m.Validate(ctx, sessionCredential(acct.ID, token))
	assert.ErrorIs(t, err, auth.ErrExpiredToken)

	_, err = m.IssueToken(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_ValidateErr(t *testing.T) {
	m := NewMockStore()
	m.ValidateErr = errors.New("down")

	_, err := m.Validate(t.Context(), sessionCredential(uuid.New(), "x"))
	assert.EqualError(t, err, "down")
}

func TestMockStore_Records(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	base := time.Now()
	a := session.Record{ID: uuid.New(), OwnerID: uuid.New(), CreatedAt: base}
	b := session.Record{ID: uuid.New(), OwnerID: uuid.New(), CreatedAt: base.Add(time.Second)}
	require.NoError(t, m.RecordSessionCreated(ctx, a))
	require.NoError(t, m.RecordSessionCreated(ctx, b))

	a.DestroyedAt = base.Add(time.Minute)
	a.Reason = "idle"
	require.NoError(t, m.RecordSessionDestroyed(ctx, a))

	records, err := m.ListSessionRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, b.ID, records[0].ID)

	records, err = m.ListSessionRecords(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "idle", records[1].CloseReason)
}
