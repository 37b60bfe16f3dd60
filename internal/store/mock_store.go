// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/session"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	accounts      map[uuid.UUID]*Account
	tokens        map[uuid.UUID]map[string]time.Time // account -> token hash -> last used
	records       map[uuid.UUID]*SessionRecord
	tokenValidity time.Duration
	now           func() time.Time

	// ValidateErr, when set, is returned by every Validate call.
	ValidateErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts:      make(map[uuid.UUID]*Account),
		tokens:        make(map[uuid.UUID]map[string]time.Time),
		records:       make(map[uuid.UUID]*SessionRecord),
		tokenValidity: DefaultTokenValidity,
		now:           time.Now,
	}
}

// CreateAccount stores a new account.
func (m *MockStore) CreateAccount(_ context.Context, displayName string) (*Account, error) {
	if displayName == "" {
		return nil, errors.New("display name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := &Account{ID: uuid.New(), DisplayName: displayName, CreatedAt: m.now().UTC()}
	m.accounts[acct.ID] = acct
	cp := *acct
	return &cp, nil
}

// GetAccount returns a copy of the account.
func (m *MockStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

// IssueToken creates a session token for the account.
func (m *MockStore) IssueToken(_ context.Context, accountID uuid.UUID) (string, error) {
	token, err := auth.NewSessionToken()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return "", ErrNotFound
	}
	if m.tokens[accountID] == nil {
		m.tokens[accountID] = make(map[string]time.Time)
	}
	m.tokens[accountID][HashToken(token)] = m.now()
	return token, nil
}

// RevokeTokens removes every token of the account.
func (m *MockStore) RevokeTokens(_ context.Context, accountID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.tokens[accountID]))
	delete(m.tokens, accountID)
	return n, nil
}

// Validate implements auth.CredentialStore with the same expiry rules as
// SQLiteStore.
func (m *MockStore) Validate(ctx context.Context, cred auth.Credential) (auth.Identity, error) {
	if err := ctx.Err(); err != nil {
		return auth.Identity{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ValidateErr != nil {
		return auth.Identity{}, m.ValidateErr
	}
	if cred.Kind != auth.KindSessionToken {
		return auth.Identity{}, auth.ErrCredentialRejected
	}

	acct, ok := m.accounts[cred.AccountID]
	if !ok {
		return auth.Identity{}, auth.ErrUnknownSubject
	}
	hash := HashToken(cred.Token)
	last, ok := m.tokens[cred.AccountID][hash]
	if !ok {
		return auth.Identity{}, auth.ErrUnknownSubject
	}
	now := m.now()
	if expired(last, now, m.tokenValidity) {
		delete(m.tokens[cred.AccountID], hash)
		return auth.Identity{}, auth.ErrExpiredToken
	}
	m.tokens[cred.AccountID][hash] = now
	return acct.Identity(), nil
}

// RecordSessionCreated implements session.Recorder.
func (m *MockStore) RecordSessionCreated(_ context.Context, rec session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.ID] = &SessionRecord{ID: rec.ID, OwnerID: rec.OwnerID, CreatedAt: rec.CreatedAt}
	return nil
}

// RecordSessionDestroyed implements session.Recorder.
func (m *MockStore) RecordSessionDestroyed(_ context.Context, rec session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[rec.ID]
	if !ok {
		r = &SessionRecord{ID: rec.ID, OwnerID: rec.OwnerID, CreatedAt: rec.CreatedAt}
		m.records[rec.ID] = r
	}
	destroyed := rec.DestroyedAt
	r.DestroyedAt = &destroyed
	r.CloseReason = rec.Reason
	return nil
}

// ListSessionRecords returns up to limit records, newest first.
func (m *MockStore) ListSessionRecords(_ context.Context, limit int) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var (
	_ Store                = (*MockStore)(nil)
	_ Store                = (*SQLiteStore)(nil)
	_ auth.CredentialStore = (*RedisCredentialStore)(nil)
	_ auth.SubjectResolver = (*SQLiteStore)(nil)
)
