// ABOUTME: Store interfaces and data types for vrme-gateway persistence
// ABOUTME: Defines accounts, meeting session records and the token hashing helper

package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/vrme/vrme-gateway/internal/auth"
	"github.com/vrme/vrme-gateway/internal/session"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DefaultTokenValidity is how long an unused session token stays valid.
const DefaultTokenValidity = 24 * time.Hour

// Account is a registered user.
type Account struct {
	ID          uuid.UUID
	DisplayName string
	CreatedAt   time.Time
}

// Identity returns the account as an authenticated identity.
func (a *Account) Identity() auth.Identity {
	return auth.Identity{AccountID: a.ID, DisplayName: a.DisplayName}
}

// SessionRecord is the persisted history of one meeting session.
type SessionRecord struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	CreatedAt   time.Time
	DestroyedAt *time.Time
	CloseReason string
}

// AccountStore manages accounts and their session tokens.
type AccountStore interface {
	CreateAccount(ctx context.Context, displayName string) (*Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	// IssueToken creates a new session token for the account and returns
	// the raw token. Only its hash is stored.
	IssueToken(ctx context.Context, accountID uuid.UUID) (string, error)
	RevokeTokens(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// HistoryStore lists meeting session records, newest first.
type HistoryStore interface {
	ListSessionRecords(ctx context.Context, limit int) ([]SessionRecord, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	AccountStore
	HistoryStore
	auth.CredentialStore
	session.Recorder
	Ping(ctx context.Context) error
	Close() error
}

// HashToken returns the hex BLAKE2b-256 digest of a raw session token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// expired reports whether a token last used at lastUsed is past validity.
func expired(lastUsed, now time.Time, validity time.Duration) bool {
	return validity > 0 && now.Sub(lastUsed) > validity
}
