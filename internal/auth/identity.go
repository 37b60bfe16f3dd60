// ABOUTME: Identity produced by successful authentication
// ABOUTME: Immutable account reference carried through the request pipeline

package auth

import "github.com/google/uuid"

// Identity is an authenticated account. It is never persisted by the gateway.
type Identity struct {
	AccountID   uuid.UUID `json:"account_id"`
	DisplayName string    `json:"display_name,omitempty"`
}

// String returns the account ID.
func (i Identity) String() string {
	return i.AccountID.String()
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.AccountID == uuid.Nil
}
