// ABOUTME: Routes credentials to the store responsible for their format
// ABOUTME: Session tokens go to the session store, JWTs to the JWT verifier

package auth

import (
	"context"
	"fmt"
)

// CredentialRouter is a CredentialStore that dispatches by credential kind.
// A nil backend rejects credentials of that kind.
type CredentialRouter struct {
	Sessions CredentialStore
	JWT      CredentialStore
}

// Validate implements CredentialStore.
func (r *CredentialRouter) Validate(ctx context.Context, cred Credential) (Identity, error) {
	var backend CredentialStore
	switch cred.Kind {
	case KindSessionToken:
		backend = r.Sessions
	case KindJWT:
		backend = r.JWT
	}
	if backend == nil {
		return Identity{}, fmt.Errorf("%w: %s credentials are not accepted", ErrCredentialRejected, cred.Kind)
	}
	return backend.Validate(ctx, cred)
}
