// Package auth authenticates bearer credentials for vrme-gateway.
//
// # Credentials
//
// Two bearer formats are accepted:
//
//   - Session tokens: base64(JSON {"uuid": "<account>", "auth_token": "<token>"}).
//     The token is issued when an account logs in and is validated against a
//     credential store (SQLite or Redis) which tracks its last use.
//
//   - JWT: HS256-signed tokens whose "sub" claim is the account UUID. They are
//     validated locally with the configured secret.
//
// # Gate
//
// Gate is the authentication stage of the request pipeline:
//
//	gate := auth.NewGate(store, auth.GateConfig{TokenLength: 44, StoreTimeout: 2 * time.Second}, logger)
//	identity, err := gate.Authenticate(ctx, token)
//
// Structural checks run before any store call so malformed tokens never cost
// an I/O round trip. Failures are reported as one of ErrMissingCredential,
// ErrMalformedCredential, ErrInvalidCredential or ErrStoreUnavailable.
//
// # Context
//
// Authenticated identities travel through handlers with WithIdentity and
// FromContext.
package auth
