// ABOUTME: Bearer token extraction from Authorization header values
// ABOUTME: Shared by the HTTP, WebSocket and gRPC transports

package auth

import (
	"fmt"
	"strings"
)

// BearerToken extracts the token from an Authorization header value.
// An empty header is a missing credential; any other scheme is malformed.
func BearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingCredential
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrMalformedCredential)
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMalformedCredential)
	}
	return token, nil
}
