// ABOUTME: Bearer credential parsing and session token generation
// ABOUTME: Structural validation only; no store access happens here

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionTokenBytes is the number of random bytes in an issued session token.
const SessionTokenBytes = 32

// DefaultTokenLength is the length of a base64-encoded session token.
var DefaultTokenLength = base64.StdEncoding.EncodedLen(SessionTokenBytes)

// CredentialKind identifies the bearer format.
type CredentialKind string

const (
	KindSessionToken CredentialKind = "session_token"
	KindJWT          CredentialKind = "jwt"
)

// Credential is a structurally valid bearer credential.
type Credential struct {
	Kind      CredentialKind
	AccountID uuid.UUID
	// Token is the session token for KindSessionToken, or the raw JWT.
	Token string
}

// sessionPayload is the JSON document carried inside a session token bearer.
type sessionPayload struct {
	UUID      string `json:"uuid"`
	AuthToken string `json:"auth_token"`
}

// ParseCredential performs the cheap, local structural check of a bearer
// credential. tokenLength is the required session token length.
func ParseCredential(raw string, tokenLength int) (Credential, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credential{}, ErrMissingCredential
	}

	if strings.Count(raw, ".") == 2 {
		return parseJWT(raw)
	}
	return parseSessionToken(raw, tokenLength)
}

func parseJWT(raw string) (Credential, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Credential{}, fmt.Errorf("%w: missing sub claim", ErrMalformedCredential)
	}
	accountID, err := uuid.Parse(sub)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: sub is not an account id", ErrMalformedCredential)
	}

	return Credential{Kind: KindJWT, AccountID: accountID, Token: raw}, nil
}

func parseSessionToken(raw string, tokenLength int) (Credential, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: not base64", ErrMalformedCredential)
	}

	var payload sessionPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return Credential{}, fmt.Errorf("%w: not a JSON payload", ErrMalformedCredential)
	}

	accountID, err := uuid.Parse(payload.UUID)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: invalid uuid", ErrMalformedCredential)
	}
	if strings.TrimSpace(payload.AuthToken) == "" {
		return Credential{}, fmt.Errorf("%w: auth_token cannot be empty", ErrMalformedCredential)
	}
	if tokenLength > 0 && len(payload.AuthToken) != tokenLength {
		return Credential{}, fmt.Errorf("%w: auth_token has wrong length", ErrMalformedCredential)
	}

	return Credential{Kind: KindSessionToken, AccountID: accountID, Token: payload.AuthToken}, nil
}

// NewSessionToken returns a fresh base64-encoded session token drawn from
// crypto/rand.
func NewSessionToken() (string, error) {
	buf := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// EncodeSessionCredential builds the bearer string clients send for a session token.
func EncodeSessionCredential(accountID uuid.UUID, token string) string {
	data, _ := json.Marshal(sessionPayload{UUID: accountID.String(), AuthToken: token})
	return base64.StdEncoding.EncodeToString(data)
}
