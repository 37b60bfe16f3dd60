// ABOUTME: JWT credential verification and issuing
// ABOUTME: Uses HS256 signing; subjects are confirmed against the account store when one is set

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SubjectResolver confirms that a JWT subject is a live account whose
// credentials were not revoked after issuedAt. Unknown accounts must be
// reported as ErrUnknownSubject.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, accountID uuid.UUID, issuedAt time.Time) (Identity, error)
}

// JWTVerifier validates HS256 JWT credentials. It implements CredentialStore
// for KindJWT credentials. Without a SubjectResolver it does no I/O and
// trusts any correctly signed subject.
type JWTVerifier struct {
	secret   []byte
	subjects SubjectResolver
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &JWTVerifier{secret: secret}, nil
}

// WithSubjects makes Validate resolve every subject through r.
func (v *JWTVerifier) WithSubjects(r SubjectResolver) *JWTVerifier {
	v.subjects = r
	return v
}

// Validate checks the signature and expiry of a JWT credential, then the
// subject account when a SubjectResolver is set.
func (v *JWTVerifier) Validate(ctx context.Context, cred Credential) (Identity, error) {
	if cred.Kind != KindJWT {
		return Identity{}, fmt.Errorf("%w: not a jwt", ErrCredentialRejected)
	}

	token, err := jwt.Parse(cred.Token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrCredentialRejected
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: sub", ErrCredentialRejected)
	}
	accountID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: sub", ErrCredentialRejected)
	}

	if v.subjects != nil {
		var issuedAt time.Time
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			issuedAt = iat.Time
		}
		return v.subjects.ResolveSubject(ctx, accountID, issuedAt)
	}

	name, _ := claims["name"].(string)
	return Identity{AccountID: accountID, DisplayName: name}, nil
}

// Generate issues a JWT for the account with expiration.
func (v *JWTVerifier) Generate(identity Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": identity.AccountID.String(),
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if identity.DisplayName != "" {
		claims["name"] = identity.DisplayName
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
