// ABOUTME: Redis-backed credential store for multi-replica deployments
// ABOUTME: One hashed token per account under vrme:auth:<uuid>, expiring after the validity window

package store

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vrme/vrme-gateway/internal/auth"
)

// RedisKeyPrefix namespaces credential keys.
const RedisKeyPrefix = "vrme:auth:"

// RedisCredentialStore implements auth.CredentialStore on Redis. Key expiry
// is the validity window and is pushed forward on every successful use.
type RedisCredentialStore struct {
	client   *redis.Client
	validity time.Duration
	logger   *slog.Logger
}

// NewRedisCredentialStore connects to Redis and verifies the connection.
func NewRedisCredentialStore(ctx context.Context, opts *redis.Options, validity time.Duration, logger *slog.Logger) (*RedisCredentialStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &RedisCredentialStore{
		client:   client,
		validity: validity,
		logger:   logger.With("component", "redis_credentials"),
	}, nil
}

func redisKey(accountID uuid.UUID) string {
	return RedisKeyPrefix + accountID.String()
}

// Put stores the hash of token as the account's current credential,
// replacing any previous one.
func (r *RedisCredentialStore) Put(ctx context.Context, identity auth.Identity, token string) error {
	key := redisKey(identity.AccountID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"token_hash", HashToken(token),
			"display_name", identity.DisplayName,
		)
		pipe.Expire(ctx, key, r.validity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Revoke removes the account's credential.
func (r *RedisCredentialStore) Revoke(ctx context.Context, accountID uuid.UUID) error {
	return r.client.Del(ctx, redisKey(accountID)).Err()
}

// Validate implements auth.CredentialStore.
func (r *RedisCredentialStore) Validate(ctx context.Context, cred auth.Credential) (auth.Identity, error) {
	if cred.Kind != auth.KindSessionToken {
		return auth.Identity{}, fmt.Errorf("%w: unsupported credential kind %q", auth.ErrCredentialRejected, cred.Kind)
	}

	key := redisKey(cred.AccountID)
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return auth.Identity{}, fmt.Errorf("reading credential: %w", err)
	}
	stored, ok := fields["token_hash"]
	if !ok {
		// Missing and expired keys are indistinguishable once Redis evicts them.
		return auth.Identity{}, auth.ErrUnknownSubject
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(HashToken(cred.Token))) != 1 {
		return auth.Identity{}, auth.ErrUnknownSubject
	}

	if err := r.client.Expire(ctx, key, r.validity).Err(); err != nil {
		r.logger.Warn("failed to refresh credential expiry", "account_id", cred.AccountID.String(), "error", err)
	}

	return auth.Identity{AccountID: cred.AccountID, DisplayName: fields["display_name"]}, nil
}

// Ping verifies Redis is reachable.
func (r *RedisCredentialStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client connections.
func (r *RedisCredentialStore) Close() error {
	return r.client.Close()
}
