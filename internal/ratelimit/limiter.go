// ABOUTME: Token-bucket rate limiter keyed by account identity or client IP
// ABOUTME: Identity and IP buckets live in separate caches and only idle buckets are evicted

package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vrme/vrme-gateway/internal/ttlcache"
)

// ErrRateLimited is matched by every *RateLimitedError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError reports a rejected admission and when to retry.
type RateLimitedError struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) succeed.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// KeyKind distinguishes identity buckets from IP buckets.
type KeyKind string

const (
	KindIdentity KeyKind = "identity"
	KindIP       KeyKind = "ip"
)

// Key identifies a bucket.
type Key struct {
	Kind  KeyKind
	Value string
}

// IdentityKey returns the bucket key for an authenticated account.
func IdentityKey(accountID string) Key { return Key{Kind: KindIdentity, Value: accountID} }

// IPKey returns the bucket key for an unauthenticated client address.
func IPKey(ip string) Key { return Key{Kind: KindIP, Value: ip} }

func (k Key) String() string { return string(k.Kind) + ":" + k.Value }

// Limits configures one family of buckets.
type Limits struct {
	Capacity        int
	RefillPerSecond float64
}

// Config configures a Limiter.
type Config struct {
	Identity     Limits
	IP           Limits
	IdleEviction time.Duration
	// MaxBuckets bounds each key family; zero means unbounded. A new key
	// arriving while its family is full of live buckets is rejected.
	MaxBuckets int
}

// Decision is the result of an admission check.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// Err returns nil for an admitted decision and a *RateLimitedError otherwise.
func (d Decision) Err(key Key) error {
	if d.Admitted {
		return nil
	}
	return &RateLimitedError{Key: key, RetryAfter: d.RetryAfter}
}

// bucket wraps a rate.Limiter with its own lock so time never runs
// backwards for a key.
type bucket struct {
	mu     sync.Mutex
	lim    *rate.Limiter
	refill float64
	last   time.Time
}

// Limiter is the admission-control layer. It is safe for concurrent use;
// checks for different keys never wait on each other beyond the map lookup.
type Limiter struct {
	cfg      Config
	identity *ttlcache.Cache[string, *bucket]
	ip       *ttlcache.Cache[string, *bucket]
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 10 * time.Minute
	}
	cleanup := cfg.IdleEviction / 2
	if cleanup > time.Minute {
		cleanup = time.Minute
	}
	return &Limiter{
		cfg:      cfg,
		identity: ttlcache.New[string, *bucket](cfg.IdleEviction, cfg.MaxBuckets, cleanup),
		ip:       ttlcache.New[string, *bucket](cfg.IdleEviction, cfg.MaxBuckets, cleanup),
	}
}

func (l *Limiter) family(kind KeyKind) (*ttlcache.Cache[string, *bucket], Limits) {
	if kind == KindIP {
		return l.ip, l.cfg.IP
	}
	return l.identity, l.cfg.Identity
}

// Admit charges one token to key at time now. When the key's family is at
// MaxBuckets and no bucket is idle, the key is rejected until the oldest
// bucket expires.
func (l *Limiter) Admit(key Key, now time.Time) Decision {
	buckets, limits := l.family(key.Kind)
	b, ok := buckets.GetOrCreate(key.Value, func() *bucket {
		return &bucket{
			lim:    rate.NewLimiter(rate.Limit(limits.RefillPerSecond), limits.Capacity),
			refill: limits.RefillPerSecond,
		}
	})
	if !ok {
		wait := buckets.NextExpiry()
		if wait <= 0 {
			wait = time.Second
		}
		return Decision{RetryAfter: wait}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.last) {
		now = b.last
	}
	b.last = now

	if b.lim.AllowN(now, 1) {
		return Decision{Admitted: true}
	}

	return Decision{RetryAfter: retryAfter(b.lim.TokensAt(now), b.refill)}
}

// retryAfter is (1 - tokens) / refill.
func retryAfter(tokens, refill float64) time.Duration {
	if refill <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / refill * float64(time.Second))
}

// Buckets returns the number of tracked buckets across both families.
func (l *Limiter) Buckets() int {
	return l.identity.Len() + l.ip.Len()
}

// Close stops background eviction.
func (l *Limiter) Close() {
	l.identity.Close()
	l.ip.Close()
}
