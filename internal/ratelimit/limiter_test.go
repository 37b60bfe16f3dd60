// ABOUTME: Tests for token-bucket admission control
// ABOUTME: Covers capacity, refill, retry-after, key isolation, idle eviction and bucket bounds

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	l := New(Config{
		Identity:     Limits{Capacity: 5, RefillPerSecond: 1},
		IP:           Limits{Capacity: 2, RefillPerSecond: 0.5},
		IdleEviction: time.Hour,
	})
	t.Cleanup(l.Close)
	return l
}

func TestAdmit_CapacityThenRefill(t *testing.T) {
	l := newTestLimiter(t)
	key := IdentityKey("u1")

	for i := 0; i < 5; i++ {
		assert.True(t, l.Admit(key, t0).Admitted, "admit %d should succeed", i+1)
	}

	d := l.Admit(key, t0)
	require.False(t, d.Admitted, "6th rapid admit should be rate limited")
	assert.Equal(t, time.Second, d.RetryAfter)

	later := t0.Add(time.Second)
	assert.True(t, l.Admit(key, later).Admitted, "one token should refill after 1s")
	assert.False(t, l.Admit(key, later).Admitted, "exactly one token should have refilled")
}

func TestAdmit_RetryAfterPartialToken(t *testing.T) {
	l := newTestLimiter(t)
	key := IdentityKey("u1")

	for i := 0; i < 5; i++ {
		l.Admit(key, t0)
	}
	d := l.Admit(key, t0.Add(400*time.Millisecond))

	require.False(t, d.Admitted)
	assert.InDelta(t, float64(600*time.Millisecond), float64(d.RetryAfter), float64(time.Millisecond))
}

func TestAdmit_RefillCappedAtCapacity(t *testing.T) {
	l := newTestLimiter(t)
	key := IdentityKey("u1")

	l.Admit(key, t0)
	idle := t0.Add(time.Hour)

	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Admit(key, idle).Admitted {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted, "bucket should never hold more than capacity")
}

func TestAdmit_TimeNeverRunsBackwards(t *testing.T) {
	l := newTestLimiter(t)
	key := IdentityKey("u1")

	for i := 0; i < 5; i++ {
		l.Admit(key, t0.Add(10*time.Second))
	}
	// An earlier timestamp must not mint tokens.
	assert.False(t, l.Admit(key, t0).Admitted)
	assert.False(t, l.Admit(key, t0.Add(10*time.Second)).Admitted)
}

func TestAdmit_KeysAreIsolated(t *testing.T) {
	l := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.Admit(IdentityKey("u1"), t0)
	}
	assert.False(t, l.Admit(IdentityKey("u1"), t0).Admitted)
	assert.True(t, l.Admit(IdentityKey("u2"), t0).Admitted)
	assert.True(t, l.Admit(IPKey("u1"), t0).Admitted, "ip bucket with the same value is distinct")
}

func TestAdmit_IPLimits(t *testing.T) {
	l := newTestLimiter(t)
	key := IPKey("203.0.113.9")

	assert.True(t, l.Admit(key, t0).Admitted)
	assert.True(t, l.Admit(key, t0).Admitted)

	d := l.Admit(key, t0)
	require.False(t, d.Admitted)
	assert.Equal(t, 2*time.Second, d.RetryAfter)
}

func TestDecision_Err(t *testing.T) {
	key := IdentityKey("u1")
	assert.NoError(t, Decision{Admitted: true}.Err(key))

	err := Decision{RetryAfter: 3 * time.Second}.Err(key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
	assert.Equal(t, key, rl.Key)
}

func TestLimiter_IdleEvictionResetsHistory(t *testing.T) {
	l := New(Config{
		Identity:     Limits{Capacity: 1, RefillPerSecond: 0.001},
		IdleEviction: 20 * time.Millisecond,
	})
	defer l.Close()
	key := IdentityKey("u1")

	now := time.Now()
	require.True(t, l.Admit(key, now).Admitted)
	require.False(t, l.Admit(key, now).Admitted)

	time.Sleep(40 * time.Millisecond)

	assert.True(t, l.Admit(key, now).Admitted, "evicted bucket should start full again")
}

func TestLimiter_ConcurrentKeys(t *testing.T) {
	l := New(Config{
		Identity:     Limits{Capacity: 100, RefillPerSecond: 1},
		IdleEviction: time.Hour,
	})
	defer l.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := map[string]int{}

	for _, user := range []string{"a", "b", "c", "d"} {
		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				for i := 0; i < 40; i++ {
					if l.Admit(IdentityKey(user), t0).Admitted {
						mu.Lock()
						admitted[user]++
						mu.Unlock()
					}
				}
			}(user)
		}
	}
	wg.Wait()

	for _, user := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 100, admitted[user], "user %s", user)
	}
	assert.Equal(t, 4, l.Buckets())
}

func TestLimiter_DepletedIdentitySurvivesIPChurn(t *testing.T) {
	l := New(Config{
		Identity:     Limits{Capacity: 5, RefillPerSecond: 1},
		IP:           Limits{Capacity: 5, RefillPerSecond: 1},
		IdleEviction: time.Hour,
		MaxBuckets:   3,
	})
	defer l.Close()
	user := IdentityKey("u1")

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit(user, t0).Admitted)
	}
	require.False(t, l.Admit(user, t0).Admitted)

	for i := 0; i < 10; i++ {
		l.Admit(IPKey(fmt.Sprintf("198.51.100.%d", i)), t0)
	}

	assert.False(t, l.Admit(user, t0).Admitted, "ip churn must not reset a depleted identity bucket")
}

func TestLimiter_FullFamilyRejectsNewKeys(t *testing.T) {
	l := New(Config{
		Identity:     Limits{Capacity: 5, RefillPerSecond: 1},
		IP:           Limits{Capacity: 5, RefillPerSecond: 1},
		IdleEviction: time.Hour,
		MaxBuckets:   2,
	})
	defer l.Close()

	require.True(t, l.Admit(IdentityKey("u1"), t0).Admitted)
	require.True(t, l.Admit(IdentityKey("u2"), t0).Admitted)

	d := l.Admit(IdentityKey("u3"), t0)
	assert.False(t, d.Admitted, "a full family should reject an unseen key")
	assert.Positive(t, d.RetryAfter)

	assert.True(t, l.Admit(IdentityKey("u1"), t0).Admitted, "tracked keys keep their own budget")
	assert.True(t, l.Admit(IPKey("198.51.100.1"), t0).Admitted, "ip family has its own bound")
	assert.Equal(t, 3, l.Buckets())
}
