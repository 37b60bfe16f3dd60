// Package ratelimit implements admission control for vrme-gateway.
//
// Every request is charged against a token bucket keyed either by the
// authenticated account or, for unauthenticated routes, by the client IP.
// Buckets start full, refill continuously and are evicted after an idle
// window so memory stays proportional to active clients. Identity and IP
// buckets are bounded separately; a family full of live buckets rejects new
// keys instead of evicting one.
//
//	lim := ratelimit.New(ratelimit.Config{
//	    Identity: ratelimit.Limits{Capacity: 20, RefillPerSecond: 5},
//	    IP:       ratelimit.Limits{Capacity: 10, RefillPerSecond: 1},
//	    IdleEviction: 10 * time.Minute,
//	})
//	if d := lim.Admit(ratelimit.IdentityKey(id), time.Now()); !d.Admitted {
//	    // reject, advertise d.RetryAfter
//	}
package ratelimit
