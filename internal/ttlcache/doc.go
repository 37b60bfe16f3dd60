// Package ttlcache provides a thread-safe, size-bounded cache whose entries
// expire after a period without activity.
//
// It backs two pieces of gateway state:
//
//   - rate limiter buckets, evicted once a key has been idle for the
//     configured window so memory stays bounded by active clients;
//   - retired session IDs, remembered long enough that a stale client can
//     never observe a recycled ID.
//
// Entries are kept in a doubly-linked list ordered by last touch so that
// capacity eviction is O(1). Put makes room by evicting the least recently
// touched entry; GetOrCreate only ever reclaims expired entries and refuses
// the insert when every slot is live. A background goroutine sweeps expired entries;
// call Close to stop it.
package ttlcache
