package store

import (
	"hash/fnv"
	"sync"
	"time"
)

// localShardCount is the number of stripes the local cache splits its keys
// across. Counters are integers and the write rate per key is modest, so a
// small, fixed stripe count is plenty (spec's "shard-striped map or a single
// lock is both acceptable" guidance).
const localShardCount = 32

type localEntry struct {
	value     string
	expiresAt time.Time
	hasTTL    bool
}

func (e localEntry) expired(now time.Time) bool {
	return e.hasTTL && now.After(e.expiresAt)
}

type localShard struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

// LocalCache is the process-local tier of the Counter Store. It is the only
// truly shared in-process mutable state the core carries, and it permits
// concurrent readers and writers via a striped lock.
type LocalCache struct {
	shards [localShardCount]*localShard
}

// NewLocalCache constructs an empty, ready-to-use LocalCache.
func NewLocalCache() *LocalCache {
	c := &LocalCache{}
	for i := range c.shards {
		c.shards[i] = &localShard{entries: make(map[string]localEntry)}
	}
	return c
}

func (c *LocalCache) shardFor(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%localShardCount]
}

// Get returns the cached value for key and whether it is present and live.
func (c *LocalCache) Get(key string) (string, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.value, true
}

// Set stores value for key with the given ttl. A zero ttl means no
// expiration is tracked locally (the remote tier remains authoritative for
// TTL in that case).
func (c *LocalCache) Set(key, value string, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := localEntry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
}

// Incr adds delta to the integer stored at key, treating a missing or
// expired entry as zero, and returns the resulting value. The entry's TTL is
// refreshed to ttl when it did not previously exist or had already expired;
// an existing live entry keeps its current expiry.
func (c *LocalCache) Incr(key string, delta int64, ttl time.Duration) int64 {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	now := time.Now()
	if !ok || e.expired(now) {
		e = localEntry{value: formatInt(delta)}
		if ttl > 0 {
			e.hasTTL = true
			e.expiresAt = now.Add(ttl)
		}
		s.entries[key] = e
		return delta
	}

	current := parseInt(e.value)
	current += delta
	e.value = formatInt(current)
	s.entries[key] = e
	return current
}

// Delete removes key from the local tier.
func (c *LocalCache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}
