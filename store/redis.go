package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// batchWindowScript implements the Window Engine's batch "increment-or-reset"
// algorithm across N (window_key, counter_key) pairs sharing one window
// size, in a single atomic server-side execution. Each pair's keys must
// share a hash tag so the whole batch lands on one shard.
//
// KEYS are interleaved window_key_1, counter_key_1, window_key_2, counter_key_2, ...
// ARGV: [1]=now (unix seconds), [2]=window_size (seconds), [3]=increment.
// Returns a flat array of window_start, counter pairs, in input order.
const batchWindowScript = `
local now = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])
local increment = tonumber(ARGV[3])
local results = {}

for i = 1, #KEYS, 2 do
	local window_key = KEYS[i]
	local counter_key = KEYS[i + 1]
	local ws = redis.call("GET", window_key)

	local window_start
	local counter

	if ws == false or (now - tonumber(ws)) >= window_size then
		window_start = now
		counter = increment
		redis.call("SET", window_key, now)
		redis.call("SET", counter_key, increment)
	else
		window_start = tonumber(ws)
		counter = redis.call("INCRBY", counter_key, increment)
	end

	redis.call("EXPIRE", window_key, window_size)
	redis.call("EXPIRE", counter_key, window_size)

	table.insert(results, window_start)
	table.insert(results, counter)
end

return results
`

// WindowKeyPair is one (window_key, counter_key) hash-tagged pair to be
// evaluated together by ApplyWindowBatch.
type WindowKeyPair struct {
	WindowKey  string
	CounterKey string
}

// WindowResult is the (window_start, counter) tuple the batch script
// returns for one pair.
type WindowResult struct {
	WindowStart int64
	Counter     int64
}

// RedisTier is the remote, shared half of the Counter Store. Its atomic
// batch script is the only place cross-instance correctness is enforced;
// everything above it (the local cache, the admission controller) is
// best-effort between script invocations.
type RedisTier struct {
	client      *redis.Client
	batchScript *redis.Script
}

// NewRedisTier wraps an already-configured *redis.Client. The batch script
// is precompiled once and invoked by SHA via EVALSHA on every call.
func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{
		client:      client,
		batchScript: redis.NewScript(batchWindowScript),
	}
}

// Get reads a single key. A missing key is reported via the second return
// value, not an error.
func (t *RedisTier) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := t.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes key unconditionally with the given ttl (zero means no expiry).
func (t *RedisTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return t.client.Set(ctx, key, value, ttl).Err()
}

// Incr adds delta to the integer at key, creating it at delta if absent. It
// does not itself apply a ttl; callers that need one call Expire
// separately, matching the window engine's own explicit EXPIRE calls.
func (t *RedisTier) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return t.client.IncrBy(ctx, key, delta).Result()
}

// Expire applies ttl to an existing key.
func (t *RedisTier) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return t.client.Expire(ctx, key, ttl).Err()
}

// ApplyWindowBatch runs the batch increment-or-reset script across pairs,
// all of which must share window size. It returns one (window_start,
// counter) result per pair, in input order.
func (t *RedisTier) ApplyWindowBatch(ctx context.Context, now, windowSize, increment int64, pairs []WindowKeyPair) ([]WindowResult, error) {
	keys := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		keys = append(keys, p.WindowKey, p.CounterKey)
	}

	raw, err := t.batchScript.Run(ctx, t.client, keys, now, windowSize, increment).Result()
	if err != nil {
		return nil, err
	}

	flat, ok := raw.([]interface{})
	if !ok || len(flat) != len(pairs)*2 {
		return nil, ErrScriptResultShape
	}

	out := make([]WindowResult, len(pairs))
	for i := range pairs {
		out[i] = WindowResult{
			WindowStart: toInt64(flat[i*2]),
			Counter:     toInt64(flat[i*2+1]),
		}
	}
	return out, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		return parseInt(n)
	default:
		return 0
	}
}
