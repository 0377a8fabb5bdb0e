package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	"github.com/jassus213/llm-ratelimit-core/identity"
)

func quotaTokens(dim identity.Dimension, window identity.WindowSize, n int64) identity.QuotaMap {
	return identity.QuotaMap{
		dim: {window: {TokensLimit: limitOf(n)}},
	}
}

func TestOnSuccess_ChargesTotalTokensByDefault(t *testing.T) {
	cs := newTestStore(t)
	c := ratelimit.NewController(cs)
	ctx := context.Background()

	id := identity.Identity{APIKey: "k1", Quota: quotaTokens(identity.DimensionAPIKey, identity.WindowMinute, 1000)}

	c.OnSuccess(ctx, id, "", ratelimit.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})

	require.Eventually(t, func() bool {
		v, ok := cs.Get(ctx, "{api_key:k1}:tokens")
		return ok && v == "30"
	}, time.Second, 10*time.Millisecond)
}

func TestOnSuccess_ChargesOutputTokensWhenConfigured(t *testing.T) {
	cs := newTestStore(t)
	c := ratelimit.NewController(cs, ratelimit.WithTokenRateLimitKind(ratelimit.TokenKindOutput))
	ctx := context.Background()

	id := identity.Identity{APIKey: "k1", Quota: quotaTokens(identity.DimensionAPIKey, identity.WindowMinute, 1000)}

	c.OnSuccess(ctx, id, "", ratelimit.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})

	require.Eventually(t, func() bool {
		v, ok := cs.Get(ctx, "{api_key:k1}:tokens")
		return ok && v == "20"
	}, time.Second, 10*time.Millisecond)
}

func TestOnFailure_DoesNotTouchTokenCounter(t *testing.T) {
	cs := newTestStore(t)
	c := ratelimit.NewController(cs)
	ctx := context.Background()

	id := identity.Identity{APIKey: "k1", Quota: quotaTokens(identity.DimensionAPIKey, identity.WindowMinute, 1000)}

	c.OnFailure(ctx, id, "", assert.AnError)

	time.Sleep(30 * time.Millisecond)
	_, ok := cs.Get(ctx, "{api_key:k1}:tokens")
	assert.False(t, ok, "a failed call must not charge any tokens")
}

func TestOnFailure_ReleasesHeldParallelSlot(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(7_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))
	ctx := context.Background()

	id := identity.Identity{
		APIKey: "k1",
		Quota: identity.QuotaMap{
			identity.DimensionAPIKey: {identity.WindowMinute: {ParallelLimit: limitOf(1)}},
		},
	}

	a, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, ratelimit.Admit, a.Verdict)

	c.OnFailure(ctx, id, "", assert.AnError)

	require.Eventually(t, func() bool {
		d, err := c.Decide(ctx, id, "")
		return err == nil && d.Verdict == ratelimit.Admit
	}, time.Second, 10*time.Millisecond)
}
