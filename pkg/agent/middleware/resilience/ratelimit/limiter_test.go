package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/mocks"
	"appforge/pkg/agent/llm"
	"appforge/pkg/config"
)

func TestAcquireConsumesAndRefills(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewTokenBucketLimiter("test", config.RateLimitConfig{TokensPerMinute: 600, MaxConcurrency: 2})
	l.now = func() time.Time { return now }
	l.lastRefill = now

	release, err := l.Acquire(context.Background(), 500)
	require.NoError(t, err)
	release()
	release() // idempotent

	stats := l.Stats()
	assert.Equal(t, 40, stats.AvailableTokens)
	assert.Equal(t, 0, stats.ActiveRequests)

	now = now.Add(10 * time.Second) // +100 tokens
	assert.Equal(t, 140, l.Stats().AvailableTokens)
}

func TestAcquireWaitsForSlot(t *testing.T) {
	l := NewTokenBucketLimiter("test", config.RateLimitConfig{TokensPerMinute: 100000, MaxConcurrency: 1})
	l.pollInterval = time.Millisecond

	release, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, l.Stats().ConcurrencyHits)

	release()
	release2, err := l.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release2()
}

func TestMiddlewareReleasesAfterStream(t *testing.T) {
	l := NewTokenBucketLimiter("test", config.RateLimitConfig{TokensPerMinute: 1000000, MaxConcurrency: 1})
	base := &mocks.MockLLMClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 2)
			ch <- llm.StreamChunk{Content: "x"}
			ch <- llm.StreamChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}
	client := llm.Chain(base, Middleware(l, nil))

	ch, err := client.Stream(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, 1, l.Stats().ActiveRequests)
	for range ch {
	}
	assert.Eventually(t, func() bool { return l.Stats().ActiveRequests == 0 }, time.Second, time.Millisecond)
}
