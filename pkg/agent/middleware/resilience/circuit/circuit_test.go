package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
)

func TestBreakerTransitions(t *testing.T) {
	now := time.Unix(0, 0)
	b := newWithClock(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, func() time.Time { return now })

	assert.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, Closed, b.GetState())
	b.Record(false)
	assert.Equal(t, Open, b.GetState())
	assert.False(t, b.Allow())

	now = now.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.GetState())

	b.Record(false)
	assert.Equal(t, Open, b.GetState())

	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, Closed, b.GetState())

	b.Record(false)
	b.Record(false)
	b.Reset()
	assert.Equal(t, Closed, b.GetState())
}

type failing struct{ err error }

func (f failing) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{}, f.err
}

func (f failing) Stream(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, f.err
}

func (f failing) GetModelName() string { return "failing" }

func TestMiddlewareOpensOnProviderFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Timeout: time.Hour})
	client := llm.Chain(failing{err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "503")}, Middleware(b))

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), llm.CompletionRequest{})
		require.Error(t, err)
	}
	_, err := client.Stream(context.Background(), llm.CompletionRequest{})
	var cbErr *Error
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, Open, cbErr.State)
	assert.Equal(t, "circuit breaker is OPEN", err.Error())
}

func TestMiddlewareIgnoresCallerErrors(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Timeout: time.Hour})
	client := llm.Chain(failing{err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "401")}, Middleware(b))
	for i := 0; i < 3; i++ {
		_, _ = client.Complete(context.Background(), llm.CompletionRequest{})
	}
	assert.Equal(t, Closed, b.GetState())
}
