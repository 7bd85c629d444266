package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
)

type flakyClient struct {
	failures int
	calls    int
}

func (c *flakyClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, errors.New("provider unavailable")
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: "ok"}}, nil
}

func TestCircuitBreakerRequiresName(t *testing.T) {
	t.Parallel()

	_, err := NewCircuitBreaker(CircuitBreakerOptions{})
	require.Error(t, err)
}

func TestCircuitBreakerPassesThroughWhenClosed(t *testing.T) {
	t.Parallel()

	b, err := NewCircuitBreaker(CircuitBreakerOptions{Name: "openai"})
	require.NoError(t, err)

	client := b.Middleware()(&flakyClient{})
	resp, err := client.Complete(context.Background(), &model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, err := NewCircuitBreaker(CircuitBreakerOptions{Name: "openai", MaxFailures: 3})
	require.NoError(t, err)

	downstream := &flakyClient{failures: 100}
	client := b.Middleware()(downstream)

	for i := 0; i < 3; i++ {
		_, err := client.Complete(context.Background(), &model.Request{})
		require.Error(t, err)
		assert.EqualError(t, err, "provider unavailable")
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	// Once open, calls fail fast without reaching the provider.
	before := downstream.calls
	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Contains(t, err.Error(), "model:openai circuit open")
	assert.Equal(t, before, downstream.calls)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, err := NewCircuitBreaker(CircuitBreakerOptions{Name: "anthropic", MaxFailures: 3})
	require.NoError(t, err)

	// Two failures, then a success, then two more failures: the breaker
	// counts consecutive failures so it stays closed.
	client := b.Middleware()(&flakyClient{failures: 2})
	for i := 0; i < 3; i++ {
		client.Complete(context.Background(), &model.Request{}) //nolint:errcheck
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)

	client = b.Middleware()(&flakyClient{failures: 100})
	for i := 0; i < 2; i++ {
		client.Complete(context.Background(), &model.Request{}) //nolint:errcheck
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, uint32(2), b.Counts().ConsecutiveFailures)
}

func TestCircuitBreakerMiddlewareNilClient(t *testing.T) {
	t.Parallel()

	b, err := NewCircuitBreaker(CircuitBreakerOptions{Name: "bedrock"})
	require.NoError(t, err)
	assert.Nil(t, b.Middleware()(nil))
}
