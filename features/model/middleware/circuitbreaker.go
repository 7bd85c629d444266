package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ratchet-dev/ratchet/runtime/agent/model"
	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

type (
	// CircuitBreakerOptions configures NewCircuitBreaker.
	CircuitBreakerOptions struct {
		// Name identifies the breaker in logs. Required.
		Name string
		// MaxFailures is the number of consecutive failures before the
		// circuit opens. Zero means 5.
		MaxFailures uint32
		// Timeout is how long the circuit stays open before transitioning
		// to half-open. Zero means 30s.
		Timeout time.Duration
		// Interval is the cyclic period of the closed state for clearing
		// failure counts. Zero means 60s.
		Interval time.Duration
		// Logger receives state change notices. Nil means no-op.
		Logger telemetry.Logger
	}

	// CircuitBreaker wraps a model.Client with circuit breaker protection.
	// When the wrapped client fails repeatedly, the circuit opens and
	// subsequent calls fail fast without reaching the provider, preventing
	// retry storms during outages.
	CircuitBreaker struct {
		breaker *gobreaker.CircuitBreaker[*model.Response]
	}

	breakerClient struct {
		next    model.Client
		breaker *gobreaker.CircuitBreaker[*model.Response]
		name    string
	}
)

// NewCircuitBreaker validates opts and constructs a CircuitBreaker.
func NewCircuitBreaker(opts CircuitBreakerOptions) (*CircuitBreaker, error) {
	if opts.Name == "" {
		return nil, errors.New("middleware: CircuitBreakerOptions.Name is required")
	}
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := opts.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	cb := gobreaker.NewCircuitBreaker[*model.Response](gobreaker.Settings{
		Name:        "model:" + opts.Name,
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &CircuitBreaker{breaker: cb}, nil
}

// Middleware returns a model.Client middleware routing Complete calls
// through the breaker.
func (b *CircuitBreaker) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &breakerClient{next: next, breaker: b.breaker, name: b.breaker.Name()}
	}
}

// State returns the current breaker state for monitoring.
func (b *CircuitBreaker) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current failure and success counts.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

// Complete routes the call through the breaker. When the circuit is open the
// call fails fast without reaching the provider.
func (c *breakerClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := c.breaker.Execute(func() (*model.Response, error) {
		return c.next.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s circuit open: %w", c.name, err)
		}
		return nil, err
	}
	return resp, nil
}
