package backend

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration: transient
// transport failures get a couple of minutes of exponential backoff before
// the Agent Invoker gives up and surfaces the error to the executor's own
// maxAttempts ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// circuitBreakerRegistry manages one circuit breaker per backend type
// (claude, codex, goose), so a failing provider doesn't also throttle the
// others.
type circuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newCircuitBreakerRegistry() *circuitBreakerRegistry {
	return &circuitBreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *circuitBreakerRegistry) Get(backendType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[backendType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        backendType,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("backend %q circuit breaker: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[backendType] = cb
	return cb
}

var defaultRegistry = newCircuitBreakerRegistry()

// Resilient wraps a Backend with a per-backend-type circuit breaker and
// exponential-backoff retry. It never masks a genuine escalation decision:
// context cancellation and an open circuit both return immediately instead
// of retrying.
type Resilient struct {
	backendType string
	inner       Backend
	cb          *gobreaker.CircuitBreaker
	retry       RetryConfig
}

// NewResilient wraps b with the registry's circuit breaker for backendType
// and the default retry policy.
func NewResilient(backendType string, b Backend) *Resilient {
	return &Resilient{
		backendType: backendType,
		inner:       b,
		cb:          defaultRegistry.Get(backendType),
		retry:       DefaultRetryConfig(),
	}
}

func (r *Resilient) Send(ctx context.Context, msg Message) (Response, error) {
	return sendWithRetry(ctx, r.inner, msg, r.cb, r.retry)
}

func (r *Resilient) Close() error      { return r.inner.Close() }
func (r *Resilient) SessionID() string { return r.inner.SessionID() }

// sendWithRetry sends msg through cb with exponential backoff retry,
// stopping immediately on context cancellation or an open circuit.
func sendWithRetry(ctx context.Context, b Backend, msg Message, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (Response, error) {
	var resp Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return b.Send(ctx, msg)
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(Response)
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(backoffPolicy, ctx))
	return resp, err
}
