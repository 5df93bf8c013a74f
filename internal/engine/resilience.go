package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/retry"
)

// Transport-level retry settings for a single external call. This is a
// thin shield against momentary hiccups; iteration-level retries remain
// the decision engine's responsibility.
type transportRetry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	Randomization   float64
}

func defaultTransportRetry() transportRetry {
	return transportRetry{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		Randomization:   0.5,
	}
}

// BreakerRegistry manages per-collaborator circuit breakers, so a
// persistently failing worker or validator stops being hammered.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for the named collaborator, creating it on
// first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // Test requests allowed in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Don't count cancellation as collaborator failure
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[name] = cb
	return cb
}

// callThroughBreaker executes fn behind the named circuit breaker with a
// short transport-level backoff. Permanent-classified errors, open
// breakers, and context cancellation are not retried here.
func (e *Engine) callThroughBreaker(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	cb := e.breakers.Get(name)
	cfg := defaultTransportRetry()

	var result any
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		res, err := cb.Execute(fn)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			if e.policy.Classify(err) == retry.Permanent {
				return backoff.Permanent(err)
			}
			return err
		}

		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.Randomization

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// invokeWorker runs one worker invocation under the per-call timeout.
func (e *Engine) invokeWorker(ctx context.Context, tc agent.TaskContext) (agent.WorkerResult, error) {
	callCtx := ctx
	if e.opts.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.WorkerTimeout)
		defer cancel()
	}

	res, err := e.callThroughBreaker(callCtx, "worker", func() (any, error) {
		return e.worker.Invoke(callCtx, tc)
	})
	if err != nil {
		return agent.WorkerResult{}, err
	}
	return res.(agent.WorkerResult), nil
}

// evaluate runs one validator invocation under the per-call timeout.
func (e *Engine) evaluate(ctx context.Context, tc agent.TaskContext, result agent.WorkerResult) (agent.ValidationOutcome, error) {
	callCtx := ctx
	if e.opts.ValidatorTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.ValidatorTimeout)
		defer cancel()
	}

	res, err := e.callThroughBreaker(callCtx, "validator", func() (any, error) {
		return e.validator.Evaluate(callCtx, tc, result)
	})
	if err != nil {
		return agent.ValidationOutcome{}, err
	}
	return res.(agent.ValidationOutcome), nil
}
