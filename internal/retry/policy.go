// Package retry is the pure retry-policy engine: error classification,
// exponential backoff with jitter, and attempt budgeting. It performs no
// I/O and holds no shared mutable state, so it is safe to invoke from any
// number of concurrent contexts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// Classification is the retryability verdict for an error.
type Classification int

const (
	// Permanent errors must not be retried: the same input will fail the
	// same way. Unrecognized errors classify as Permanent.
	Permanent Classification = iota

	// Retryable errors are transient; a later attempt may succeed.
	Retryable
)

// String returns the canonical name for a classification.
func (c Classification) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "permanent"
}

// Classifier inspects an error and reports a classification, or false when
// it doesn't recognize the error.
type Classifier func(err error) (Classification, bool)

// Policy computes backoff delays and classifies errors. All methods are
// pure and deterministic given their inputs, except the jitter draw which
// uses the injectable Rand source.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int

	// Classifiers are consulted in order; the first match wins.
	Classifiers []Classifier

	// Rand supplies the jitter draw. Injectable for deterministic tests.
	Rand *rand.Rand
}

// NewPolicy returns a policy with the default configuration: 1s base delay
// doubling up to 60s, 3 attempts, and the default classifier chain.
func NewPolicy() *Policy {
	return &Policy{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
		Classifiers: DefaultClassifiers(),
		Rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DefaultClassifiers recognizes timeouts and transient I/O failures as
// Retryable. Anything unrecognized falls through to Permanent.
func DefaultClassifiers() []Classifier {
	return []Classifier{
		func(err error) (Classification, bool) {
			if errors.Is(err, context.DeadlineExceeded) {
				return Retryable, true
			}
			return Permanent, false
		},
		func(err error) (Classification, bool) {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Retryable, true
			}
			return Permanent, false
		},
		func(err error) (Classification, bool) {
			// Worker/validator errors carry their own transience verdict.
			var tmp interface{ Temporary() bool }
			if errors.As(err, &tmp) {
				if tmp.Temporary() {
					return Retryable, true
				}
				return Permanent, true
			}
			return Permanent, false
		},
	}
}

// Classify runs the classifier chain over the error. Unrecognized errors
// are Permanent: retrying something we don't understand is how retry
// storms start.
func (p *Policy) Classify(err error) Classification {
	if err == nil {
		return Permanent
	}
	for _, classify := range p.Classifiers {
		if c, ok := classify(err); ok {
			return c
		}
	}
	return Permanent
}

// NextDelay computes the backoff before re-attempting after the given
// 0-based attempt: min(MaxDelay, BaseDelay * Multiplier^attempt), scaled by
// a jitter factor drawn uniformly from [0.5, 1.5] to avoid synchronized
// retry storms across tasks. The result never exceeds MaxDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	jitter := 0.5 + p.Rand.Float64() // Uniform in [0.5, 1.5)
	delay *= jitter

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// ExpectedDelay is NextDelay without the jitter draw, for callers that
// need the deterministic expectation.
func (p *Policy) ExpectedDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed: false once the
// attempt budget is exhausted or the classification is Permanent,
// regardless of remaining budget.
func (p *Policy) ShouldRetry(attempt int, c Classification) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return c == Retryable
}
