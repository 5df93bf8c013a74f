package agent

import (
	"errors"
	"fmt"
)

// Error kinds, used by the retry policy to classify failures.
const (
	KindTimeout   = "timeout"
	KindIO        = "io"
	KindRateLimit = "rate_limit"
	KindMalformed = "malformed"
	KindPolicy    = "policy_violation"
)

// WorkerError is a failure from a worker invocation.
type WorkerError struct {
	Kind string
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error (%s): %v", e.Kind, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is transient. Timeouts, I/O hiccups
// and rate limits are worth retrying; malformed input and policy violations
// are not.
func (e *WorkerError) Temporary() bool { return kindTemporary(e.Kind) }

// ValidatorError is a failure from a validator invocation.
type ValidatorError struct {
	Kind string
	Err  error
}

func (e *ValidatorError) Error() string {
	return fmt.Sprintf("validator error (%s): %v", e.Kind, e.Err)
}

func (e *ValidatorError) Unwrap() error { return e.Err }

// Temporary reports whether the failure is transient.
func (e *ValidatorError) Temporary() bool { return kindTemporary(e.Kind) }

func kindTemporary(kind string) bool {
	switch kind {
	case KindTimeout, KindIO, KindRateLimit:
		return true
	default:
		return false
	}
}

// ErrorKind extracts the classification kind from a worker or validator
// error, or "unknown" for anything else.
func ErrorKind(err error) string {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	var ve *ValidatorError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return "unknown"
}
