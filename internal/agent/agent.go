// Package agent defines the capability interfaces the core consumes, a
// code-generating worker and a quality evaluator, together with subprocess
// adapters for driving external CLI tools. The core treats both as opaque
// collaborators: it forwards the task payload and reads back structured
// results, never interpreting how they were produced.
package agent

import (
	"context"
	"fmt"
)

// Worker is an external code-generating collaborator.
type Worker interface {
	// Invoke runs one unit of work for the task. The context carries the
	// per-call timeout; expiry surfaces as a timeout-kind WorkerError.
	Invoke(ctx context.Context, tc TaskContext) (WorkerResult, error)

	// Close releases any resources held by the worker.
	Close() error
}

// Validator is an external response-quality evaluator.
type Validator interface {
	// Evaluate judges a worker result for the task.
	Evaluate(ctx context.Context, tc TaskContext, result WorkerResult) (ValidationOutcome, error)

	// Close releases any resources held by the validator.
	Close() error
}

// NewWorker creates a worker from configuration.
func NewWorker(cfg Config, pm *ProcessManager) (Worker, error) {
	switch cfg.Type {
	case "command":
		return NewCommandWorker(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown worker type: %s", cfg.Type)
	}
}

// NewValidator creates a validator from configuration.
func NewValidator(cfg Config, pm *ProcessManager) (Validator, error) {
	switch cfg.Type {
	case "command":
		return NewCommandValidator(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown validator type: %s", cfg.Type)
	}
}
