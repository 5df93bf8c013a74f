// Package decision implements the per-iteration decision state machine:
// given a validation outcome and the task's iteration history, it produces
// exactly one decision. It holds no mutable state and is safe for
// concurrent use.
package decision

import (
	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/retry"
	"github.com/aristath/conductor/internal/task"
)

// Decision is the outcome of one iteration's evaluation. Never stored
// independently; only recorded as the cause of a status transition.
type Decision int

const (
	Proceed  Decision = iota // Accept the result, complete the task
	Retry                    // Re-invoke the worker after backoff
	Clarify                  // Park for human disambiguation
	Escalate                 // Park for human intervention, budget or retries exhausted
	Fail                     // Permanent failure, terminal
)

// String returns the canonical name for a decision.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "PROCEED"
	case Retry:
		return "RETRY"
	case Clarify:
		return "CLARIFY"
	case Escalate:
		return "ESCALATE"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// Default thresholds.
const (
	DefaultQualityThreshold = 0.70
	DefaultConfidenceFloor  = 0.50
)

// KindValidationRejected is the error kind recorded when the validator
// rejects an iteration without an underlying worker or validator failure.
// Such rejections are transient by nature: the next attempt carries the
// validator's issues as feedback.
const KindValidationRejected = "validation_rejected"

// Engine evaluates validation outcomes against the decision rules.
type Engine struct {
	// QualityThreshold is the minimum quality score for acceptance.
	QualityThreshold float64

	// ConfidenceFloor is the evaluator confidence below which a low-quality
	// result triggers clarification instead of a blind retry.
	ConfidenceFloor float64

	// Policy supplies retryability budgeting for invalid outcomes.
	Policy *retry.Policy
}

// NewEngine creates an engine with default thresholds over the given policy.
func NewEngine(policy *retry.Policy) *Engine {
	return &Engine{
		QualityThreshold: DefaultQualityThreshold,
		ConfidenceFloor:  DefaultConfidenceFloor,
		Policy:           policy,
	}
}

// Decide applies the decision rules in order; the first match wins.
// iterationCount is the number of worker invocations taken so far,
// including the one under evaluation.
func (e *Engine) Decide(outcome agent.ValidationOutcome, iterationCount, maxIterations int, errorHistory []task.ErrorRecord) Decision {
	// Rule 1: budget exhausted escalates regardless of validity.
	if iterationCount >= maxIterations {
		return Escalate
	}

	// Rule 2: invalid result. Classify the implied error from the recent
	// history; permanent failures stop immediately, otherwise retry while
	// budget remains.
	if !outcome.IsValid {
		if e.classifyHistory(errorHistory) == retry.Permanent {
			return Fail
		}
		if e.Policy.ShouldRetry(iterationCount, retry.Retryable) {
			return Retry
		}
		return Escalate
	}

	// Rule 3: valid and good enough.
	if outcome.QualityScore >= e.QualityThreshold {
		return Proceed
	}

	// Rule 4: valid but low quality, and the evaluator itself is unsure;
	// ask a human rather than retrying blind.
	if outcome.ConfidenceScore < e.ConfidenceFloor {
		return Clarify
	}

	// Rule 5: retry with the validator's issues as feedback.
	return Retry
}

// classifyHistory derives the classification of the error implied by an
// invalid outcome from the most recent error record. With no recorded
// error, the rejection is treated as transient: the validator said "not
// yet", not "never".
func (e *Engine) classifyHistory(errorHistory []task.ErrorRecord) retry.Classification {
	if len(errorHistory) == 0 {
		return retry.Retryable
	}

	last := errorHistory[len(errorHistory)-1]
	switch last.Kind {
	case agent.KindTimeout, agent.KindIO, agent.KindRateLimit, KindValidationRejected:
		return retry.Retryable
	case agent.KindMalformed, agent.KindPolicy:
		return retry.Permanent
	default:
		return retry.Permanent
	}
}
