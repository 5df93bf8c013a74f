package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandWorker drives an external CLI tool, one subprocess per invocation.
// The task context is written to stdin as JSON; the tool replies with a
// JSON document on stdout.
type CommandWorker struct {
	cfg     Config
	procMgr *ProcessManager
}

// commandRequest is the JSON document written to the tool's stdin.
type commandRequest struct {
	TaskID      string   `json:"task_id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Feedback    []string `json:"feedback,omitempty"`
	Iteration   int      `json:"iteration"`
}

// workerResponse is the JSON document expected on the tool's stdout.
type workerResponse struct {
	Output            string `json:"output"`
	SideEffectSummary string `json:"side_effect_summary,omitempty"`
}

// NewCommandWorker creates a subprocess-backed worker. The ProcessManager
// is optional; if nil, subprocesses are not tracked.
func NewCommandWorker(cfg Config, pm *ProcessManager) *CommandWorker {
	return &CommandWorker{cfg: cfg, procMgr: pm}
}

// Invoke runs the configured command once for the task.
func (w *CommandWorker) Invoke(ctx context.Context, tc TaskContext) (WorkerResult, error) {
	stdin, err := json.Marshal(requestFor(tc))
	if err != nil {
		return WorkerResult{}, &WorkerError{Kind: KindMalformed, Err: err}
	}

	cmd := newCommand(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.WorkDir

	stdout, _, err := runCommand(cmd, w.procMgr, stdin)
	if err != nil {
		return WorkerResult{}, &WorkerError{Kind: execErrorKind(ctx, err), Err: err}
	}

	var resp workerResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return WorkerResult{}, &WorkerError{Kind: KindMalformed, Err: fmt.Errorf("failed to parse worker output: %w", err)}
	}

	return WorkerResult{Output: resp.Output, SideEffectSummary: resp.SideEffectSummary}, nil
}

// Close is a no-op for the subprocess-per-invocation model.
func (w *CommandWorker) Close() error { return nil }

// CommandValidator drives an external evaluator CLI. It receives the task
// context plus the worker result and must reply with a validation outcome
// as JSON.
type CommandValidator struct {
	cfg     Config
	procMgr *ProcessManager
}

// validatorRequest extends the worker request with the result under review.
type validatorRequest struct {
	commandRequest
	Output            string `json:"output"`
	SideEffectSummary string `json:"side_effect_summary,omitempty"`
}

// validatorResponse is the JSON verdict expected on stdout.
type validatorResponse struct {
	IsValid         bool     `json:"is_valid"`
	QualityScore    float64  `json:"quality_score"`
	ConfidenceScore float64  `json:"confidence_score"`
	Issues          []string `json:"issues,omitempty"`
}

// NewCommandValidator creates a subprocess-backed validator.
func NewCommandValidator(cfg Config, pm *ProcessManager) *CommandValidator {
	return &CommandValidator{cfg: cfg, procMgr: pm}
}

// Evaluate runs the configured evaluator once.
func (v *CommandValidator) Evaluate(ctx context.Context, tc TaskContext, result WorkerResult) (ValidationOutcome, error) {
	stdin, err := json.Marshal(validatorRequest{
		commandRequest:    requestFor(tc),
		Output:            result.Output,
		SideEffectSummary: result.SideEffectSummary,
	})
	if err != nil {
		return ValidationOutcome{}, &ValidatorError{Kind: KindMalformed, Err: err}
	}

	cmd := newCommand(ctx, v.cfg.Command, v.cfg.Args...)
	cmd.Dir = v.cfg.WorkDir

	stdout, _, err := runCommand(cmd, v.procMgr, stdin)
	if err != nil {
		return ValidationOutcome{}, &ValidatorError{Kind: execErrorKind(ctx, err), Err: err}
	}

	var resp validatorResponse
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return ValidationOutcome{}, &ValidatorError{Kind: KindMalformed, Err: fmt.Errorf("failed to parse validator output: %w", err)}
	}

	if resp.QualityScore < 0 || resp.QualityScore > 1 || resp.ConfidenceScore < 0 || resp.ConfidenceScore > 1 {
		return ValidationOutcome{}, &ValidatorError{
			Kind: KindMalformed,
			Err:  fmt.Errorf("validator scores out of range: quality=%v confidence=%v", resp.QualityScore, resp.ConfidenceScore),
		}
	}

	return ValidationOutcome{
		IsValid:         resp.IsValid,
		QualityScore:    resp.QualityScore,
		ConfidenceScore: resp.ConfidenceScore,
		Issues:          resp.Issues,
	}, nil
}

// Close is a no-op for the subprocess-per-invocation model.
func (v *CommandValidator) Close() error { return nil }

func requestFor(tc TaskContext) commandRequest {
	return commandRequest{
		TaskID:      tc.TaskID,
		ProjectID:   tc.ProjectID,
		Title:       tc.Title,
		Description: tc.Description,
		Feedback:    tc.Feedback,
		Iteration:   tc.Iteration,
	}
}

// execErrorKind classifies a subprocess failure: context expiry is a
// timeout, everything else an I/O-level failure.
func execErrorKind(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindIO
}
