package engine

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/decision"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/retry"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
)

// driveTask runs a claimed task's iteration loop to a terminal or parked
// state. The task must already be RUNNING. Store-level errors propagate;
// worker/validator failures are converted into decisions and never escape.
func (e *Engine) driveTask(ctx context.Context, taskID string) error {
	loopCtx, cleanup, ctrl := e.register(ctx, taskID)
	defer cleanup()

	// Parking and terminal transitions must persist even after the loop
	// context is interrupted.
	storeCtx := context.WithoutCancel(ctx)

	t, err := e.store.Get(storeCtx, taskID)
	if err != nil {
		return err
	}

	feedback, err := e.collectFeedback(storeCtx, taskID)
	if err != nil {
		return err
	}

	for {
		if loopCtx.Err() != nil {
			return e.park(storeCtx, taskID, ctrl, nil)
		}

		var iter int
		err := e.store.WithinTransaction(storeCtx, func(tx *store.Tx) error {
			n, err := tx.IncrementIteration(taskID)
			iter = n
			return err
		})
		if err != nil {
			return err
		}

		e.bus.Publish(events.TopicTask, events.IterationStartedEvent{
			ID:        taskID,
			Iteration: iter,
			Timestamp: time.Now(),
		})

		// Snapshot before the risky stretch, so a store failure partway
		// through the iteration can be rolled back.
		cp, err := e.store.Checkpoint(storeCtx, taskID)
		if err != nil {
			return err
		}

		tc := agent.TaskContext{
			TaskID:      t.ID,
			ProjectID:   t.ProjectID,
			Title:       t.Title,
			Description: t.Description,
			Feedback:    feedback,
			Iteration:   iter,
		}

		result, werr := e.invokeWorker(loopCtx, tc)
		if werr != nil {
			done, err := e.handleCallFailure(storeCtx, loopCtx, taskID, ctrl, iter, t.MaxIterations, werr, task.StatusRunning)
			e.discard(storeCtx, cp)
			if done || err != nil {
				return err
			}
			continue
		}

		if _, err := e.transition(storeCtx, taskID, task.StatusAwaitingValidation, "worker output ready", "", ""); err != nil {
			if rbErr := e.store.Rollback(storeCtx, cp); rbErr != nil {
				log.Printf("ERROR: rollback failed for task %q: %v", taskID, rbErr)
			}
			return err
		}

		outcome, verr := e.evaluate(loopCtx, tc, result)
		if verr != nil {
			done, err := e.handleCallFailure(storeCtx, loopCtx, taskID, ctrl, iter, t.MaxIterations, verr, task.StatusAwaitingValidation)
			e.discard(storeCtx, cp)
			if done || err != nil {
				return err
			}
			continue
		}

		cur, err := e.store.Get(storeCtx, taskID)
		if err != nil {
			return err
		}

		d := e.decider.Decide(outcome, iter, cur.MaxIterations, cur.ErrorHistory)
		e.bus.Publish(events.TopicTask, events.DecisionMadeEvent{
			ID:        taskID,
			Decision:  d.String(),
			Iteration: iter,
			Issues:    outcome.Issues,
			Timestamp: time.Now(),
		})

		switch d {
		case decision.Proceed:
			_, err := e.transition(storeCtx, taskID, task.StatusCompleted, "decision:proceed", "", "")
			e.discard(storeCtx, cp)
			return err

		case decision.Fail:
			_, err := e.transition(storeCtx, taskID, task.StatusFailed, "decision:fail", "", joinIssues(outcome.Issues))
			e.discard(storeCtx, cp)
			return err

		case decision.Clarify:
			_, err := e.transition(storeCtx, taskID, task.StatusBlockedOnHuman, ReasonClarify, "", joinIssues(outcome.Issues))
			e.discard(storeCtx, cp)
			if err != nil {
				return err
			}
			e.publishBlocked(taskID, ReasonClarify, outcome.Issues)
			return nil

		case decision.Escalate:
			_, err := e.transition(storeCtx, taskID, task.StatusBlockedOnHuman, ReasonEscalate, "", joinIssues(outcome.Issues))
			e.discard(storeCtx, cp)
			if err != nil {
				return err
			}
			e.publishBlocked(taskID, ReasonEscalate, outcome.Issues)
			return nil

		case decision.Retry:
			// Record the rejection and return to RUNNING atomically, so the
			// issue list and the status change commit together.
			err := e.store.WithinTransaction(storeCtx, func(tx *store.Tx) error {
				if err := tx.AppendError(taskID, decision.KindValidationRejected, joinIssues(outcome.Issues)); err != nil {
					return err
				}
				_, err := tx.Transition(taskID, task.StatusRunning, store.Cause{
					ID:      uuid.NewString(),
					Reason:  "decision:retry",
					Message: joinIssues(outcome.Issues),
				})
				return err
			})
			e.discard(storeCtx, cp)
			if err != nil {
				return err
			}

			feedback = append(feedback, outcome.Issues...)

			if err := e.backoffWait(loopCtx, iter); err != nil {
				return e.park(storeCtx, taskID, ctrl, nil)
			}
		}
	}
}

// handleCallFailure converts a worker/validator failure into a decision:
// budget exhaustion escalates, permanent errors fail the task, retryable
// errors with remaining budget wait out the backoff and resume the loop.
// done reports whether the task reached a terminal or parked state.
func (e *Engine) handleCallFailure(storeCtx, loopCtx context.Context, taskID string, ctrl *taskControl, iter, maxIter int, callErr error, from task.Status) (done bool, err error) {
	kind := agent.ErrorKind(callErr)
	if recErr := e.store.AppendError(storeCtx, taskID, kind, callErr.Error()); recErr != nil {
		return true, recErr
	}

	// The loop context going away means pause/stop, not a collaborator
	// failure; park instead of deciding.
	if loopCtx.Err() != nil {
		return true, e.park(storeCtx, taskID, ctrl, callErr)
	}

	if iter >= maxIter {
		if _, terr := e.transition(storeCtx, taskID, task.StatusBlockedOnHuman, ReasonEscalate, kind, callErr.Error()); terr != nil {
			return true, terr
		}
		e.publishBlocked(taskID, ReasonEscalate, []string{callErr.Error()})
		return true, nil
	}

	class := e.policy.Classify(callErr)
	if e.policy.ShouldRetry(iter, class) {
		// A validator-side failure leaves the task in AWAITING_VALIDATION;
		// bring it back to RUNNING before re-invoking the worker.
		if from == task.StatusAwaitingValidation {
			if _, terr := e.transition(storeCtx, taskID, task.StatusRunning, "retrying after "+kind, kind, ""); terr != nil {
				return true, terr
			}
		}

		if werr := e.backoffWait(loopCtx, iter); werr != nil {
			return true, e.park(storeCtx, taskID, ctrl, nil)
		}
		return false, nil
	}

	if class == retry.Permanent {
		if _, terr := e.transition(storeCtx, taskID, task.StatusFailed, "permanent "+kind+" error", kind, callErr.Error()); terr != nil {
			return true, terr
		}
		return true, nil
	}

	// Retryable but out of budget.
	if _, terr := e.transition(storeCtx, taskID, task.StatusBlockedOnHuman, ReasonEscalate, kind, callErr.Error()); terr != nil {
		return true, terr
	}
	e.publishBlocked(taskID, ReasonEscalate, []string{callErr.Error()})
	return true, nil
}

// park moves an interrupted task to BLOCKED_ON_HUMAN (pause) or CANCELLED
// (stop), depending on the control signal that interrupted it.
func (e *Engine) park(storeCtx context.Context, taskID string, ctrl *taskControl, cause error) error {
	e.mu.Lock()
	reason := ctrl.reason
	e.mu.Unlock()

	if reason == controlStop {
		_, err := e.transition(storeCtx, taskID, task.StatusCancelled, "stopped", "", errText(cause))
		return err
	}

	if _, err := e.transition(storeCtx, taskID, task.StatusBlockedOnHuman, ReasonPaused, "", errText(cause)); err != nil {
		return err
	}
	e.publishBlocked(taskID, ReasonPaused, nil)
	return nil
}

// backoffWait sleeps out the retry delay for the given 1-based attempt.
// The wait is cancellable: pause/stop interrupts it immediately.
func (e *Engine) backoffWait(ctx context.Context, attempt int) error {
	delay := e.policy.NextDelay(attempt - 1)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transition commits a status change and publishes the transition event.
// The prior status is read inside the same transaction as the change, so
// the event's From is what the transition actually moved away from even
// when other loops touch the task concurrently.
func (e *Engine) transition(ctx context.Context, taskID string, to task.Status, reason, errKind, message string) (*task.Task, error) {
	var from task.Status
	var t *task.Task
	err := e.store.WithinTransaction(ctx, func(tx *store.Tx) error {
		cur, err := tx.Get(taskID)
		if err != nil {
			return err
		}
		from = cur.Status

		t, err = tx.Transition(taskID, to, store.Cause{
			ID:        uuid.NewString(),
			Reason:    reason,
			ErrorKind: errKind,
			Message:   message,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.graph.SetStatus(taskID, to)
	e.bus.Publish(events.TopicTask, events.TaskTransitionedEvent{
		ID:        taskID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})

	return t, nil
}

// collectFeedback assembles prior iterations' validator issues and human
// guidance from the task's history, oldest first.
func (e *Engine) collectFeedback(ctx context.Context, taskID string) ([]string, error) {
	history, err := e.store.History(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var feedback []string
	for _, entry := range history {
		switch {
		case entry.Kind == store.HistoryKindError && entry.ErrorKind == decision.KindValidationRejected:
			feedback = append(feedback, entry.Message)
		case entry.Kind == store.HistoryKindNote:
			feedback = append(feedback, entry.Message)
		}
	}
	return feedback, nil
}

// discard drops a checkpoint, logging rather than failing on error.
func (e *Engine) discard(ctx context.Context, cp store.CheckpointHandle) {
	if err := e.store.Discard(ctx, cp); err != nil {
		log.Printf("WARNING: failed to discard checkpoint %q: %v", cp.ID, err)
	}
}

func joinIssues(issues []string) string {
	return strings.Join(issues, "; ")
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
