package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
)

// RunCycle executes one scheduling step for a project: refresh the graph,
// promote and park tasks per dependency state, then claim and drive the
// most eligible ready task to a terminal or parked state. Returns true
// when a task was driven.
func (e *Engine) RunCycle(ctx context.Context, projectID string) (bool, error) {
	tasks, err := e.syncReadiness(ctx, projectID)
	if err != nil {
		return false, err
	}

	candidates := e.orderCandidates(tasks, e.graph.ReadySet(projectID))
	for _, id := range candidates {
		claimed, err := e.store.Claim(ctx, id, store.Cause{ID: uuid.NewString(), Reason: "claim"})
		if err != nil {
			return false, err
		}
		if !claimed {
			continue // Another execution context got there first
		}

		e.graph.SetStatus(id, task.StatusRunning)
		if err := e.driveTask(ctx, id); err != nil {
			return false, err
		}

		e.publishProgress(ctx, projectID)
		return true, nil
	}

	e.publishProgress(ctx, projectID)
	return false, nil
}

// RunUntilDrained runs scheduling cycles until no task can make progress:
// everything is terminal, blocked on a human, or stuck behind a failed
// dependency.
func (e *Engine) RunUntilDrained(ctx context.Context, projectID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		worked, err := e.RunCycle(ctx, projectID)
		if err != nil {
			return err
		}
		if !worked {
			return nil
		}
	}
}

// RunParallel drains the project with up to Concurrency task loops in
// flight at once. Tasks are claimed in dependency waves: each wave claims
// every currently ready task, drives them concurrently, then recomputes
// readiness so newly unblocked tasks join the next wave.
func (e *Engine) RunParallel(ctx context.Context, projectID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tasks, err := e.syncReadiness(ctx, projectID)
		if err != nil {
			return err
		}

		candidates := e.orderCandidates(tasks, e.graph.ReadySet(projectID))

		var wave []string
		for _, id := range candidates {
			claimed, err := e.store.Claim(ctx, id, store.Cause{ID: uuid.NewString(), Reason: "claim"})
			if err != nil {
				return err
			}
			if claimed {
				e.graph.SetStatus(id, task.StatusRunning)
				wave = append(wave, id)
			}
		}

		if len(wave) == 0 {
			e.publishProgress(ctx, projectID)
			return nil
		}

		g, waveCtx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Concurrency)
		for _, id := range wave {
			id := id
			g.Go(func() error {
				return e.driveTask(waveCtx, id)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		e.publishProgress(ctx, projectID)
	}
}

// syncReadiness reconciles queue statuses with dependency state: PENDING
// tasks whose dependencies all completed become READY, tasks stuck behind
// a failed or cancelled dependency park in BLOCKED_ON_DEPENDENCY, and
// parked tasks whose blockers cleared come back. Returns the project's
// tasks keyed by id.
func (e *Engine) syncReadiness(ctx context.Context, projectID string) (map[string]*task.Task, error) {
	if err := e.refreshGraph(ctx, projectID); err != nil {
		return nil, err
	}

	tasks, err := e.store.ListProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// Promote satisfied tasks.
	for _, id := range e.graph.ReadySet(projectID) {
		t := byID[id]
		if t == nil || t.Status != task.StatusPending {
			continue
		}
		if err := e.promote(ctx, t, task.StatusReady, "dependencies satisfied"); err != nil {
			return nil, err
		}
	}

	// Reconcile blocked tasks against their blockers' statuses.
	for id, blockers := range e.graph.BlockedSet(projectID) {
		t := byID[id]
		if t == nil {
			continue
		}

		if deadBlocker(byID, blockers) {
			if t.Status == task.StatusPending {
				if err := e.promote(ctx, t, task.StatusBlockedOnDependency, "dependency failed"); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Blockers are merely unfinished. A task parked earlier behind a
		// since-resumed dependency rejoins the queue.
		if t.Status == task.StatusBlockedOnDependency {
			if err := e.promote(ctx, t, task.StatusPending, "dependency no longer failed"); err != nil {
				return nil, err
			}
		}
	}

	return byID, nil
}

// promote commits a scheduler-driven status change and updates the cache.
func (e *Engine) promote(ctx context.Context, t *task.Task, to task.Status, reason string) error {
	updated, err := e.transition(ctx, t.ID, to, reason, "", "")
	if err != nil {
		return err
	}
	*t = *updated
	return nil
}

// orderCandidates sorts ready task ids by scheduling preference: priority
// descending, then creation time, then id for determinism.
func (e *Engine) orderCandidates(byID map[string]*task.Task, ready []string) []string {
	ids := make([]string, 0, len(ready))
	for _, id := range ready {
		if byID[id] != nil {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ids
}

// deadBlocker reports whether any blocker is terminally unable to complete.
func deadBlocker(byID map[string]*task.Task, blockers []string) bool {
	for _, dep := range blockers {
		t := byID[dep]
		if t == nil {
			continue
		}
		if t.Status == task.StatusFailed || t.Status == task.StatusCancelled {
			return true
		}
	}
	return false
}

// publishProgress emits the project's status counts on the scheduler topic.
func (e *Engine) publishProgress(ctx context.Context, projectID string) {
	tasks, err := e.store.ListProject(ctx, projectID)
	if err != nil {
		log.Printf("WARNING: failed to compute progress for project %q: %v", projectID, err)
		return
	}

	ev := events.SchedulerProgressEvent{
		ProjectID: projectID,
		Total:     len(tasks),
		Timestamp: time.Now(),
	}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			ev.Completed++
		case task.StatusRunning, task.StatusAwaitingValidation:
			ev.Running++
		case task.StatusBlockedOnHuman, task.StatusBlockedOnDependency:
			ev.Blocked++
		case task.StatusFailed, task.StatusCancelled:
			ev.Failed++
		default:
			ev.Pending++
		}
	}

	e.bus.Publish(events.TopicScheduler, ev)
}
