// Package engine is the task scheduler: the top-level loop that asks the
// dependency graph which tasks are ready, claims one through the state
// store, and drives its iteration loop (worker invocation, validation,
// decision) until the task reaches a terminal or parked state.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/decision"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/graph"
	"github.com/aristath/conductor/internal/retry"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
)

// Options configures the engine's iteration loop.
type Options struct {
	WorkerTimeout    time.Duration // Per worker invocation
	ValidatorTimeout time.Duration // Per validator invocation
	MaxIterations    int           // Default per-task budget when the task doesn't set one
	Concurrency      int           // Max concurrent task loops in RunParallel
	MaxDepth         int           // Dependency chain cap
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		WorkerTimeout:    5 * time.Minute,
		ValidatorTimeout: 2 * time.Minute,
		MaxIterations:    5,
		Concurrency:      4,
		MaxDepth:         graph.DefaultMaxDepth,
	}
}

// Engine orchestrates task iteration loops. Every collaborator is an
// injected handle, so tests can swap in fakes and multiple independent
// engines can coexist in one process.
type Engine struct {
	store     *store.Store
	graph     *graph.Graph
	policy    *retry.Policy
	decider   *decision.Engine
	worker    agent.Worker
	validator agent.Validator
	bus       *events.Bus
	breakers  *BreakerRegistry
	opts      Options

	mu       sync.Mutex
	controls map[string]*taskControl

	notices chan Notice
}

// taskControl lets the control surface interrupt an in-flight iteration.
type taskControl struct {
	cancel context.CancelFunc
	reason string // "pause" or "stop", set before cancel
}

// New creates an engine over the given collaborators.
func New(st *store.Store, policy *retry.Policy, decider *decision.Engine, worker agent.Worker, validator agent.Validator, bus *events.Bus, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}

	return &Engine{
		store:     st,
		graph:     graph.New(opts.MaxDepth),
		policy:    policy,
		decider:   decider,
		worker:    worker,
		validator: validator,
		bus:       bus,
		breakers:  NewBreakerRegistry(),
		opts:      opts,
		controls:  make(map[string]*taskControl),
		notices:   make(chan Notice, 64),
	}
}

// Enqueue creates a new task in PENDING and returns its id. A zero
// MaxIterations picks up the engine default. Dependency links supplied on
// the task go through the same graph validation as AddDependency before
// anything is committed; a bad link at creation would otherwise persist
// silently and leave the task permanently un-ready.
func (e *Engine) Enqueue(ctx context.Context, t *task.Task) (string, error) {
	if t.MaxIterations <= 0 {
		t.MaxIterations = e.opts.MaxIterations
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if len(t.DependencyIDs) > 0 {
		if err := e.validateCreationLinks(ctx, t); err != nil {
			return "", err
		}
	}

	id, err := e.store.Create(ctx, t)
	if err != nil {
		return "", err
	}

	if err := e.refreshGraph(ctx, t.ProjectID); err != nil {
		return "", err
	}
	return id, nil
}

// validateCreationLinks checks a new task's declared dependencies against
// the cycle, depth, and project rules. It runs on a scratch rebuild of the
// graph that includes the task as a provisional node; Enqueue rebuilds from
// committed state afterwards regardless of the outcome.
func (e *Engine) validateCreationLinks(ctx context.Context, t *task.Task) error {
	tasks, err := e.store.ListProject(ctx, t.ProjectID)
	if err != nil {
		return fmt.Errorf("validating dependencies: %w", err)
	}

	provisional := t.Clone()
	provisional.DependencyIDs = nil
	e.graph.Rebuild(append(tasks, provisional))

	for _, depID := range t.DependencyIDs {
		if depID == t.ID {
			return &graph.CycleError{Path: []string{t.ID, t.ID}}
		}

		dep, err := e.store.Get(ctx, depID)
		if err != nil {
			return err
		}
		if dep.ProjectID != t.ProjectID {
			return &graph.CrossProjectError{
				TaskID:        t.ID,
				TaskProject:   t.ProjectID,
				DependsOn:     depID,
				DependsOnProj: dep.ProjectID,
			}
		}

		if err := e.graph.AddDependency(t.ID, depID); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency validates the new edge against the in-memory graph
// (cycles, depth, cross-project) and persists it on success. The graph is
// left unchanged when validation fails.
func (e *Engine) AddDependency(ctx context.Context, projectID, taskID, dependsOnID string) error {
	// A foreign-project endpoint never enters the per-project graph, so it
	// would surface as an unknown task there; check the committed rows
	// first to report the actual conflict.
	tk, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	dep, err := e.store.Get(ctx, dependsOnID)
	if err != nil {
		return err
	}
	if tk.ProjectID != dep.ProjectID {
		return &graph.CrossProjectError{
			TaskID:        taskID,
			TaskProject:   tk.ProjectID,
			DependsOn:     dependsOnID,
			DependsOnProj: dep.ProjectID,
		}
	}

	if err := e.refreshGraph(ctx, projectID); err != nil {
		return err
	}

	if err := e.graph.AddDependency(taskID, dependsOnID); err != nil {
		return err
	}

	if err := e.store.AddDependency(ctx, taskID, dependsOnID); err != nil {
		// Keep the cache consistent with committed state.
		if rerr := e.refreshGraph(ctx, projectID); rerr != nil {
			return fmt.Errorf("persisting dependency: %w (graph refresh also failed: %v)", err, rerr)
		}
		return err
	}

	return nil
}

// GetStatus returns the task's current persisted state.
func (e *Engine) GetStatus(ctx context.Context, taskID string) (*task.Task, error) {
	return e.store.Get(ctx, taskID)
}

// GetDependencyGraph returns a point-in-time snapshot of the project's
// dependency graph for visualization.
func (e *Engine) GetDependencyGraph(ctx context.Context, projectID string) (graph.Snapshot, error) {
	if err := e.refreshGraph(ctx, projectID); err != nil {
		return graph.Snapshot{}, err
	}
	return e.graph.Snapshot(projectID), nil
}

// Pause requests that a task stop progressing. An in-flight iteration is
// interrupted (including any backoff wait) and the task parks in
// BLOCKED_ON_HUMAN; a queued task parks directly.
func (e *Engine) Pause(ctx context.Context, taskID string) error {
	if e.signal(taskID, controlPause) {
		return nil // The iteration loop performs the transition
	}

	_, err := e.store.Transition(ctx, taskID, task.StatusBlockedOnHuman, store.Cause{
		ID:     uuid.NewString(),
		Reason: ReasonPaused,
	})
	if err != nil {
		return err
	}

	e.publishBlocked(taskID, ReasonPaused, nil)
	return nil
}

// Cancel stops a task for good. An in-flight iteration is interrupted and
// the task transitions to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	if e.signal(taskID, controlStop) {
		return nil
	}

	_, err := e.store.Transition(ctx, taskID, task.StatusCancelled, store.Cause{
		ID:     uuid.NewString(),
		Reason: "cancelled",
	})
	return err
}

// Resume unparks a BLOCKED_ON_HUMAN task. Optional guidance is recorded in
// the task's history and fed to the worker as feedback on the next
// iteration.
func (e *Engine) Resume(ctx context.Context, taskID, guidance string) error {
	if guidance != "" {
		if err := e.store.AppendNote(ctx, taskID, guidance); err != nil {
			return err
		}
	}

	_, err := e.store.Transition(ctx, taskID, task.StatusReady, store.Cause{
		ID:     uuid.NewString(),
		Reason: "resumed",
	})
	return err
}

// signal interrupts an in-flight iteration loop with the given control
// reason. Returns false when the task has no active loop.
func (e *Engine) signal(taskID, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctrl, ok := e.controls[taskID]
	if !ok {
		return false
	}
	ctrl.reason = reason
	ctrl.cancel()
	return true
}

// register installs a control handle for a task's iteration loop and
// returns the derived context plus a cleanup func.
func (e *Engine) register(ctx context.Context, taskID string) (context.Context, func(), *taskControl) {
	loopCtx, cancel := context.WithCancel(ctx)
	ctrl := &taskControl{cancel: cancel}

	e.mu.Lock()
	e.controls[taskID] = ctrl
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.controls, taskID)
		e.mu.Unlock()
		cancel()
	}
	return loopCtx, cleanup, ctrl
}

// refreshGraph rebuilds the dependency cache from committed store state.
func (e *Engine) refreshGraph(ctx context.Context, projectID string) error {
	tasks, err := e.store.ListProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("refreshing dependency graph: %w", err)
	}
	e.graph.Rebuild(tasks)
	return nil
}
