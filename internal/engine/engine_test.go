package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/decision"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/graph"
	"github.com/aristath/conductor/internal/retry"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
)

// fakeWorker records invocations and delegates to an optional script.
type fakeWorker struct {
	mu     sync.Mutex
	calls  []agent.TaskContext
	invoke func(tc agent.TaskContext) (agent.WorkerResult, error)
}

func (w *fakeWorker) Invoke(_ context.Context, tc agent.TaskContext) (agent.WorkerResult, error) {
	w.mu.Lock()
	w.calls = append(w.calls, tc)
	w.mu.Unlock()

	if w.invoke != nil {
		return w.invoke(tc)
	}
	return agent.WorkerResult{Output: "done"}, nil
}

func (w *fakeWorker) Close() error { return nil }

func (w *fakeWorker) callOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	order := make([]string, len(w.calls))
	for i, tc := range w.calls {
		order[i] = tc.Title
	}
	return order
}

// fakeValidator approves everything unless scripted otherwise.
type fakeValidator struct {
	mu       sync.Mutex
	calls    int
	evaluate func(tc agent.TaskContext, result agent.WorkerResult) (agent.ValidationOutcome, error)
}

func (v *fakeValidator) Evaluate(_ context.Context, tc agent.TaskContext, result agent.WorkerResult) (agent.ValidationOutcome, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()

	if v.evaluate != nil {
		return v.evaluate(tc, result)
	}
	return agent.ValidationOutcome{IsValid: true, QualityScore: 0.9, ConfidenceScore: 0.9}, nil
}

func (v *fakeValidator) Close() error { return nil }

func testEngine(t *testing.T, worker *fakeWorker, validator *fakeValidator) (*Engine, *store.Store) {
	t.Helper()

	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	policy := retry.NewPolicy()
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	policy.Rand = rand.New(rand.NewSource(1))

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	eng := New(st, policy, decision.NewEngine(policy), worker, validator, bus, Options{
		WorkerTimeout:    5 * time.Second,
		ValidatorTimeout: 5 * time.Second,
		MaxIterations:    3,
		Concurrency:      2,
	})
	return eng, st
}

func enqueue(t *testing.T, eng *Engine, tk *task.Task) string {
	t.Helper()
	id, err := eng.Enqueue(context.Background(), tk)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	return id
}

func wantStatus(t *testing.T, st *store.Store, id string, want task.Status) *task.Task {
	t.Helper()
	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get task %s: %v", id, err)
	}
	if got.Status != want {
		t.Fatalf("task %s status = %s, want %s", id, got.Status, want)
	}
	return got
}

func TestSingleTaskCompletes(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "solo"})

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	got := wantStatus(t, st, id, task.StatusCompleted)
	if got.IterationCount != 1 {
		t.Errorf("iteration count = %d, want 1", got.IterationCount)
	}
	if len(worker.calls) != 1 || validator.calls != 1 {
		t.Errorf("worker/validator calls = %d/%d, want 1/1", len(worker.calls), validator.calls)
	}
}

func TestDependencyOrdering(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A", Priority: 5})
	b := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "B", Priority: 3, DependencyIDs: []string{a}})
	c := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "C", Priority: 1})

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	for _, id := range []string{a, b, c} {
		wantStatus(t, st, id, task.StatusCompleted)
	}

	// A before its dependent B; C last by priority.
	order := worker.callOrder()
	want := []string{"A", "B", "C"}
	if len(order) != len(want) {
		t.Fatalf("worker invoked %d times, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("invocation order = %v, want %v", order, want)
		}
	}
}

func TestRepeatedRejectionEscalatesToHuman(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{
		evaluate: func(agent.TaskContext, agent.WorkerResult) (agent.ValidationOutcome, error) {
			return agent.ValidationOutcome{
				IsValid: false,
				Issues:  []string{"not good enough"},
			}, nil
		},
	}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "stubborn", MaxIterations: 3})

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	got := wantStatus(t, st, id, task.StatusBlockedOnHuman)
	if got.IterationCount != 3 {
		t.Errorf("iteration count = %d, want 3", got.IterationCount)
	}
	if len(worker.calls) != 3 {
		t.Errorf("worker invoked %d times, want 3", len(worker.calls))
	}
	if len(got.ErrorHistory) != 2 {
		t.Errorf("error history length = %d, want 2 rejections", len(got.ErrorHistory))
	}

	select {
	case n := <-eng.Notices():
		if n.TaskID != id || n.Reason != ReasonEscalate {
			t.Errorf("notice = %+v, want escalate for %s", n, id)
		}
	default:
		t.Error("no intervention notice delivered")
	}
}

func TestRejectionFeedbackReachesWorker(t *testing.T) {
	worker := &fakeWorker{}
	approve := false
	validator := &fakeValidator{}
	validator.evaluate = func(agent.TaskContext, agent.WorkerResult) (agent.ValidationOutcome, error) {
		if approve {
			return agent.ValidationOutcome{IsValid: true, QualityScore: 0.9, ConfidenceScore: 0.9}, nil
		}
		approve = true
		return agent.ValidationOutcome{IsValid: false, Issues: []string{"add error handling"}}, nil
	}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "second try"})

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	wantStatus(t, st, id, task.StatusCompleted)

	if len(worker.calls) != 2 {
		t.Fatalf("worker invoked %d times, want 2", len(worker.calls))
	}
	if len(worker.calls[0].Feedback) != 0 {
		t.Errorf("first invocation carried feedback: %v", worker.calls[0].Feedback)
	}
	second := worker.calls[1]
	if len(second.Feedback) != 1 || second.Feedback[0] != "add error handling" {
		t.Errorf("second invocation feedback = %v, want the rejection issue", second.Feedback)
	}
	if second.Iteration != 2 {
		t.Errorf("second invocation iteration = %d, want 2", second.Iteration)
	}
}

func TestPermanentWorkerErrorFailsTask(t *testing.T) {
	worker := &fakeWorker{
		invoke: func(agent.TaskContext) (agent.WorkerResult, error) {
			return agent.WorkerResult{}, &agent.WorkerError{Kind: agent.KindPolicy, Err: errors.New("refused")}
		},
	}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "doomed"})

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	got := wantStatus(t, st, id, task.StatusFailed)
	if len(got.ErrorHistory) != 1 || got.ErrorHistory[0].Kind != agent.KindPolicy {
		t.Errorf("error history = %+v, want one policy error", got.ErrorHistory)
	}
	if validator.calls != 0 {
		t.Errorf("validator called %d times for a failed worker, want 0", validator.calls)
	}
}

func TestFailedDependencyBlocksDependent(t *testing.T) {
	worker := &fakeWorker{
		invoke: func(tc agent.TaskContext) (agent.WorkerResult, error) {
			if tc.Title == "A" {
				return agent.WorkerResult{}, &agent.WorkerError{Kind: agent.KindMalformed, Err: errors.New("garbage out")}
			}
			return agent.WorkerResult{Output: "done"}, nil
		},
	}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})
	b := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "B", DependencyIDs: []string{a}})

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	wantStatus(t, st, a, task.StatusFailed)
	wantStatus(t, st, b, task.StatusBlockedOnDependency)
}

func TestPauseAndResumeWithGuidance(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "guided"})

	if err := eng.Pause(ctx, id); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	wantStatus(t, st, id, task.StatusBlockedOnHuman)

	// A paused project drains without touching the task.
	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(worker.calls) != 0 {
		t.Fatalf("worker invoked while paused")
	}

	if err := eng.Resume(ctx, id, "use the streaming API"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	wantStatus(t, st, id, task.StatusReady)

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	wantStatus(t, st, id, task.StatusCompleted)

	if len(worker.calls) != 1 {
		t.Fatalf("worker invoked %d times, want 1", len(worker.calls))
	}
	fb := worker.calls[0].Feedback
	if len(fb) != 1 || fb[0] != "use the streaming API" {
		t.Errorf("feedback = %v, want the resume guidance", fb)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "never mind"})

	if err := eng.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	wantStatus(t, st, id, task.StatusCancelled)

	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(worker.calls) != 0 {
		t.Error("worker invoked for a cancelled task")
	}
}

func TestEnqueueRejectsSelfDependency(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, &task.Task{ID: "loner", ProjectID: "p1", Title: "loop", DependencyIDs: []string{"loner"}})
	var cerr *graph.CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("enqueue error = %v, want a cycle error", err)
	}

	if _, gerr := st.Get(ctx, "loner"); !errors.Is(gerr, store.ErrNotFound) {
		t.Errorf("rejected task was committed: get error = %v", gerr)
	}
}

func TestEnqueueRejectsCrossProjectDependency(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})

	_, err := eng.Enqueue(ctx, &task.Task{ID: "stray", ProjectID: "p2", Title: "stray", DependencyIDs: []string{a}})
	var xerr *graph.CrossProjectError
	if !errors.As(err, &xerr) {
		t.Fatalf("enqueue error = %v, want a cross-project error", err)
	}
	if xerr.TaskProject != "p2" || xerr.DependsOnProj != "p1" {
		t.Errorf("error projects = %q -> %q, want p2 -> p1", xerr.TaskProject, xerr.DependsOnProj)
	}

	if _, gerr := st.Get(ctx, "stray"); !errors.Is(gerr, store.ErrNotFound) {
		t.Errorf("rejected task was committed: get error = %v", gerr)
	}
}

func TestEnqueueAcceptsChainDependency(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})
	b := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "B", DependencyIDs: []string{a}})

	// A valid chain off an existing task still commits.
	c := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "C", DependencyIDs: []string{b}})
	got, err := st.Get(ctx, c)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if len(got.DependencyIDs) != 1 || got.DependencyIDs[0] != b {
		t.Errorf("dependencies = %v, want [%s]", got.DependencyIDs, b)
	}
}

func TestAddDependencyRejectsCycleWithoutPersisting(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})
	b := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "B", DependencyIDs: []string{a}})

	err := eng.AddDependency(ctx, "p1", a, b)
	if err == nil {
		t.Fatal("expected cycle rejection")
	}

	got, gerr := st.Get(ctx, a)
	if gerr != nil {
		t.Fatalf("failed to get task: %v", gerr)
	}
	if len(got.DependencyIDs) != 0 {
		t.Errorf("rejected edge persisted: %v", got.DependencyIDs)
	}
}

func TestAddDependencyAcrossProjects(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})
	b := enqueue(t, eng, &task.Task{ProjectID: "p2", Title: "B"})

	err := eng.AddDependency(ctx, "p1", a, b)
	var xerr *graph.CrossProjectError
	if !errors.As(err, &xerr) {
		t.Fatalf("error = %v, want a cross-project error", err)
	}
	if xerr.TaskProject != "p1" || xerr.DependsOnProj != "p2" {
		t.Errorf("error projects = %q -> %q, want p1 -> p2", xerr.TaskProject, xerr.DependsOnProj)
	}

	got, gerr := st.Get(ctx, a)
	if gerr != nil {
		t.Fatalf("failed to get task: %v", gerr)
	}
	if len(got.DependencyIDs) != 0 {
		t.Errorf("rejected edge persisted: %v", got.DependencyIDs)
	}
}

func TestTransitionEventsCarryCommittedFrom(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	ch := eng.bus.Subscribe(events.TopicTask, 64)

	id := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "chained"})
	if err := eng.RunUntilDrained(ctx, "p1"); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	wantStatus(t, st, id, task.StatusCompleted)

	// Claims are recorded in history only, so the published transitions for
	// one approved pass are exactly these. Each From is the status the
	// transition's own transaction moved away from.
	want := []struct{ from, to task.Status }{
		{task.StatusPending, task.StatusReady},
		{task.StatusRunning, task.StatusAwaitingValidation},
		{task.StatusAwaitingValidation, task.StatusCompleted},
	}

	var got []events.TaskTransitionedEvent
	for done := false; !done; {
		select {
		case ev := <-ch:
			if tr, ok := ev.(events.TaskTransitionedEvent); ok {
				got = append(got, tr)
			}
		default:
			done = true
		}
	}

	if len(got) != len(want) {
		t.Fatalf("published %d transition events, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].From != w.from || got[i].To != w.to {
			t.Errorf("event %d = %s -> %s, want %s -> %s", i, got[i].From, got[i].To, w.from, w.to)
		}
	}
}

func TestRunParallelDrainsDiamond(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, st := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})
	b := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "B", DependencyIDs: []string{a}})
	c := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "C", DependencyIDs: []string{a}})
	d := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "D", DependencyIDs: []string{b, c}})

	if err := eng.RunParallel(ctx, "p1"); err != nil {
		t.Fatalf("parallel drain failed: %v", err)
	}

	for _, id := range []string{a, b, c, d} {
		wantStatus(t, st, id, task.StatusCompleted)
	}

	order := worker.callOrder()
	if len(order) != 4 {
		t.Fatalf("worker invoked %d times, want 4", len(order))
	}
	if order[0] != "A" || order[3] != "D" {
		t.Errorf("invocation order = %v, want A first and D last", order)
	}
}

func TestGetDependencyGraphSnapshot(t *testing.T) {
	worker := &fakeWorker{}
	validator := &fakeValidator{}
	eng, _ := testEngine(t, worker, validator)
	ctx := context.Background()

	a := enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "A"})
	enqueue(t, eng, &task.Task{ProjectID: "p1", Title: "B", DependencyIDs: []string{a}})

	snap, err := eng.GetDependencyGraph(ctx, "p1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Nodes) != 2 || len(snap.Edges) != 1 {
		t.Errorf("snapshot has %d nodes, %d edges; want 2 and 1", len(snap.Nodes), len(snap.Edges))
	}
}
