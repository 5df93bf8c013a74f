package events

import (
	"time"

	"github.com/aristath/conductor/internal/task"
)

// Event is the base interface for all orchestration events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeTaskTransitioned  = "task.transitioned"
	EventTypeIterationStarted  = "task.iteration_started"
	EventTypeDecisionMade      = "task.decision"
	EventTypeTaskBlocked       = "task.blocked"
	EventTypeSchedulerProgress = "scheduler.progress"
)

// TaskTransitionedEvent is published after every committed status transition.
type TaskTransitionedEvent struct {
	ID        string
	From      task.Status
	To        task.Status
	Reason    string
	Timestamp time.Time
}

func (e TaskTransitionedEvent) EventType() string { return EventTypeTaskTransitioned }
func (e TaskTransitionedEvent) TaskID() string    { return e.ID }

// IterationStartedEvent is published when a worker invocation begins.
type IterationStartedEvent struct {
	ID        string
	Iteration int
	Timestamp time.Time
}

func (e IterationStartedEvent) EventType() string { return EventTypeIterationStarted }
func (e IterationStartedEvent) TaskID() string    { return e.ID }

// DecisionMadeEvent is published after each iteration's evaluation.
type DecisionMadeEvent struct {
	ID        string
	Decision  string
	Iteration int
	Issues    []string
	Timestamp time.Time
}

func (e DecisionMadeEvent) EventType() string { return EventTypeDecisionMade }
func (e DecisionMadeEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task parks in BLOCKED_ON_HUMAN.
type TaskBlockedEvent struct {
	ID        string
	Reason    string // "clarify", "escalate", or "paused"
	Issues    []string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// SchedulerProgressEvent summarizes a project's task counts after a cycle.
type SchedulerProgressEvent struct {
	ProjectID string
	Total     int
	Completed int
	Running   int
	Blocked   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e SchedulerProgressEvent) EventType() string { return EventTypeSchedulerProgress }
func (e SchedulerProgressEvent) TaskID() string    { return "" }
