package engine

import (
	"time"

	"github.com/aristath/conductor/internal/events"
)

// Reason codes attached to BLOCKED_ON_HUMAN transitions, so downstream
// tooling can distinguish why a task stalled without replaying the loop.
const (
	ReasonClarify  = "clarify"  // Evaluator too uncertain; needs disambiguation
	ReasonEscalate = "escalate" // Budget or retries exhausted
	ReasonPaused   = "paused"   // External pause request
)

// Control signals for in-flight iteration loops.
const (
	controlPause = "pause"
	controlStop  = "stop"
)

// Notice tells surrounding tooling that a task needs human attention.
type Notice struct {
	TaskID    string
	Reason    string // One of the Reason* constants
	Issues    []string
	Timestamp time.Time
}

// Notices returns the channel on which intervention notices are delivered.
// The channel is buffered; a full buffer drops notices (the authoritative
// record is the task's status and history in the store).
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// notify posts a non-blocking intervention notice.
func (e *Engine) notify(taskID, reason string, issues []string) {
	select {
	case e.notices <- Notice{TaskID: taskID, Reason: reason, Issues: issues, Timestamp: time.Now()}:
	default:
		// Buffer full; the store still holds the authoritative state
	}
}

// publishBlocked emits the blocked event and the matching notice.
func (e *Engine) publishBlocked(taskID, reason string, issues []string) {
	e.bus.Publish(events.TopicTask, events.TaskBlockedEvent{
		ID:        taskID,
		Reason:    reason,
		Issues:    issues,
		Timestamp: time.Now(),
	})
	e.notify(taskID, reason, issues)
}
