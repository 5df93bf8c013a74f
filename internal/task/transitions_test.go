package task

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to ready", StatusPending, StatusReady, true},
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to blocked on dependency", StatusPending, StatusBlockedOnDependency, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed skips the loop", StatusPending, StatusCompleted, false},
		{"ready to running", StatusReady, StatusRunning, true},
		{"ready back to pending", StatusReady, StatusPending, true},
		{"ready to awaiting validation skips running", StatusReady, StatusAwaitingValidation, false},
		{"running to awaiting validation", StatusRunning, StatusAwaitingValidation, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to completed skips validation", StatusRunning, StatusCompleted, false},
		{"awaiting validation back to running", StatusAwaitingValidation, StatusRunning, true},
		{"awaiting validation to completed", StatusAwaitingValidation, StatusCompleted, true},
		{"awaiting validation to blocked on human", StatusAwaitingValidation, StatusBlockedOnHuman, true},
		{"blocked on human to ready", StatusBlockedOnHuman, StatusReady, true},
		{"blocked on human to running", StatusBlockedOnHuman, StatusRunning, false},
		{"blocked on dependency to pending", StatusBlockedOnDependency, StatusPending, true},
		{"blocked on dependency to running", StatusBlockedOnDependency, StatusRunning, false},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusReady, false},
		{"cancelled is terminal", StatusCancelled, StatusPending, false},
		{"self transition is not legal", StatusRunning, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	all := []Status{
		StatusPending, StatusReady, StatusRunning, StatusAwaitingValidation,
		StatusBlockedOnDependency, StatusBlockedOnHuman,
		StatusCompleted, StatusFailed, StatusCancelled,
	}

	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("%s should report Terminal()", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &Task{
		ID:            "t1",
		DependencyIDs: []string{"a", "b"},
		ErrorHistory:  []ErrorRecord{{Kind: "timeout", Message: "slow"}},
	}

	clone := orig.Clone()
	clone.DependencyIDs[0] = "mutated"
	clone.ErrorHistory[0].Kind = "io"

	if orig.DependencyIDs[0] != "a" {
		t.Error("mutating clone dependencies affected the original")
	}
	if orig.ErrorHistory[0].Kind != "timeout" {
		t.Error("mutating clone error history affected the original")
	}
}
