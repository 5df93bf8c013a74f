package task

// legalTransitions maps each status to the set of statuses it may move to.
// Terminal statuses have no exits. The store validates every transition
// against this table before committing.
var legalTransitions = map[Status][]Status{
	StatusPending: {
		StatusReady,
		StatusRunning,
		StatusBlockedOnDependency,
		StatusBlockedOnHuman,
		StatusCancelled,
	},
	StatusReady: {
		StatusRunning,
		StatusPending,
		StatusBlockedOnHuman,
		StatusCancelled,
	},
	StatusBlockedOnDependency: {
		StatusPending,
		StatusReady,
		StatusCancelled,
	},
	StatusRunning: {
		StatusAwaitingValidation,
		StatusBlockedOnHuman,
		StatusFailed,
		StatusCancelled,
	},
	StatusAwaitingValidation: {
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusBlockedOnHuman,
		StatusCancelled,
	},
	StatusBlockedOnHuman: {
		StatusReady,
		StatusFailed,
		StatusCancelled,
	},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
