package agent

// TaskContext is what the core hands to a worker or validator: the task's
// opaque payload plus accumulated feedback from prior iterations.
type TaskContext struct {
	TaskID      string
	ProjectID   string
	Title       string
	Description string
	Feedback    []string // Validator issues from prior iterations, oldest first
	Iteration   int      // 1-based worker invocation count
}

// WorkerResult is the opaque output of one worker invocation, forwarded to
// the validator without interpretation.
type WorkerResult struct {
	Output            string
	SideEffectSummary string
}

// ValidationOutcome is the structured verdict of a validator. Consumed once
// per iteration; only its reflection into task history survives.
type ValidationOutcome struct {
	IsValid         bool
	QualityScore    float64 // In [0, 1]
	ConfidenceScore float64 // In [0, 1]; low values mean the evaluator itself is unsure
	Issues          []string
}

// Config selects and parameterizes a concrete worker or validator adapter.
type Config struct {
	Type    string   // "command" for the subprocess adapter
	Command string   // Binary to execute
	Args    []string // Arguments appended to every invocation
	WorkDir string
}
