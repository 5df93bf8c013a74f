package config

// StoreConfig locates the state store database.
type StoreConfig struct {
	Path string `json:"path"` // SQLite file path; empty selects the default under ~/.conductor
}

// GraphConfig bounds the dependency graph.
type GraphConfig struct {
	MaxDepth int `json:"max_depth"` // Longest dependency chain through any task
}

// RetryConfig parameterizes the retry policy engine.
type RetryConfig struct {
	BaseDelayMS int     `json:"base_delay_ms"`
	MaxDelayMS  int     `json:"max_delay_ms"`
	Multiplier  float64 `json:"multiplier"`
	MaxAttempts int     `json:"max_attempts"`
}

// DecisionConfig parameterizes the decision engine thresholds.
type DecisionConfig struct {
	QualityThreshold float64 `json:"quality_threshold"`
	ConfidenceFloor  float64 `json:"confidence_floor"`
}

// SchedulerConfig controls the iteration loop and its timeouts.
type SchedulerConfig struct {
	Concurrency         int `json:"concurrency"`           // Max concurrent task loops in parallel drain
	WorkerTimeoutSec    int `json:"worker_timeout_sec"`    // Per worker invocation
	ValidatorTimeoutSec int `json:"validator_timeout_sec"` // Per validator invocation
	MaxIterations       int `json:"max_iterations"`        // Default per-task budget
}

// AgentConfig selects a worker or validator adapter.
type AgentConfig struct {
	Type    string   `json:"type"`    // "command"
	Command string   `json:"command"` // Binary name
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Store     StoreConfig     `json:"store"`
	Graph     GraphConfig     `json:"graph"`
	Retry     RetryConfig     `json:"retry"`
	Decision  DecisionConfig  `json:"decision"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    AgentConfig     `json:"worker"`
	Validator AgentConfig     `json:"validator"`
}
