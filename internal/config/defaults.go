package config

// DefaultConfig returns the built-in configuration. Agent commands are left
// empty on purpose: the entrypoint refuses to run without explicit worker
// and validator commands.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "", // Resolved to ~/.conductor/conductor.db by the caller
		},
		Graph: GraphConfig{
			MaxDepth: 10,
		},
		Retry: RetryConfig{
			BaseDelayMS: 1000,
			MaxDelayMS:  60000,
			Multiplier:  2.0,
			MaxAttempts: 3,
		},
		Decision: DecisionConfig{
			QualityThreshold: 0.70,
			ConfidenceFloor:  0.50,
		},
		Scheduler: SchedulerConfig{
			Concurrency:         4,
			WorkerTimeoutSec:    300,
			ValidatorTimeoutSec: 120,
			MaxIterations:       5,
		},
		Worker: AgentConfig{
			Type: "command",
		},
		Validator: AgentConfig{
			Type: "command",
		},
	}
}
