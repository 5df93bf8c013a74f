package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/conductor/internal/agent"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/decision"
	"github.com/aristath/conductor/internal/engine"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/retry"
	"github.com/aristath/conductor/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	projectID := flag.String("project", "default", "project to schedule")
	dbPath := flag.String("db", "", "state store path (overrides config)")
	parallel := flag.Bool("parallel", false, "drain with concurrent task loops")
	flag.Parse()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	storePath, err := resolveStorePath(cfg, *dbPath)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, storePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	if cfg.Worker.Command == "" {
		return fmt.Errorf("no worker command configured (set worker.command in %s)", filepath.Join(".conductor", "config.json"))
	}
	if cfg.Validator.Command == "" {
		return fmt.Errorf("no validator command configured (set validator.command in %s)", filepath.Join(".conductor", "config.json"))
	}

	pm := agent.NewProcessManager()

	worker, err := agent.NewWorker(agentConfig(cfg.Worker), pm)
	if err != nil {
		return err
	}
	defer worker.Close()

	validator, err := agent.NewValidator(agentConfig(cfg.Validator), pm)
	if err != nil {
		return err
	}
	defer validator.Close()

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(bus.SubscribeAll(256))

	eng := engine.New(st, policyFromConfig(cfg), deciderFromConfig(cfg), worker, validator, bus, optionsFromConfig(cfg))
	go logNotices(eng.Notices())

	log.Printf("Draining project %q (store: %s, parallel: %v)", *projectID, storePath, *parallel)

	if *parallel {
		err = eng.RunParallel(ctx, *projectID)
	} else {
		err = eng.RunUntilDrained(ctx, *projectID)
	}

	if ctx.Err() != nil {
		// Signal received; restore default handling so a second Ctrl+C
		// forces exit, then reap subprocesses.
		stop()
		log.Println("Shutdown signal received, cleaning up...")
		if killErr := pm.KillAll(); killErr != nil {
			log.Printf("Error killing subprocesses: %v", killErr)
		}
		return nil
	}
	if err != nil {
		return err
	}

	log.Printf("Project %q drained", *projectID)
	return nil
}

// resolveStorePath picks the store location: flag, then config, then the
// default under the user's home directory. The parent directory is created.
func resolveStorePath(cfg *config.Config, override string) (string, error) {
	path := override
	if path == "" {
		path = cfg.Store.Path
	}
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".conductor", "conductor.db")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating store directory: %w", err)
	}
	return path, nil
}

func agentConfig(c config.AgentConfig) agent.Config {
	return agent.Config{
		Type:    c.Type,
		Command: c.Command,
		Args:    c.Args,
		WorkDir: c.WorkDir,
	}
}

func policyFromConfig(cfg *config.Config) *retry.Policy {
	p := retry.NewPolicy()
	if cfg.Retry.BaseDelayMS > 0 {
		p.BaseDelay = millis(cfg.Retry.BaseDelayMS)
	}
	if cfg.Retry.MaxDelayMS > 0 {
		p.MaxDelay = millis(cfg.Retry.MaxDelayMS)
	}
	if cfg.Retry.Multiplier > 0 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	return p
}

func deciderFromConfig(cfg *config.Config) *decision.Engine {
	d := decision.NewEngine(policyFromConfig(cfg))
	if cfg.Decision.QualityThreshold > 0 {
		d.QualityThreshold = cfg.Decision.QualityThreshold
	}
	if cfg.Decision.ConfidenceFloor > 0 {
		d.ConfidenceFloor = cfg.Decision.ConfidenceFloor
	}
	return d
}

func optionsFromConfig(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	if cfg.Scheduler.WorkerTimeoutSec > 0 {
		opts.WorkerTimeout = seconds(cfg.Scheduler.WorkerTimeoutSec)
	}
	if cfg.Scheduler.ValidatorTimeoutSec > 0 {
		opts.ValidatorTimeout = seconds(cfg.Scheduler.ValidatorTimeoutSec)
	}
	if cfg.Scheduler.MaxIterations > 0 {
		opts.MaxIterations = cfg.Scheduler.MaxIterations
	}
	if cfg.Scheduler.Concurrency > 0 {
		opts.Concurrency = cfg.Scheduler.Concurrency
	}
	if cfg.Graph.MaxDepth > 0 {
		opts.MaxDepth = cfg.Graph.MaxDepth
	}
	return opts
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// logEvents mirrors the event stream to the process log.
func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.TaskTransitionedEvent:
			log.Printf("task %s: %s -> %s (%s)", e.ID, e.From, e.To, e.Reason)
		case events.IterationStartedEvent:
			log.Printf("task %s: iteration %d", e.ID, e.Iteration)
		case events.DecisionMadeEvent:
			log.Printf("task %s: decision %s after iteration %d", e.ID, e.Decision, e.Iteration)
		case events.TaskBlockedEvent:
			log.Printf("WARNING: task %s blocked (%s): %v", e.ID, e.Reason, e.Issues)
		case events.SchedulerProgressEvent:
			log.Printf("project %s: %d/%d completed, %d running, %d blocked, %d failed, %d pending",
				e.ProjectID, e.Completed, e.Total, e.Running, e.Blocked, e.Failed, e.Pending)
		}
	}
}

// logNotices surfaces intervention requests on the process log.
func logNotices(ch <-chan engine.Notice) {
	for n := range ch {
		log.Printf("WARNING: task %s needs attention (%s): %v", n.TaskID, n.Reason, n.Issues)
	}
}
