// Command ccswarm loads an orchestrator configuration, seeds a workflow
// from a JSON project brief, runs the five-level hierarchical expansion,
// and prints a structured report. It is the minimal faithful driver for
// the engine, not a dashboard.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ccswarm/engine/pkg/bus"
	"github.com/ccswarm/engine/pkg/config"
	"github.com/ccswarm/engine/pkg/distributor"
	"github.com/ccswarm/engine/pkg/events"
	"github.com/ccswarm/engine/pkg/logging"
	"github.com/ccswarm/engine/pkg/ratelimit"
	"github.com/ccswarm/engine/pkg/resource"
	"github.com/ccswarm/engine/pkg/workerpool"
	"github.com/ccswarm/engine/pkg/workflow"
	"github.com/ccswarm/engine/pkg/workitem"
)

// brief is the on-disk shape of a project brief file.
type brief struct {
	ID         string              `json:"id"`
	Input      json.RawMessage     `json:"input"`
	Complexity workitem.Complexity `json:"complexity"`
}

func main() {
	configPath := flag.String("config", "", "path to an orchestrator config file (defaults to the standard search path)")
	briefPath := flag.String("brief", "", "path to a JSON project brief (required)")
	flag.Parse()

	if *briefPath == "" {
		fmt.Fprintln(os.Stderr, "ccswarm: -brief is required")
		os.Exit(2)
	}

	if err := run(*configPath, *briefPath); err != nil {
		fmt.Fprintf(os.Stderr, "ccswarm: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, briefPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	b, err := loadBrief(briefPath)
	if err != nil {
		return fmt.Errorf("loading brief: %w", err)
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	workflowID := b.ID
	logger, err := logging.NewLogger(cfg.Logging.ResolvedBaseDir(), workflowID)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Close()

	eventBus, err := newEventBus(cfg)
	if err != nil {
		return fmt.Errorf("constructing event bus: %w", err)
	}
	defer eventBus.Close()

	maxWorkers := cfg.Orchestrator.MaxWorkers
	if maxWorkers <= 0 || cfg.Orchestrator.AutoCalculateInstances {
		sizer := resource.NewSizer(resource.Params{})
		capacity := sizer.ComputeCapacity()
		maxWorkers = capacity.MaxWorkers
		logger.Info(logging.CategoryResourceSizer, "capacity_computed", capacity.Rationale, map[string]any{
			"max_workers": capacity.MaxWorkers,
			"bottleneck":  string(capacity.Bottleneck),
		})
	}

	pool := workerpool.New(cfg.Worker,
		workerpool.WithRecycleThreshold(cfg.Orchestrator.TasksPerWorker),
		workerpool.WithContextPreservation(cfg.Orchestrator.ContextPreservation),
		workerpool.WithEventBus(eventBus),
		workerpool.WithLogger(logger),
	)
	if err := pool.SpawnN(maxWorkers); err != nil {
		return fmt.Errorf("spawning worker pool: %w", err)
	}
	defer pool.TerminateAll()

	strategy, err := distributor.StrategyFromName(cfg.Orchestrator.ShardingStrategy)
	if err != nil {
		return fmt.Errorf("resolving sharding strategy: %w", err)
	}

	governor := ratelimit.New(cfg.RateLimits, eventBus)
	service := primaryService(cfg)

	dist := distributor.New(pool, maxWorkers,
		distributor.WithStrategy(strategy),
		distributor.WithEventBus(eventBus),
		distributor.WithLogger(logger),
		distributor.WithRateGovernor(governor, service),
	)
	dist.Start()
	defer dist.Stop()

	driver := workflow.New(dist, pool,
		workflow.WithEventBus(eventBus),
		workflow.WithLogger(logger),
		workflow.WithContextPreservation(cfg.Orchestrator.ContextPreservation),
		workflow.WithLevelTimeout(time.Duration(cfg.Orchestrator.TaskTimeoutMs)*time.Millisecond*10),
		workflow.WithMaxRetries(cfg.Orchestrator.RetryAttempts),
	)

	report := driver.RunHierarchy(workflow.Seed{
		ID:         b.ID,
		Input:      b.Input,
		Complexity: b.Complexity,
	})

	return printReport(report)
}

// newEventBus constructs the transport pkg/events publishes over, per
// cfg.EventBus.Transport.
func newEventBus(cfg *config.Config) (*events.Bus, error) {
	switch cfg.EventBus.Transport {
	case config.TransportNATS:
		return events.NewNATS(bus.Config{URL: cfg.EventBus.NATSURL, Name: "ccswarm"})
	default:
		return events.NewInMemory(), nil
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func loadBrief(path string) (brief, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return brief{}, err
	}
	var b brief
	if err := json.Unmarshal(data, &b); err != nil {
		return brief{}, fmt.Errorf("parsing brief: %w", err)
	}
	return b, nil
}

// primaryService returns the name of a configured rate-limit service,
// falling back to "primary" to match config.DefaultConfig. When several
// services are configured, which one is returned is not defined (map order).
func primaryService(cfg *config.Config) string {
	for name := range cfg.RateLimits {
		return name
	}
	return "primary"
}

func printReport(report workflow.Report) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if report.Err != nil {
		return report.Err
	}
	return nil
}
