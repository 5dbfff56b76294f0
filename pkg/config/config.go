// Package config loads and validates the orchestration engine's
// configuration: worker-pool sizing, rate-governor policy per service, and
// the worker spawn surface. Defaults come first, then a user config file,
// then a project config file, then environment variables, in ascending
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Sharding strategy names accepted by the orchestrator configuration surface.
const (
	StrategyRoundRobin   = "round_robin"
	StrategyLeastLoaded  = "least_loaded"
	StrategyPriority     = "priority_based"
	StrategyContextAware = "context_aware"
	StrategyHybrid       = "hybrid"
)

var validStrategies = map[string]bool{
	StrategyRoundRobin:   true,
	StrategyLeastLoaded:  true,
	StrategyPriority:     true,
	StrategyContextAware: true,
	StrategyHybrid:       true,
}

// Transport names accepted by EventBusConfig.Transport.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

var validTransports = map[string]bool{
	TransportMemory: true,
	TransportNATS:   true,
}

// Config is the complete orchestration engine configuration.
type Config struct {
	Orchestrator OrchestratorConfig          `yaml:"orchestrator"`
	RateLimits   map[string]ServiceRateLimit `yaml:"rate_limits"`
	Worker       WorkerConfig                `yaml:"worker"`
	Logging      LoggingConfig               `yaml:"logging"`
	EventBus     EventBusConfig              `yaml:"event_bus"`
}

// EventBusConfig selects the transport pkg/events publishes lifecycle
// events over. "memory" keeps everything in-process; "nats" fans events out
// to a shared NATS server so a distributor and a separate monitoring
// process can observe the same workflow run.
type EventBusConfig struct {
	Transport string `yaml:"transport"`
	NATSURL   string `yaml:"nats_url"`
}

// OrchestratorConfig controls worker-pool sizing and dispatch behavior.
type OrchestratorConfig struct {
	// MaxWorkers caps concurrent workers. Zero means auto-computed by the
	// resource sizer.
	MaxWorkers int `yaml:"max_workers"`

	// InstancesPerMinute is the worker spawn rate per minute. It is loaded
	// and overridable but does not limit spawning: only MaxWorkers bounds
	// how many workers are started.
	InstancesPerMinute int `yaml:"instances_per_minute"`

	// TasksPerWorker is the recycle threshold: a worker is retired and
	// replaced after handling this many items.
	TasksPerWorker int `yaml:"tasks_per_worker"`

	// TaskTimeoutMs bounds how long a single work item may run before
	// being treated as a timeout failure.
	TaskTimeoutMs int `yaml:"task_timeout_ms"`

	// RetryAttempts is the number of additional attempts after a failure
	// before a work item is marked permanently failed.
	RetryAttempts int `yaml:"retry_attempts"`

	// ContextPreservation enables carrying a worker's context blob across
	// recycles and handing a parent's produced context to its children.
	ContextPreservation bool `yaml:"context_preservation"`

	// AutoCalculateInstances lets the resource sizer recompute MaxWorkers
	// at startup, replacing any configured value.
	AutoCalculateInstances bool `yaml:"auto_calculate_instances"`

	// ShardingStrategy names one of the five distributor strategies.
	ShardingStrategy string `yaml:"sharding_strategy"`

	// WorkspaceRoot is the directory workers operate against. Empty means
	// the current working directory.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// ServiceRateLimit is the per-service configuration surface consumed by the
// rate governor.
type ServiceRateLimit struct {
	RequestsPerWindow int     `yaml:"requests_per_window"`
	WindowMs          int     `yaml:"window_ms"`
	TokensPerWindow   int     `yaml:"tokens_per_window,omitempty"`
	TokensPerDay      int     `yaml:"tokens_per_day,omitempty"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	BurstAllowance    float64 `yaml:"burst_allowance"`
	ReserveFraction   float64 `yaml:"reserve_fraction"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	BackoffCapMs      int     `yaml:"backoff_cap_ms"`
}

// WorkerConfig describes how to spawn a worker child process.
type WorkerConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	ReadyTimeoutMs int               `yaml:"ready_timeout_ms"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	BaseDir  string `yaml:"base_dir"`
	MinLevel string `yaml:"min_level"`
}

// DefaultConfig returns sensible defaults for a single-host deployment.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxWorkers:             0, // auto-computed by the resource sizer
			InstancesPerMinute:     10,
			TasksPerWorker:         20,
			TaskTimeoutMs:          300_000,
			RetryAttempts:          2,
			ContextPreservation:    true,
			AutoCalculateInstances: true,
			ShardingStrategy:       StrategyHybrid,
			WorkspaceRoot:          "",
		},
		RateLimits: map[string]ServiceRateLimit{
			"primary": {
				RequestsPerWindow: 50,
				WindowMs:          60_000,
				TokensPerWindow:   100_000,
				TokensPerDay:      2_000_000,
				MaxConcurrent:     10,
				BurstAllowance:    1.2,
				ReserveFraction:   0.1,
				BackoffMultiplier: 2.0,
				BackoffCapMs:      60_000,
			},
		},
		Worker: WorkerConfig{
			Command:        "",
			Args:           nil,
			Env:            map[string]string{},
			ReadyTimeoutMs: 10_000,
		},
		Logging: LoggingConfig{
			BaseDir:  filepath.Join(".ccswarm", "logs"),
			MinLevel: "info",
		},
		EventBus: EventBusConfig{
			Transport: TransportMemory,
			NATSURL:   "",
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.ccswarm/config.yaml, then ./.ccswarm/config.yaml, then
// environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".ccswarm", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".ccswarm", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxWorkers < 0 {
		return fmt.Errorf("orchestrator.max_workers must be >= 0, got %d", c.Orchestrator.MaxWorkers)
	}
	if c.Orchestrator.RetryAttempts < 0 {
		return fmt.Errorf("orchestrator.retry_attempts must be >= 0, got %d", c.Orchestrator.RetryAttempts)
	}
	if c.Orchestrator.TaskTimeoutMs <= 0 {
		return fmt.Errorf("orchestrator.task_timeout_ms must be > 0, got %d", c.Orchestrator.TaskTimeoutMs)
	}
	if !validStrategies[c.Orchestrator.ShardingStrategy] {
		return fmt.Errorf("orchestrator.sharding_strategy %q is not one of round_robin, least_loaded, priority_based, context_aware, hybrid", c.Orchestrator.ShardingStrategy)
	}
	if !validTransports[c.EventBus.Transport] {
		return fmt.Errorf("event_bus.transport %q is not one of memory, nats", c.EventBus.Transport)
	}
	if c.EventBus.Transport == TransportNATS && strings.TrimSpace(c.EventBus.NATSURL) == "" {
		return fmt.Errorf("event_bus.nats_url must be set when event_bus.transport is nats")
	}
	for name, rl := range c.RateLimits {
		if rl.RequestsPerWindow <= 0 {
			return fmt.Errorf("rate_limits.%s.requests_per_window must be > 0", name)
		}
		if rl.WindowMs <= 0 {
			return fmt.Errorf("rate_limits.%s.window_ms must be > 0", name)
		}
		if rl.BurstAllowance < 1.0 {
			return fmt.Errorf("rate_limits.%s.burst_allowance must be >= 1.0, got %f", name, rl.BurstAllowance)
		}
		if rl.ReserveFraction < 0 || rl.ReserveFraction >= 1 {
			return fmt.Errorf("rate_limits.%s.reserve_fraction must be in [0, 1), got %f", name, rl.ReserveFraction)
		}
	}
	return nil
}

// RequestSpacing returns the minimum inter-request spacing for a service's
// request-rate dimension.
func (rl ServiceRateLimit) RequestSpacing() time.Duration {
	if rl.RequestsPerWindow <= 0 {
		return 0
	}
	return time.Duration(rl.WindowMs) * time.Millisecond / time.Duration(rl.RequestsPerWindow)
}

// applyEnvOverrides applies CCSWARM_* environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CCSWARM_MAX_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Orchestrator.MaxWorkers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_INSTANCES_PER_MINUTE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.InstancesPerMinute = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_TASKS_PER_WORKER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.TasksPerWorker = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_TASK_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.TaskTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_RETRY_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Orchestrator.RetryAttempts = n
		}
	}
	if v, ok := envBool("CCSWARM_CONTEXT_PRESERVATION"); ok {
		cfg.Orchestrator.ContextPreservation = v
	}
	if v, ok := envBool("CCSWARM_AUTO_CALCULATE_INSTANCES"); ok {
		cfg.Orchestrator.AutoCalculateInstances = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_SHARDING_STRATEGY")); v != "" {
		cfg.Orchestrator.ShardingStrategy = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_WORKSPACE_ROOT")); v != "" {
		cfg.Orchestrator.WorkspaceRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_WORKER_COMMAND")); v != "" {
		cfg.Worker.Command = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_LOG_BASE_DIR")); v != "" {
		cfg.Logging.BaseDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_LOG_MIN_LEVEL")); v != "" {
		cfg.Logging.MinLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_EVENT_BUS_TRANSPORT")); v != "" {
		cfg.EventBus.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("CCSWARM_EVENT_BUS_NATS_URL")); v != "" {
		cfg.EventBus.NATSURL = v
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
