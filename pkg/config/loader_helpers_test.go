package config

import "testing"

func TestMergeConfigsPreservesDefaultsWhenNotOverridden(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Orchestrator: OrchestratorConfig{
			ShardingStrategy: StrategyLeastLoaded,
		},
	}
	raw := map[string]any{
		"orchestrator": map[string]any{
			"sharding_strategy": "least_loaded",
		},
	}

	mergeConfigs(base, override, raw)

	if !base.Orchestrator.AutoCalculateInstances {
		t.Fatalf("auto_calculate_instances should remain true when not overridden")
	}
	if base.Orchestrator.ShardingStrategy != StrategyLeastLoaded {
		t.Fatalf("expected sharding strategy to be overridden")
	}
}

func TestMergeConfigsRespectsExplicitBooleanZeroValue(t *testing.T) {
	base := DefaultConfig()
	override := &Config{}
	override.Orchestrator.ContextPreservation = false
	raw := map[string]any{
		"orchestrator": map[string]any{
			"context_preservation": false,
		},
	}

	mergeConfigs(base, override, raw)

	if base.Orchestrator.ContextPreservation {
		t.Fatalf("expected context_preservation to update when override is explicit")
	}
}

func TestMergeConfigsRespectsExplicitMaxWorkersZero(t *testing.T) {
	base := DefaultConfig()
	base.Orchestrator.MaxWorkers = 8
	override := &Config{}
	override.Orchestrator.MaxWorkers = 0
	raw := map[string]any{
		"orchestrator": map[string]any{
			"max_workers": 0,
		},
	}

	mergeConfigs(base, override, raw)

	if base.Orchestrator.MaxWorkers != 0 {
		t.Fatalf("expected max_workers to be explicitly reset to 0, got %d", base.Orchestrator.MaxWorkers)
	}
}

func TestMergeConfigsIgnoresMaxWorkersWhenAbsent(t *testing.T) {
	base := DefaultConfig()
	base.Orchestrator.MaxWorkers = 8
	override := &Config{}
	raw := map[string]any{}

	mergeConfigs(base, override, raw)

	if base.Orchestrator.MaxWorkers != 8 {
		t.Fatalf("expected max_workers to remain untouched when absent from YAML, got %d", base.Orchestrator.MaxWorkers)
	}
}

func TestMergeConfigsMergesRateLimitsByService(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		RateLimits: map[string]ServiceRateLimit{
			"primary": {
				RequestsPerWindow: 100,
			},
			"secondary": {
				RequestsPerWindow: 20,
				WindowMs:          60_000,
				MaxConcurrent:     4,
				BurstAllowance:    1.0,
				ReserveFraction:   0,
			},
		},
	}
	raw := map[string]any{
		"rate_limits": map[string]any{
			"primary": map[string]any{
				"requests_per_window": 100,
			},
			"secondary": map[string]any{
				"requests_per_window": 20,
				"window_ms":           60000,
				"max_concurrent":      4,
				"burst_allowance":     1.0,
				"reserve_fraction":    0,
			},
		},
	}

	mergeConfigs(base, override, raw)

	if base.RateLimits["primary"].RequestsPerWindow != 100 {
		t.Fatalf("expected primary requests_per_window to be overridden")
	}
	if base.RateLimits["primary"].WindowMs == 0 {
		t.Fatalf("expected primary window_ms to retain its default when not in YAML")
	}
	if _, ok := base.RateLimits["secondary"]; !ok {
		t.Fatalf("expected a new service rate limit to be added")
	}
	if base.RateLimits["secondary"].ReserveFraction != 0 {
		t.Fatalf("expected secondary reserve_fraction explicit zero to be applied")
	}
}

func TestMergeConfigsMergesWorkerEnv(t *testing.T) {
	base := DefaultConfig()
	base.Worker.Env = map[string]string{"FOO": "bar"}
	override := &Config{
		Worker: WorkerConfig{
			Env: map[string]string{"BAZ": "qux"},
		},
	}
	raw := map[string]any{
		"worker": map[string]any{
			"env": map[string]any{"BAZ": "qux"},
		},
	}

	mergeConfigs(base, override, raw)

	if base.Worker.Env["FOO"] != "bar" || base.Worker.Env["BAZ"] != "qux" {
		t.Fatalf("expected worker env to be merged, got %+v", base.Worker.Env)
	}
}

func TestBoolFieldSet(t *testing.T) {
	raw := map[string]any{
		"orchestrator": map[string]any{
			"max_workers": 0,
		},
	}

	if !boolFieldSet(raw, "orchestrator", "max_workers") {
		t.Fatalf("expected max_workers to be reported as set")
	}
	if boolFieldSet(raw, "orchestrator", "retry_attempts") {
		t.Fatalf("expected retry_attempts to be reported as unset")
	}
	if boolFieldSet(raw, "worker", "command") {
		t.Fatalf("expected missing top-level key to be reported as unset")
	}
}

func TestLoadAndMergeMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	err := loadAndMerge(cfg, "/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
