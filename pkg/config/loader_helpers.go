package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base, using raw to distinguish an
// explicitly-set zero value from a field the file never mentioned.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if boolFieldSet(raw, "orchestrator", "max_workers") {
		base.Orchestrator.MaxWorkers = override.Orchestrator.MaxWorkers
	}
	if override.Orchestrator.InstancesPerMinute != 0 {
		base.Orchestrator.InstancesPerMinute = override.Orchestrator.InstancesPerMinute
	}
	if override.Orchestrator.TasksPerWorker != 0 {
		base.Orchestrator.TasksPerWorker = override.Orchestrator.TasksPerWorker
	}
	if override.Orchestrator.TaskTimeoutMs != 0 {
		base.Orchestrator.TaskTimeoutMs = override.Orchestrator.TaskTimeoutMs
	}
	if boolFieldSet(raw, "orchestrator", "retry_attempts") {
		base.Orchestrator.RetryAttempts = override.Orchestrator.RetryAttempts
	}
	if boolFieldSet(raw, "orchestrator", "context_preservation") {
		base.Orchestrator.ContextPreservation = override.Orchestrator.ContextPreservation
	}
	if boolFieldSet(raw, "orchestrator", "auto_calculate_instances") {
		base.Orchestrator.AutoCalculateInstances = override.Orchestrator.AutoCalculateInstances
	}
	if override.Orchestrator.ShardingStrategy != "" {
		base.Orchestrator.ShardingStrategy = override.Orchestrator.ShardingStrategy
	}
	if override.Orchestrator.WorkspaceRoot != "" {
		base.Orchestrator.WorkspaceRoot = override.Orchestrator.WorkspaceRoot
	}

	if len(override.RateLimits) > 0 {
		if base.RateLimits == nil {
			base.RateLimits = map[string]ServiceRateLimit{}
		}
		for service, overrideRL := range override.RateLimits {
			rawRL, _ := rawMapPath(raw, "rate_limits", service)
			base.RateLimits[service] = mergeRateLimit(base.RateLimits[service], overrideRL, rawRL)
		}
	}

	if override.Worker.Command != "" {
		base.Worker.Command = override.Worker.Command
	}
	if len(override.Worker.Args) > 0 {
		base.Worker.Args = override.Worker.Args
	}
	if len(override.Worker.Env) > 0 {
		if base.Worker.Env == nil {
			base.Worker.Env = map[string]string{}
		}
		for k, v := range override.Worker.Env {
			base.Worker.Env[k] = v
		}
	}
	if override.Worker.ReadyTimeoutMs != 0 {
		base.Worker.ReadyTimeoutMs = override.Worker.ReadyTimeoutMs
	}

	if override.Logging.BaseDir != "" {
		base.Logging.BaseDir = override.Logging.BaseDir
	}
	if override.Logging.MinLevel != "" {
		base.Logging.MinLevel = override.Logging.MinLevel
	}

	if override.EventBus.Transport != "" {
		base.EventBus.Transport = override.EventBus.Transport
	}
	if override.EventBus.NATSURL != "" {
		base.EventBus.NATSURL = override.EventBus.NATSURL
	}
}

// mergeRateLimit merges an override service rate limit into the base,
// treating a present-but-zero field in the YAML as an explicit override.
func mergeRateLimit(base, override ServiceRateLimit, raw map[string]any) ServiceRateLimit {
	if _, ok := raw["requests_per_window"]; ok {
		base.RequestsPerWindow = override.RequestsPerWindow
	}
	if _, ok := raw["window_ms"]; ok {
		base.WindowMs = override.WindowMs
	}
	if _, ok := raw["tokens_per_window"]; ok {
		base.TokensPerWindow = override.TokensPerWindow
	}
	if _, ok := raw["tokens_per_day"]; ok {
		base.TokensPerDay = override.TokensPerDay
	}
	if _, ok := raw["max_concurrent"]; ok {
		base.MaxConcurrent = override.MaxConcurrent
	}
	if _, ok := raw["burst_allowance"]; ok {
		base.BurstAllowance = override.BurstAllowance
	}
	if _, ok := raw["reserve_fraction"]; ok {
		base.ReserveFraction = override.ReserveFraction
	}
	if _, ok := raw["backoff_multiplier"]; ok {
		base.BackoffMultiplier = override.BackoffMultiplier
	}
	if _, ok := raw["backoff_cap_ms"]; ok {
		base.BackoffCapMs = override.BackoffCapMs
	}
	return base
}

// boolFieldSet reports whether the given dotted path was explicitly present
// in the raw YAML document, regardless of its value. This distinguishes a
// field set to its zero value from a field the file never mentioned.
func boolFieldSet(raw map[string]any, path ...string) bool {
	current := raw
	for i, key := range path {
		val, ok := current[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		next, ok := val.(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	return true
}

// rawMapPath walks a dotted path into raw and returns the map found there,
// or (nil, false) if any segment is missing or not a map.
func rawMapPath(raw map[string]any, path ...string) (map[string]any, bool) {
	current := raw
	for i, key := range path {
		val, ok := current[key]
		if !ok {
			return nil, false
		}
		next, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return next, true
		}
		current = next
	}
	return current, true
}
