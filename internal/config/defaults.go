package config

import "path/filepath"

const DefaultMaxOutputBytes = 10 << 20

// DefaultTasks is the built-in task table used when the tasks section is omitted.
// Commands are resolved relative to root.
func DefaultTasks(root string) map[string]TaskConfig {
	script := func(rel ...string) string { return filepath.Join(append([]string{root}, rel...)...) }
	return map[string]TaskConfig{
		"ml_metrics": {
			Command: []string{"python3", script("backend", "scripts", "run_ml_and_render.py")},
			Input:   "none",
			Shape:   "aggregate",
			Timeout: "180s",
		},
		"phishtank": {
			Command: []string{"python3", script("backend", "collectors", "phishtank_fetcher.py")},
			Input:   "none",
			Output:  "text",
			Timeout: "120s",
		},
		"urlhaus": {
			Command: []string{"python3", script("backend", "collectors", "urlhaus_fetcher.py")},
			Input:   "none",
			Output:  "text",
			Timeout: "120s",
		},
		"realtime_threats": {
			Command:        []string{"python3", "automated_threat_collector.py"},
			Input:          "none",
			Output:         "text",
			Timeout:        "300s",
			MaxOutputBytes: 20 << 20,
		},
		"threat_dashboard": {
			Command: []string{"python3", "demo_dashboard.py"},
			Input:   "none",
			Output:  "text",
			Timeout: "60s",
		},
		"user_behavior": {
			Command: []string{"python3", "generate_user_behavior.py"},
			Input:   "none",
			Output:  "text",
			Timeout: "30s",
		},
		"model_performance": {
			Command: []string{"python3", script("analytics", "model_monitoring", "performance_logger.py")},
			Input:   "none",
			Output:  "text",
			Timeout: "30s",
		},
		"threat_scoring": {
			Command: []string{"python3", script("threat_scoring.py")},
			Shape:   "items",
			Timeout: "60s",
		},
	}
}

// DefaultSchedules is the built-in recurrence table.
func DefaultSchedules() []ScheduleConfig {
	return []ScheduleConfig{
		{Name: "ml_metrics", Schedule: "0 3 * * *", Tasks: []string{"ml_metrics"}},
		{Name: "threat_collectors", Schedule: "0 */6 * * *", Tasks: []string{"phishtank", "urlhaus"}},
		{Name: "realtime_threats", Schedule: "0 */2 * * *", Tasks: []string{"realtime_threats"}},
	}
}

// DefaultEndpoints is the built-in read-through table.
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Name: "threat_dashboard", Task: "threat_dashboard", TTL: "30m"},
		{Name: "user_behavior", Task: "user_behavior", TTL: "1h"},
		{Name: "model_performance", Task: "model_performance", TTL: "30m"},
		{Name: "realtime_threats", Task: "realtime_threats", TTL: "15m"},
		{Name: "ml_metrics", Task: "ml_metrics", TTL: "24h"},
		{Name: "threat_collectors", Task: "", TTL: "1h"},
	}
}

// ApplyDefaults fills omitted sections in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = "."
	}
	if cfg.Tasks == nil {
		cfg.Tasks = DefaultTasks(cfg.ProjectRoot)
	}
	if cfg.Schedules == nil {
		cfg.Schedules = DefaultSchedules()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpoints()
	}
	if cfg.Scoring == nil {
		cfg.Scoring = &ScoringConfig{Task: "threat_scoring"}
	}
	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{Driver: "file", Path: filepath.Join(cfg.ProjectRoot, "backend", "cache")}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
