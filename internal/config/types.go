package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
// Omitted sections fall back to the defaults in defaults.go.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// ProjectRoot is the default working directory for task commands.
	ProjectRoot string `json:"project_root,omitempty"`

	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Tasks maps task name -> external command descriptor.
	Tasks map[string]TaskConfig `json:"tasks,omitempty"`

	// Schedules is the recurrence table. nil means "use the built-in table";
	// an explicit empty list disables all scheduled rules.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	// Endpoints are read-through artifacts served under /api/artifacts/:name.
	Endpoints []EndpointConfig `json:"endpoints,omitempty"`

	Scoring *ScoringConfig `json:"scoring,omitempty"`
	HTTP    HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the cache store driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./cache" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Capacity    int    `json:"capacity,omitempty"`     // memory
}

// SchedulerConfig controls the schedule coordinator.
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// StartupSpread delays the first run of interval rules by a random amount
	// up to this duration. "0s" (default) disables it.
	StartupSpread string `json:"startup_spread,omitempty"`
}

// TaskConfig describes one external computation.
//
// Defaults (when fields are omitted/zero):
//   - input: "json"
//   - output: "json"
//   - shape: "any"
//   - timeout: "60s"
//   - max_output_bytes: 10 MiB
type TaskConfig struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Input  string `json:"input,omitempty"`  // json | none
	Output string `json:"output,omitempty"` // json | jsonl | text
	Shape  string `json:"shape,omitempty"`  // any | items | aggregate

	Timeout        string `json:"timeout,omitempty"`
	MaxOutputBytes int    `json:"max_output_bytes,omitempty"`
}

// ScheduleConfig is one recurrence rule.
//
// Schedule accepts cron expressions (5 or 6 fields, @daily, @every 2h),
// the "cron:"/"every:"/"interval:" prefixes, bare durations ("55m") and HH:MM.
type ScheduleConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Tasks    []string `json:"tasks"`
	// CacheKey defaults to Name.
	CacheKey string `json:"cache_key,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// EndpointConfig is a read-through artifact: serve the cache entry if it is
// fresher than TTL, otherwise run Task and cache its output.
type EndpointConfig struct {
	Name     string `json:"name"`
	Task     string `json:"task"`
	TTL      string `json:"ttl"`
	CacheKey string `json:"cache_key,omitempty"`
}

// ScoringConfig controls per-URL scoring and the KPI summary.
type ScoringConfig struct {
	Task    string `json:"task"`
	TTL     string `json:"ttl,omitempty"`
	KPITTL  string `json:"kpi_ttl,omitempty"`
	FeedCSV string `json:"feed_csv,omitempty"`
	MaxRows int    `json:"max_rows,omitempty"`
}

// HTTPConfig controls the read API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// TriggerPerMinute rate-limits POST /api/schedules/:name/run. Default 6.
	TriggerPerMinute int `json:"trigger_per_minute,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof. Keep the listener on
	// loopback when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

// SchedulerEnabled reports the effective scheduler.enabled value.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// RuleEnabled reports the effective enabled value of a schedule rule.
func (s ScheduleConfig) RuleEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
