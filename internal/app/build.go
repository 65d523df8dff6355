package app

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"phishwatch/internal/analytics"
	"phishwatch/internal/config"
	"phishwatch/internal/storage"
	"phishwatch/internal/task/backend"
	"phishwatch/internal/task/scheduler"
	"phishwatch/internal/transport/httpapi"
	"phishwatch/pkg/logx"
)

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "file"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "memory":
		return storage.Config{Driver: "memory", Capacity: sc.Capacity}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// buildRegistry turns the tasks section into descriptors. Tasks without a
// dir run in the project root.
func buildRegistry(cfg *config.Config) (*backend.Registry, error) {
	names := make([]string, 0, len(cfg.Tasks))
	for name := range cfg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	ds := make([]backend.Descriptor, 0, len(names))
	for _, name := range names {
		tc := cfg.Tasks[name]
		timeout, err := config.ParseDurationField("tasks."+name+".timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		dir := tc.Dir
		if dir == "" {
			dir = cfg.ProjectRoot
		} else if !filepath.IsAbs(dir) && cfg.ProjectRoot != "" {
			dir = filepath.Join(cfg.ProjectRoot, dir)
		}
		ds = append(ds, backend.Descriptor{
			Name:           name,
			Command:        append([]string(nil), tc.Command...),
			Dir:            dir,
			Env:            tc.Env,
			Input:          backend.InputEncoding(tc.Input),
			Output:         backend.OutputDecoding(tc.Output),
			Shape:          backend.OutputShape(tc.Shape),
			Timeout:        timeout,
			MaxOutputBytes: tc.MaxOutputBytes,
		}.WithDefaults())
	}
	return backend.NewRegistry(ds...)
}

func buildRules(cfg *config.Config, reg *backend.Registry) ([]scheduler.Rule, error) {
	rules := make([]scheduler.Rule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		if !sc.RuleEnabled() {
			continue
		}
		r := scheduler.Rule{Name: sc.Name, Spec: sc.Schedule, CacheKey: sc.CacheKey}
		for _, tn := range sc.Tasks {
			d, err := reg.Get(tn)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
			}
			r.Tasks = append(r.Tasks, d)
		}
		p, err := scheduler.ParseSchedule(sc.Schedule)
		if err == nil {
			_, err = p.Schedule()
		}
		if err != nil {
			return nil, fmt.Errorf("schedules.%s.schedule: %w", sc.Name, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func buildEndpoints(cfg *config.Config, reg *backend.Registry) ([]httpapi.Endpoint, error) {
	eps := make([]httpapi.Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		ttl, err := config.ParseTTL("endpoints."+ec.Name+".ttl", ec.TTL)
		if err != nil {
			return nil, err
		}
		ep := httpapi.Endpoint{Name: ec.Name, CacheKey: ec.CacheKey, TTL: ttl}
		if ec.Task != "" {
			d, err := reg.Get(ec.Task)
			if err != nil {
				return nil, fmt.Errorf("endpoint %q: %w", ec.Name, err)
			}
			ep.Task = &d
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.SchedulerEnabled(), Timezone: tz, StartupSpread: spread}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	var out httpapi.Config
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 30*time.Second); err != nil {
		return out, err
	}
	// Read-through requests can wait for a task; leave room for the longest default timeout.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 6*time.Minute); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	out.Addr = strings.TrimSpace(h.Addr)
	out.TriggerPerMinute = h.TriggerPerMinute
	out.Pprof = h.Pprof
	return out, nil
}

// mapAnalyticsConfig returns false when scoring is not configured.
func mapAnalyticsConfig(cfg *config.Config, reg *backend.Registry) (analytics.Config, bool, error) {
	sc := cfg.Scoring
	if sc == nil || sc.Task == "" {
		return analytics.Config{}, false, nil
	}
	d, err := reg.Get(sc.Task)
	if err != nil {
		return analytics.Config{}, false, fmt.Errorf("scoring.task: %w", err)
	}
	ttl, err := config.ParseDurationField("scoring.ttl", sc.TTL)
	if err != nil {
		return analytics.Config{}, false, err
	}
	kpiTTL, err := config.ParseDurationField("scoring.kpi_ttl", sc.KPITTL)
	if err != nil {
		return analytics.Config{}, false, err
	}
	feed := sc.FeedCSV
	if feed == "" {
		feed = filepath.Join(cfg.ProjectRoot, "combined_threats.csv")
	}
	return analytics.Config{Task: d, FeedCSV: feed, MaxRows: sc.MaxRows, ScoreTTL: ttl, KPITTL: kpiTTL}, true, nil
}

// validate checks what config.Validate cannot: schedule syntax, timezone and
// the cross-references that need the assembled registry.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if _, err := buildRules(cfg, reg); err != nil {
		return err
	}
	if _, err := buildEndpoints(cfg, reg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, _, err = mapAnalyticsConfig(cfg, reg)
	return err
}
