package config

import (
	"errors"
	"fmt"
	"strings"
)

var validKey = func(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\`) && !strings.Contains(s, "..")
}

// Validate checks cross-references and value formats. Errors name the field path.
// Recurrence expressions are checked by the scheduler (see app.validateConfig).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for name, t := range cfg.Tasks {
		p := "tasks." + name
		if !validKey(name) {
			errs = append(errs, fmt.Errorf("%s: invalid task name", p))
		}
		if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%s.command: required", p))
		}
		if _, err := ParseDurationField(p+".timeout", t.Timeout); err != nil {
			errs = append(errs, err)
		}
		if !oneOf(t.Input, "", "json", "none") {
			errs = append(errs, fmt.Errorf("%s.input: want json|none, got %q", p, t.Input))
		}
		if !oneOf(t.Output, "", "json", "jsonl", "text") {
			errs = append(errs, fmt.Errorf("%s.output: want json|jsonl|text, got %q", p, t.Output))
		}
		if !oneOf(t.Shape, "", "any", "items", "aggregate") {
			errs = append(errs, fmt.Errorf("%s.shape: want any|items|aggregate, got %q", p, t.Shape))
		}
		if t.MaxOutputBytes < 0 {
			errs = append(errs, fmt.Errorf("%s.max_output_bytes: must be >= 0", p))
		}
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		p := fmt.Sprintf("schedules[%d]", i)
		if !validKey(s.Name) {
			errs = append(errs, fmt.Errorf("%s.name: invalid or empty", p))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate rule %q", p, s.Name))
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", p))
		}
		if len(s.Tasks) == 0 {
			errs = append(errs, fmt.Errorf("%s.tasks: at least one task required", p))
		}
		for _, tn := range s.Tasks {
			if _, ok := cfg.Tasks[tn]; !ok {
				errs = append(errs, fmt.Errorf("%s.tasks: unknown task %q", p, tn))
			}
		}
		if s.CacheKey != "" && !validKey(s.CacheKey) {
			errs = append(errs, fmt.Errorf("%s.cache_key: invalid", p))
		}
	}

	seen = map[string]bool{}
	for i, e := range cfg.Endpoints {
		p := fmt.Sprintf("endpoints[%d]", i)
		if !validKey(e.Name) || seen[e.Name] {
			errs = append(errs, fmt.Errorf("%s.name: invalid or duplicate %q", p, e.Name))
		}
		seen[e.Name] = true
		if e.Task != "" {
			if _, ok := cfg.Tasks[e.Task]; !ok {
				errs = append(errs, fmt.Errorf("%s.task: unknown task %q", p, e.Task))
			}
		}
		if _, err := ParseTTL(p+".ttl", e.TTL); err != nil {
			errs = append(errs, err)
		}
	}

	if sc := cfg.Scoring; sc != nil && sc.Task != "" {
		if _, ok := cfg.Tasks[sc.Task]; !ok {
			errs = append(errs, fmt.Errorf("scoring.task: unknown task %q", sc.Task))
		}
		for path, raw := range map[string]string{"scoring.ttl": sc.TTL, "scoring.kpi_ttl": sc.KPITTL} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if _, err := ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread); err != nil {
		errs = append(errs, err)
	}
	for path, raw := range map[string]string{
		"http.read_timeout":  cfg.HTTP.ReadTimeout,
		"http.write_timeout": cfg.HTTP.WriteTimeout,
		"http.idle_timeout":  cfg.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if st := cfg.Storage; st != nil {
		if !oneOf(strings.ToLower(st.Driver), "", "file", "sqlite", "sqlite3", "memory") {
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func oneOf(v string, opts ...string) bool {
	for _, o := range opts {
		if v == o {
			return true
		}
	}
	return false
}
