package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBytes_YAMLDefaults(t *testing.T) {
	t.Parallel()

	in := []byte(`
logging:
  level: debug
  console: true
project_root: /srv/phish
scheduler:
  timezone: UTC
`)
	cfg, err := ParseBytes("config.yaml", in)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging not decoded: %+v", cfg.Logging)
	}
	if !cfg.SchedulerEnabled() {
		t.Fatalf("scheduler should default to enabled")
	}
	if len(cfg.Schedules) != 3 {
		t.Fatalf("default schedules: got %d want 3", len(cfg.Schedules))
	}
	ml, ok := cfg.Tasks["ml_metrics"]
	if !ok {
		t.Fatalf("default task ml_metrics missing")
	}
	if !strings.HasPrefix(ml.Command[1], "/srv/phish/") {
		t.Fatalf("task path not rooted at project_root: %v", ml.Command)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage default: %+v", cfg.Storage)
	}
}

func TestParseBytes_YAMLBareSecondsTTL(t *testing.T) {
	t.Parallel()

	in := []byte(`
endpoints:
  - name: threat_dashboard
    task: threat_dashboard
    ttl: 1800
scoring:
  task: threat_scoring
  kpi_ttl: 600
  max_rows: 50
`)
	cfg, err := ParseBytes("phishwatch.yml", in)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Endpoints[0].TTL != "1800" || cfg.Scoring.KPITTL != "600" || cfg.Scoring.MaxRows != 50 {
		t.Fatalf("endpoints=%+v scoring=%+v", cfg.Endpoints, cfg.Scoring)
	}

	if _, err := ParseBytes("phishwatch.yaml", []byte("project_root: /a\n---\nproject_root: /b\n")); err == nil {
		t.Fatalf("multi-document yaml accepted")
	}
}

func TestDefaultTasks_ScriptPaths(t *testing.T) {
	t.Parallel()

	tasks := DefaultTasks("/srv/phishwatch")
	cases := map[string]string{
		"threat_scoring":    "/srv/phishwatch/threat_scoring.py",
		"ml_metrics":        "/srv/phishwatch/backend/scripts/run_ml_and_render.py",
		"model_performance": "/srv/phishwatch/analytics/model_monitoring/performance_logger.py",
	}
	for name, want := range cases {
		cmd := tasks[name].Command
		if len(cmd) != 2 || cmd[1] != want {
			t.Fatalf("%s command=%v want script %s", name, cmd, want)
		}
	}
}

func TestParseBytes_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ParseBytes("config.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseBytes_RejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := ParseBytes("config.json", []byte(`{} {}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Tasks: map[string]TaskConfig{
				"a": {Command: []string{"true"}},
			},
			Schedules: []ScheduleConfig{{Name: "r", Schedule: "@hourly", Tasks: []string{"a"}}},
			Endpoints: []EndpointConfig{{Name: "e", Task: "a", TTL: "1800"}},
		}
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing command", func(c *Config) { c.Tasks["a"] = TaskConfig{} }, "tasks.a.command"},
		{"bad timeout", func(c *Config) { c.Tasks["a"] = TaskConfig{Command: []string{"x"}, Timeout: "soon"} }, "tasks.a.timeout"},
		{"bad output", func(c *Config) { c.Tasks["a"] = TaskConfig{Command: []string{"x"}, Output: "xml"} }, "tasks.a.output"},
		{"unknown rule task", func(c *Config) { c.Schedules[0].Tasks = []string{"nope"} }, "unknown task"},
		{"dup rule", func(c *Config) { c.Schedules = append(c.Schedules, c.Schedules[0]) }, "duplicate"},
		{"path key", func(c *Config) { c.Schedules[0].CacheKey = "../etc" }, "cache_key"},
		{"zero ttl", func(c *Config) { c.Endpoints[0].TTL = "0" }, "ttl must be > 0"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %v should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseTTL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"1800", 30 * time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"", 0, true},
		{"-1s", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseTTL("ttl", tc.in)
		if (err != nil) != tc.err {
			t.Fatalf("ParseTTL(%q) err=%v wantErr=%v", tc.in, err, tc.err)
		}
		if got != tc.want {
			t.Fatalf("ParseTTL(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseReadTTL_AllowsZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"0", 0, false},
		{"0s", 0, false},
		{"60", time.Minute, false},
		{"", 0, true},
		{"-5", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseReadTTL("ttl", tc.in)
		if (err != nil) != tc.err {
			t.Fatalf("ParseReadTTL(%q) err=%v wantErr=%v", tc.in, err, tc.err)
		}
		if got != tc.want {
			t.Fatalf("ParseReadTTL(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseTTL("ttl", "0"); err == nil {
		t.Fatalf("ParseTTL should still reject 0 for configured ttls")
	}
}

func TestSummarizeConfigChange_RestartSections(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyDefaults(oldCfg)
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(newCfg)
	newCfg.Schedules = newCfg.Schedules[:1]

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,schedules" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(restart, ",") != "schedules" {
		t.Fatalf("restart=%v", restart)
	}
}

func TestManagerWatch_PublishesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("committed level=%q", got)
	}

	cancel()
	<-done
}
