package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"phishwatch/internal/clock"
	"phishwatch/internal/config"
	"phishwatch/internal/task/backend"
	"phishwatch/internal/task/backend/backendtest"
	"phishwatch/internal/task/scheduler"
)

const testConfig = `
project_root: /srv/phishwatch
logging:
  level: error
storage:
  driver: memory
scheduler:
  timezone: UTC
tasks:
  ml_metrics:
    command: [python3, backend/scripts/run_ml_and_render.py]
    input: none
    shape: aggregate
    timeout: 180s
  phishtank:
    command: [python3, phishtank_fetcher.py]
    input: none
    output: text
    dir: backend/collectors
  urlhaus:
    command: [python3, urlhaus_fetcher.py]
    input: none
    output: text
  threat_scoring:
    command: [python3, threat_scoring.py]
    shape: items
schedules:
  - name: ml_metrics
    schedule: "0 3 * * *"
    tasks: [ml_metrics]
  - name: threat_collectors
    schedule: "0 */6 * * *"
    tasks: [phishtank, urlhaus]
  - name: paused
    schedule: "@hourly"
    tasks: [urlhaus]
    enabled: false
endpoints:
  - name: ml_metrics
    task: ml_metrics
    ttl: "86400"
  - name: threat_collectors
    ttl: 1h
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "phishwatch.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewApp_WiresConfig(t *testing.T) {
	t.Parallel()

	fake := backendtest.New().Returns("ml_metrics", `{"metrics":{"accuracy":0.9}}`)
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	a, err := NewApp(writeConfig(t, testConfig), WithBackend(fake), WithClock(clk))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	d, err := a.Registry().Get("phishtank")
	if err != nil {
		t.Fatal(err)
	}
	if d.Dir != "/srv/phishwatch/backend/collectors" || d.Output != backend.OutputText || d.Timeout != backend.DefaultTimeout {
		t.Fatalf("descriptor=%+v", d)
	}
	if d, _ := a.Registry().Get("ml_metrics"); d.Timeout != 180*time.Second || d.Dir != "/srv/phishwatch" {
		t.Fatalf("ml_metrics descriptor=%+v", d)
	}

	snap := a.Scheduler().Snapshot()
	if len(snap.Rules) != 2 || snap.Rules[0].Name != "ml_metrics" || snap.Rules[1].Name != "threat_collectors" {
		t.Fatalf("rules=%+v", snap.Rules)
	}

	out, err := a.Scheduler().RunNow(context.Background(), "ml_metrics")
	if err != nil || out.Status != scheduler.StatusOK {
		t.Fatalf("RunNow=%+v err=%v", out, err)
	}
	res, ok, err := a.Reader().Peek(context.Background(), "ml_metrics", 24*time.Hour)
	if err != nil || !ok {
		t.Fatalf("Peek ok=%v err=%v", ok, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(res.Value, &doc); err != nil || doc["metrics"] == nil {
		t.Fatalf("value=%s", res.Value)
	}
}

func TestNewApp_RejectsBadSchedule(t *testing.T) {
	t.Parallel()

	body := strings.Replace(testConfig, `"0 3 * * *"`, `"0 3 * *"`, 1)
	if _, err := NewApp(writeConfig(t, body), WithBackend(backendtest.New())); err == nil ||
		!strings.Contains(err.Error(), "schedules.ml_metrics.schedule") {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := config.ParseBytes("c.yaml", []byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := validate(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	badTZ := *base
	badTZ.Scheduler.Timezone = "Mars/Olympus"
	if err := validate(&badTZ); err == nil {
		t.Fatalf("bad timezone accepted")
	}

	sqliteNoPath := *base
	sqliteNoPath.Storage = &config.StorageConfig{Driver: "sqlite"}
	if err := validate(&sqliteNoPath); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	a, err := NewApp(writeConfig(t, testConfig), WithBackend(backendtest.New()))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Scheduler().Snapshot().Started {
		t.Fatalf("scheduler not started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if a.Err() != nil {
		t.Fatalf("Err=%v", a.Err())
	}
}

func TestApplyConfig_DetectsRestartSections(t *testing.T) {
	t.Parallel()

	a, err := NewApp(writeConfig(t, testConfig), WithBackend(backendtest.New()))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	prev := a.cfgm.Get()
	next := *prev
	next.Logging.Level = "debug"
	next.Schedules = append([]config.ScheduleConfig(nil), prev.Schedules[:1]...)
	_, _, restart := config.SummarizeConfigChange(prev, &next)
	if len(restart) != 1 || restart[0] != "schedules" {
		t.Fatalf("restart=%v", restart)
	}
	a.applyConfig(prev, &next)
}
