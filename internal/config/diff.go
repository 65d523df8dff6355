package config

import (
	"reflect"
	"sort"
	"strings"

	"phishwatch/pkg/logx"
)

// Restart-only sections: a change is logged but not applied until restart.
var restartSections = map[string]bool{
	"storage":   true,
	"tasks":     true,
	"schedules": true,
	"endpoints": true,
	"scoring":   true,
	"http":      true,
	"scheduler": true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) the subset of changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(s.Driver)),
				logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			)
		}
	}

	if oldCfg.SchedulerEnabled() != newCfg.SchedulerEnabled() ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.StartupSpread) != strings.TrimSpace(newCfg.Scheduler.StartupSpread) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if tc := diffTasks(oldCfg.Tasks, newCfg.Tasks); len(tc) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Any("tasks.changed", tc))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	if !reflect.DeepEqual(oldCfg.Endpoints, newCfg.Endpoints) {
		changed = append(changed, "endpoints")
		attrs = append(attrs, logx.Int("endpoints.count", len(newCfg.Endpoints)))
	}

	if !reflect.DeepEqual(oldCfg.Scoring, newCfg.Scoring) {
		changed = append(changed, "scoring")
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func diffTasks(oldM, newM map[string]TaskConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
