package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 */6 * * *", kind: SpecCron, source: "cron"},
		{name: "cron seconds", raw: "30 0 3 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron"},
		{name: "every descriptor", raw: "@every 2h", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 3 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed every hhmm", raw: "every:02:30", kind: SpecInterval, source: "hhmm", duration: 150 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule(): %v", err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0 */6 * *", "cron:", "61 * * * *", "interval:-5m", "00:00", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNextRuns_DefaultTable(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 17, 0, 0, time.UTC)
	cases := []struct {
		spec string
		want []time.Time
	}{
		{"0 3 * * *", []time.Time{
			time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 3, 3, 0, 0, 0, time.UTC),
		}},
		{"0 */6 * * *", []time.Time{
			time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
		}},
		{"0 */2 * * *", []time.Time{
			time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
		}},
	}
	for _, tc := range cases {
		got, err := NextRuns(tc.spec, now, time.UTC, 2)
		if err != nil {
			t.Fatalf("%s: %v", tc.spec, err)
		}
		for i := range tc.want {
			if !got[i].Equal(tc.want[i]) {
				t.Fatalf("%s run %d: got %v want %v", tc.spec, i, got[i], tc.want[i])
			}
		}
	}
}

func TestWithStartupSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p, _ := ParseSchedule("10m")
	base, _ := p.Schedule()

	s1, j1 := withStartupSpread(base, p.Every, 30*time.Second, now, "a", 42)
	_, j2 := withStartupSpread(base, p.Every, 30*time.Second, now, "a", 42)
	if j1 != j2 {
		t.Fatalf("jitter not deterministic for the same seed: %v vs %v", j1, j2)
	}
	if j1 < 0 || j1 >= 30*time.Second {
		t.Fatalf("jitter %v out of range", j1)
	}
	first := s1.Next(now)
	if !first.Equal(now.Add(10*time.Minute + j1)) {
		t.Fatalf("first=%v", first)
	}
	if _, j := withStartupSpread(base, p.Every, 0, now, "a", 42); j != 0 {
		t.Fatalf("zero spread should disable jitter")
	}
}
