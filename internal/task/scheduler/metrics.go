package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scheduleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phishwatch_schedule_runs_total",
	Help: "Schedule rule runs by outcome (ok, partial, failed, skipped, canceled)",
}, []string{"rule", "status"})

var scheduleRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "phishwatch_schedule_run_duration_seconds",
	Help:    "Wall time of schedule rule runs",
	Buckets: prometheus.ExponentialBucketsRange(0.01, 900, 16),
}, []string{"rule"})
