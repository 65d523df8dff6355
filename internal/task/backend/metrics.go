package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var taskInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phishwatch_task_invocations_total",
	Help: "External task invocations by outcome",
}, []string{"task", "outcome"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "phishwatch_task_duration_seconds",
	Help:    "Wall time of external task invocations",
	Buckets: prometheus.ExponentialBucketsRange(0.01, 600, 16),
}, []string{"task", "outcome"})

var tasksRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "phishwatch_tasks_running",
	Help: "External task processes currently running",
}, []string{"task"})
