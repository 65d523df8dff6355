package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phishwatch_cache_reads_total",
	Help: "Cache reads by result (hit, miss, stale, corrupt)",
}, []string{"result"})

var cacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phishwatch_cache_writes_total",
	Help: "Cache writes by status",
}, []string{"status"})
