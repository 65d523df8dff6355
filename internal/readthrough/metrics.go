package readthrough

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var readthroughTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phishwatch_readthrough_total",
	Help: "Read-through lookups by result (hit, computed, shared, failed, abandoned)",
}, []string{"result"})
