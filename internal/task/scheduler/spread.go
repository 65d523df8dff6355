package scheduler

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// startupSpreadSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// withStartupSpread delays the first run of an interval rule by a random
// amount in [0, min(every, maxSpread)), so rules registered together don't
// all spawn their processes in the same second. The jitter is derived from
// the rule name and seed, which keeps it stable for tests.
func withStartupSpread(base cron.Schedule, every, maxSpread time.Duration, now time.Time, name string, seed int64) (cron.Schedule, time.Duration) {
	spreadMax := min(every, maxSpread)
	if spreadMax <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewSource(seed ^ int64(fnv64a(name))))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
