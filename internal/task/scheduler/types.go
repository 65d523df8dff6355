package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"phishwatch/internal/task/backend"
)

var (
	ErrOverlapSkip = errors.New("run skipped: previous run still in progress")
	ErrUnknownRule = errors.New("unknown schedule rule")
	ErrStopped     = errors.New("scheduler stopped")
	ErrDuplicate   = errors.New("duplicate schedule rule")
)

// Event types published on the bus.
const (
	EventStarted  = "schedule.started"
	EventFinished = "schedule.finished"
	EventFailed   = "schedule.failed"
	EventSkipped  = "schedule.skipped"
)

// Config controls the schedule coordinator.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local time
	// StartupSpread bounds the random first-run delay of interval rules. 0 disables it.
	StartupSpread time.Duration
	// StopGrace is how long Stop waits for in-flight runs before cancelling them.
	StopGrace time.Duration
}

// Rule is one entry of the recurrence table.
type Rule struct {
	Name string
	Spec string
	// Tasks run concurrently; with more than one, the stored value is an
	// object keyed by task name.
	Tasks []backend.Descriptor
	// CacheKey defaults to Name.
	CacheKey string
}

// Status is the result of one rule run.
type Status string

const (
	StatusOK       Status = "ok"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusCanceled Status = "canceled"
)

// Outcome describes one run (or skipped tick) of a rule.
type Outcome struct {
	Rule     string        `json:"rule"`
	Trigger  string        `json:"trigger"` // "schedule" | "manual"
	Status   Status        `json:"status"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	// Failed lists per-task failures of a partial run.
	Failed []string `json:"failed,omitempty"`
}

// runState tracks whether a rule has a run in flight.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// rule is the runtime form of Rule. next/prev/last are guarded by Service.mu.
type rule struct {
	Rule
	parsed   ParsedSpec
	schedule cron.Schedule
	jitter   time.Duration

	state runState

	next time.Time
	prev time.Time
	last *Outcome

	runs, failures, skips uint64
}

// RuleInfo is the snapshot view of a rule.
type RuleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Kind     string        `json:"kind"`
	CacheKey string        `json:"cache_key"`
	Tasks    []string      `json:"tasks"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Jitter   time.Duration `json:"startup_jitter,omitempty"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	Skips    uint64        `json:"skips"`
	Last     *Outcome      `json:"last,omitempty"`
}

// Snapshot is a lightweight view for diagnostics and the HTTP API.
type Snapshot struct {
	Enabled  bool       `json:"enabled"`
	Started  bool       `json:"started"`
	Timezone string     `json:"timezone"`
	Now      time.Time  `json:"now"`
	Rules    []RuleInfo `json:"rules"`
}
