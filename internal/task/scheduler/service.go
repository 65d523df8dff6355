package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"phishwatch/internal/clock"
	"phishwatch/internal/eventbus"
	"phishwatch/internal/storage"
	"phishwatch/internal/task/backend"
	"phishwatch/pkg/logx"
)

// Deps are the collaborators of the coordinator. Clock, Bus and Log are optional.
type Deps struct {
	Backend backend.Backend
	Store   storage.Store
	Clock   clock.Clock
	Bus     eventbus.Bus
	Log     logx.Logger
	// Seed makes startup spread deterministic; 0 picks one from the clock.
	Seed int64
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	loc     *time.Location
	clk     clock.Clock
	backend backend.Backend
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	seed    int64

	rules  []*rule
	byName map[string]*rule

	started  bool
	stopped  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
	wake     chan struct{}

	// runCtx parents every run; Stop cancels it after the grace period.
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Backend == nil || deps.Store == nil {
		return nil, errors.New("scheduler: backend and store are required")
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: timezone %q: %w", tz, err)
		}
		loc = l
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	s := &Service{
		cfg:     cfg,
		loc:     loc,
		clk:     deps.Clock,
		backend: deps.Backend,
		store:   deps.Store,
		bus:     deps.Bus,
		log:     deps.Log,
		seed:    deps.Seed,
		byName:  map[string]*rule{},
		wake:    make(chan struct{}, 1),
	}
	if s.clk == nil {
		s.clk = clock.Real{}
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.seed == 0 {
		s.seed = s.clk.Now().UnixNano()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s, nil
}

// Add registers a rule. Rules added after Start are armed immediately.
func (s *Service) Add(r Rule) error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return errors.New("scheduler: rule name required")
	}
	if len(r.Tasks) == 0 {
		return fmt.Errorf("scheduler: rule %q has no tasks", name)
	}
	if r.CacheKey == "" {
		r.CacheKey = name
	}
	if err := storage.ValidateKey(r.CacheKey); err != nil {
		return fmt.Errorf("scheduler: rule %q: %w", name, err)
	}
	p, err := ParseSchedule(r.Spec)
	if err != nil {
		return fmt.Errorf("scheduler: rule %q: %w", name, err)
	}
	sched, err := p.Schedule()
	if err != nil {
		return fmt.Errorf("scheduler: rule %q: %w", name, err)
	}
	r.Name = name

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byName[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	rr := &rule{Rule: r, parsed: p, schedule: sched}
	s.rules = append(s.rules, rr)
	s.byName[name] = rr
	s.armLocked(rr, s.clk.Now())
	if s.started {
		s.kick()
	}
	return nil
}

// armLocked computes the first fire time of rr from now.
func (s *Service) armLocked(rr *rule, now time.Time) {
	sched := rr.schedule
	rr.jitter = 0
	if rr.parsed.Kind == SpecInterval && s.cfg.StartupSpread > 0 {
		sched, rr.jitter = withStartupSpread(rr.schedule, rr.parsed.Every, s.cfg.StartupSpread, now, rr.Name, s.seed)
	}
	rr.next = sched.Next(now.In(s.loc))
}

// Start arms every rule from the current time and starts the tick loop.
// If the scheduler is disabled, Start only logs; manual triggers still work.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; rules run only on manual trigger", logx.Int("rules", len(s.rules)))
		return nil
	}

	now := s.clk.Now()
	for _, rr := range s.rules {
		s.armLocked(rr, now)
		s.log.Info("schedule armed",
			logx.String("rule", rr.Name),
			logx.String("spec", rr.Spec),
			logx.Time("next", rr.next),
			logx.Duration("startup_jitter", rr.jitter),
		)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	s.started = true
	go s.loop(loopCtx, s.loopDone)
	s.log.Info("scheduler started", logx.String("timezone", s.loc.String()), logx.Int("rules", len(s.rules)))
	return nil
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, ok := s.earliest()
		var (
			t clock.Timer
			c <-chan time.Time
		)
		if ok {
			t = s.clk.NewTimer(next.Sub(s.clk.Now()))
			c = t.C()
			s.log.Trace("next tick armed", logx.Time("at", next))
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-s.wake:
			if t != nil {
				t.Stop()
			}
		case now := <-c:
			for _, rr := range s.takeDue(now) {
				s.launch(rr, "schedule")
			}
		}
	}
}

func (s *Service) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best time.Time
	for _, rr := range s.rules {
		if rr.next.IsZero() {
			continue
		}
		if best.IsZero() || rr.next.Before(best) {
			best = rr.next
		}
	}
	return best, !best.IsZero()
}

// takeDue advances every rule whose fire time is <= now and returns them.
// Missed fire times coalesce into a single run.
func (s *Service) takeDue(now time.Time) []*rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*rule, 0, 2)
	for _, rr := range s.rules {
		if rr.next.IsZero() || rr.next.After(now) {
			continue
		}
		rr.prev = rr.next
		rr.next = rr.schedule.Next(now.In(s.loc))
		due = append(due, rr)
	}
	return due
}

// launch runs rr in the background under runCtx.
func (s *Service) launch(rr *rule, trigger string) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.execute(s.runCtx, rr, trigger)
	}()
}

// Fire runs, synchronously, every rule due at now, and returns their outcomes
// ordered by rule name. Tests drive the coordinator through it.
func (s *Service) Fire(ctx context.Context, now time.Time) []Outcome {
	due := s.takeDue(now)
	out := make([]Outcome, len(due))
	var wg sync.WaitGroup
	for i, rr := range due {
		wg.Add(1)
		go func(i int, rr *rule) {
			defer wg.Done()
			out[i] = s.execute(ctx, rr, "schedule")
		}(i, rr)
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}

// Trigger starts a manual run of name in the background. It returns
// ErrOverlapSkip if the rule is already running.
func (s *Service) Trigger(name string) error {
	// runs.Add happens under mu with the stopped check so Stop never waits
	// on a group that is still growing.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	rr, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownRule, name)
	}
	if !rr.state.tryAcquire() {
		s.mu.Unlock()
		s.recordSkip(rr, "manual")
		return ErrOverlapSkip
	}
	s.runs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		s.run(s.runCtx, rr, "manual")
	}()
	return nil
}

// RunNow runs name synchronously and returns its outcome.
func (s *Service) RunNow(ctx context.Context, name string) (Outcome, error) {
	rr, err := s.lookup(name)
	if err != nil {
		return Outcome{}, err
	}
	if !rr.state.tryAcquire() {
		return s.recordSkip(rr, "manual"), ErrOverlapSkip
	}
	return s.run(ctx, rr, "manual"), nil
}

func (s *Service) lookup(name string) (*rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	rr, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, name)
	}
	return rr, nil
}

// Stop halts the tick loop, waits up to StopGrace for in-flight runs, then
// cancels them (their processes are killed) and waits for them to unwind or
// for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stopLoop, loopDone := s.stopLoop, s.loopDone
	s.mu.Unlock()

	if stopLoop != nil {
		stopLoop()
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-done:
		s.runCancel()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	s.log.Warn("scheduler stop: cancelling in-flight runs")
	s.runCancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Started:  s.started && !s.stopped,
		Timezone: s.loc.String(),
		Now:      s.clk.Now(),
		Rules:    make([]RuleInfo, 0, len(s.rules)),
	}
	for _, rr := range s.rules {
		tasks := make([]string, 0, len(rr.Tasks))
		for _, d := range rr.Tasks {
			tasks = append(tasks, d.Name)
		}
		info := RuleInfo{
			Name:     rr.Name,
			Spec:     rr.Spec,
			Kind:     rr.parsed.Kind.String(),
			CacheKey: rr.CacheKey,
			Tasks:    tasks,
			Prev:     rr.prev,
			Jitter:   rr.jitter,
			Running:  rr.state.running(),
			Runs:     rr.runs,
			Failures: rr.failures,
			Skips:    rr.skips,
		}
		if snap.Started {
			info.Next = rr.next
		}
		if rr.last != nil {
			last := *rr.last
			info.Last = &last
		}
		snap.Rules = append(snap.Rules, info)
	}
	sort.Slice(snap.Rules, func(i, j int) bool { return snap.Rules[i].Name < snap.Rules[j].Name })
	return snap
}

// NextRuns previews the next n fire times of a schedule string from now in loc.
func NextRuns(spec string, now time.Time, loc *time.Location, n int) ([]time.Time, error) {
	p, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	sched, err := p.Schedule()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := now.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
