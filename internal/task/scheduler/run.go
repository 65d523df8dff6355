package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"phishwatch/internal/eventbus"
	"phishwatch/internal/storage"
	"phishwatch/internal/task/backend"
	"phishwatch/pkg/logx"
)

const (
	markerSnippet = 4 << 10
	writeTimeout  = 10 * time.Second
)

// execute runs rr unless a previous run is still in flight.
func (s *Service) execute(ctx context.Context, rr *rule, trigger string) Outcome {
	if !rr.state.tryAcquire() {
		return s.recordSkip(rr, trigger)
	}
	return s.run(ctx, rr, trigger)
}

func (s *Service) recordSkip(rr *rule, trigger string) Outcome {
	out := Outcome{Rule: rr.Name, Trigger: trigger, Status: StatusSkipped, Started: s.clk.Now(), Error: ErrOverlapSkip.Error()}
	s.mu.Lock()
	rr.skips++
	s.mu.Unlock()
	scheduleRuns.WithLabelValues(rr.Name, string(StatusSkipped)).Inc()
	s.log.Debug("schedule tick skipped (previous run in progress)", logx.String("rule", rr.Name), logx.String("trigger", trigger))
	s.bus.Publish(eventbus.Event{Type: EventSkipped, Time: out.Started, Data: out})
	return out
}

// run executes rr; the caller must hold rr.state.
func (s *Service) run(ctx context.Context, rr *rule, trigger string) Outcome {
	defer rr.state.release()

	out := Outcome{Rule: rr.Name, Trigger: trigger, Started: s.clk.Now()}
	log := s.log.With(logx.String("rule", rr.Name), logx.String("trigger", trigger))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: out.Started, Data: out})
	log.Info("schedule run started", logx.String("key", rr.CacheKey))

	value, failed, err := s.runTasks(ctx, rr)

	// Persist even if shutdown began after the work finished.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	switch {
	case err != nil && isCanceled(ctx, err):
		out.Status = StatusCanceled
		out.Error = err.Error()
		log.Info("schedule run canceled; cache left unchanged")
	case err != nil:
		out.Status = StatusFailed
		out.Kind = failureKind(err)
		out.Error = err.Error()
		task := rr.Tasks[0].Name
		if te, ok := backend.AsError(err); ok {
			task = te.Task
		}
		marker := markerFor(rr.Name, task, err, s.clk.Now())
		if werr := s.store.Write(wctx, rr.CacheKey, marker); werr != nil {
			log.Error("failure marker write failed", logx.Err(werr))
		}
		log.Error("schedule run failed", logx.String("kind", out.Kind), logx.Err(err))
	default:
		out.Status = StatusOK
		if len(failed) > 0 {
			out.Status = StatusPartial
			out.Failed = failed
		}
		if werr := s.store.Write(wctx, rr.CacheKey, value); werr != nil {
			out.Status = StatusFailed
			out.Kind = "storage"
			out.Error = werr.Error()
			log.Error("schedule result write failed", logx.Err(werr))
		} else if out.Status == StatusPartial {
			log.Warn("schedule run partially failed", logx.Any("failed", failed))
		}
	}

	out.Duration = s.clk.Now().Sub(out.Started)
	s.record(rr, out)
	if out.Status == StatusOK || out.Status == StatusPartial {
		log.Info("schedule run finished", logx.String("status", string(out.Status)), logx.Duration("took", out.Duration))
	}
	return out
}

func (s *Service) record(rr *rule, out Outcome) {
	s.mu.Lock()
	rr.runs++
	if out.Status == StatusFailed {
		rr.failures++
	}
	last := out
	rr.last = &last
	s.mu.Unlock()

	scheduleRuns.WithLabelValues(rr.Name, string(out.Status)).Inc()
	scheduleRunDuration.WithLabelValues(rr.Name).Observe(out.Duration.Seconds())

	typ := EventFinished
	if out.Status == StatusFailed || out.Status == StatusCanceled {
		typ = EventFailed
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: out})
}

// runTasks returns the value to store. With several tasks it returns an
// object keyed by task name; failed tasks appear as failure markers and are
// listed in failed. The run only fails if every task failed. A task cancelled
// by shutdown cancels the whole run so the previous value is kept.
func (s *Service) runTasks(ctx context.Context, rr *rule) (json.RawMessage, []string, error) {
	if len(rr.Tasks) == 1 {
		out, err := s.invoke(ctx, rr.Tasks[0])
		return out, nil, err
	}

	outs := make([]json.RawMessage, len(rr.Tasks))
	errs := make([]error, len(rr.Tasks))
	var g errgroup.Group
	for i, d := range rr.Tasks {
		g.Go(func() error {
			outs[i], errs[i] = s.invoke(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	agg := make(map[string]json.RawMessage, len(rr.Tasks))
	var (
		failed   []string
		firstErr error
	)
	now := s.clk.Now()
	for i := range rr.Tasks {
		if errs[i] != nil && isCanceled(ctx, errs[i]) {
			return nil, nil, errs[i]
		}
	}
	for i, d := range rr.Tasks {
		if errs[i] != nil {
			failed = append(failed, d.Name)
			if firstErr == nil {
				firstErr = errs[i]
			}
			agg[d.Name] = markerFor(rr.Name, d.Name, errs[i], now)
			continue
		}
		agg[d.Name] = outs[i]
	}
	if len(failed) == len(rr.Tasks) {
		return nil, failed, firstErr
	}
	b, err := json.Marshal(agg)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate %s: %w", rr.Name, err)
	}
	return b, failed, nil
}

// invoke calls the backend, turning a panic into an error.
func (s *Service) invoke(ctx context.Context, d backend.Descriptor) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", d.Name), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			out, err = nil, fmt.Errorf("task %s panicked: %v", d.Name, r)
		}
	}()
	return s.backend.Invoke(ctx, d, nil)
}

func isCanceled(ctx context.Context, err error) bool {
	return errors.Is(err, backend.ErrCanceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
}

func failureKind(err error) string {
	if k := backend.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}

func markerFor(ruleName, task string, err error, now time.Time) json.RawMessage {
	m := storage.FailureMarker{
		Rule:     ruleName,
		Task:     task,
		Kind:     failureKind(err),
		Error:    err.Error(),
		FailedAt: now.UTC(),
	}
	if te, ok := backend.AsError(err); ok {
		m.ExitCode = te.ExitCode
		m.Stdout = snippet(te.Stdout)
		m.Stderr = snippet(te.Stderr)
	}
	return m.Marshal()
}

func snippet(b []byte) string {
	if len(b) > markerSnippet {
		b = b[len(b)-markerSnippet:]
	}
	return string(b)
}
