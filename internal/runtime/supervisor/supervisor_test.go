package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("listen failed")
	s.Go("http", func(context.Context) error { return boom })
	s.Go("watcher", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, boom) || !strings.HasPrefix(err.Error(), "http:") {
		t.Fatalf("Wait err=%v", err)
	}
	if s.Snapshot().Active != 0 {
		t.Fatalf("goroutines still active")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("bad", func(context.Context) error { panic("nil map") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil || !strings.Contains(err.Error(), "panic: nil map") {
		t.Fatalf("Stop err=%v", err)
	}
	snap := s.Snapshot()
	if len(snap.Workers) != 1 || snap.Workers[0].Panics != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var n atomic.Int32
	s.GoRestart("config_watch", func(context.Context) error {
		if n.Add(1) < 3 {
			return errors.New("inotify limit")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait err=%v", err)
	}
	if n.Load() != 3 {
		t.Fatalf("runs=%d", n.Load())
	}
	if w := s.Snapshot().Workers[0]; w.Restarts != 2 || w.Started != 3 {
		t.Fatalf("stats=%+v", w)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error { return errors.New("nope") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected final error")
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop err=%v", err)
	}
}
