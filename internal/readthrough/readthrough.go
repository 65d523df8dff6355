// Package readthrough serves cached results and computes them on a miss.
//
// Concurrent misses for the same key share one backend invocation. The key
// must identify the input as well as the task: two callers that pass the same
// key with different inputs get whichever result the first caller computed.
package readthrough

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"phishwatch/internal/clock"
	"phishwatch/internal/storage"
	"phishwatch/internal/task/backend"
	"phishwatch/pkg/logx"
)

// Result is what GetOrCompute hands back to callers.
type Result struct {
	Key       string
	Value     json.RawMessage
	FromCache bool
	// Shared is true when this caller joined a computation started by another.
	Shared    bool
	WrittenAt time.Time
}

var ErrClosed = errors.New("readthrough: coordinator closed")

type Coordinator struct {
	store   storage.Store
	backend backend.Backend
	clk     clock.Clock
	log     logx.Logger

	group singleflight.Group

	// root bounds every flight; Close cancels it.
	root    context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	flights sync.WaitGroup
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option { return func(rt *Coordinator) { rt.clk = c } }

func WithLogger(l logx.Logger) Option { return func(rt *Coordinator) { rt.log = l } }

func New(store storage.Store, be backend.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, backend: be, clk: clock.Real{}, log: logx.Nop()}
	c.root, c.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	c.log = c.log.With(logx.String("comp", "readthrough"))
	return c
}

// Peek returns the cached value for key if it is fresh, without computing.
// Failure markers are returned as-is; callers decide how to present them.
func (c *Coordinator) Peek(ctx context.Context, key string, ttl time.Duration) (Result, bool, error) {
	e, ok, err := c.store.Read(ctx, key, ttl)
	if err != nil || !ok {
		return Result{}, false, err
	}
	return Result{Key: key, Value: e.Value, FromCache: true, WrittenAt: e.WrittenAt}, true, nil
}

// GetOrCompute returns the entry for key if it is at most ttl old. Otherwise it
// invokes d with input, stores the output under key and returns it.
//
// A failed invocation leaves the cache untouched and returns the backend error.
// A fresh failure marker left by a scheduled run counts as a miss.
//
// If ctx ends while waiting, GetOrCompute returns ctx.Err() but the computation
// keeps running for the other waiters; it is bounded by d.Timeout and by Close.
func (c *Coordinator) GetOrCompute(ctx context.Context, key string, ttl time.Duration, d backend.Descriptor, input any) (Result, error) {
	if err := storage.ValidateKey(key); err != nil {
		return Result{}, err
	}
	if ttl < 0 {
		return Result{}, fmt.Errorf("readthrough: ttl must be >= 0 (key %q)", key)
	}

	if res, ok := c.lookup(ctx, key, ttl); ok {
		readthroughTotal.WithLabelValues("hit").Inc()
		return res, nil
	}

	if c.root.Err() != nil {
		return Result{}, ErrClosed
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if !c.enter() {
			return nil, ErrClosed
		}
		defer c.flights.Done()

		// Detach from the first caller, others may still be waiting on us.
		// The flight keeps the caller's values but ends with the coordinator.
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(c.root, cancel)
		defer stop()

		// Another flight may have filled the entry between our read and now.
		if res, ok := c.lookup(fctx, key, ttl); ok {
			return res, nil
		}
		return c.compute(fctx, key, d, input)
	})

	select {
	case <-ctx.Done():
		readthroughTotal.WithLabelValues("abandoned").Inc()
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			readthroughTotal.WithLabelValues("failed").Inc()
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Shared = r.Shared
		switch {
		case res.FromCache:
			readthroughTotal.WithLabelValues("hit").Inc()
		case r.Shared:
			readthroughTotal.WithLabelValues("shared").Inc()
		default:
			readthroughTotal.WithLabelValues("computed").Inc()
		}
		return res, nil
	}
}

func (c *Coordinator) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.flights.Add(1)
	return true
}

// Close cancels in-flight computations and waits for them to return, or for
// ctx to end. Later calls to GetOrCompute fail with ErrClosed.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.flights.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lookup(ctx context.Context, key string, ttl time.Duration) (Result, bool) {
	e, ok, err := c.store.Read(ctx, key, ttl)
	if err != nil {
		c.log.Warn("cache read failed; recomputing", logx.String("key", key), logx.Err(err))
		return Result{}, false
	}
	if !ok || storage.IsFailureMarker(e.Value) {
		return Result{}, false
	}
	return Result{Key: key, Value: e.Value, FromCache: true, WrittenAt: e.WrittenAt}, true
}

func (c *Coordinator) compute(ctx context.Context, key string, d backend.Descriptor, input any) (Result, error) {
	start := c.clk.Now()
	out, err := c.backend.Invoke(ctx, d, input)
	if err != nil {
		c.log.Warn("compute failed; cache left unchanged",
			logx.String("key", key),
			logx.String("task", d.Name),
			logx.String("kind", string(backend.KindOf(err))),
			logx.Err(err),
		)
		return Result{}, err
	}

	now := c.clk.Now()
	if werr := c.store.Write(ctx, key, out); werr != nil {
		// The caller still gets the value; the next request recomputes.
		c.log.Error("cache write failed", logx.String("key", key), logx.Err(werr))
	}
	c.log.Debug("computed", logx.String("key", key), logx.String("task", d.Name), logx.Duration("took", now.Sub(start)))
	return Result{Key: key, Value: out, WrittenAt: now}, nil
}
