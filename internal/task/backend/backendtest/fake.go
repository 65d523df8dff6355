// Package backendtest provides an in-process Backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"phishwatch/internal/task/backend"
)

// Handler computes the output for one task.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Fake dispatches Invoke to per-task handlers and counts calls.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]*atomic.Int64
	inputs   map[string][]json.RawMessage
}

func New() *Fake {
	return &Fake{
		handlers: map[string]Handler{},
		calls:    map[string]*atomic.Int64{},
		inputs:   map[string][]json.RawMessage{},
	}
}

// Handle registers h for task name.
func (f *Fake) Handle(name string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	if f.calls[name] == nil {
		f.calls[name] = &atomic.Int64{}
	}
	return f
}

// Returns registers a handler that always returns doc.
func (f *Fake) Returns(name, doc string) *Fake {
	return f.Handle(name, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(doc), nil
	})
}

// Fails registers a handler that always fails with kind.
func (f *Fake) Fails(name string, kind backend.Kind, stderr string) *Fake {
	return f.Handle(name, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &backend.Error{Kind: kind, Task: name, Stderr: []byte(stderr)}
	})
}

func (f *Fake) Invoke(ctx context.Context, d backend.Descriptor, input any) (json.RawMessage, error) {
	f.mu.Lock()
	h, ok := f.handlers[d.Name]
	c := f.calls[d.Name]
	f.mu.Unlock()
	if !ok {
		return nil, &backend.Error{Kind: backend.KindSpawnFailure, Task: d.Name, Err: fmt.Errorf("fake: no handler")}
	}
	c.Add(1)

	raw, err := backend.EncodeInput(d.WithDefaults(), input)
	if err != nil {
		return nil, &backend.Error{Kind: backend.KindSpawnFailure, Task: d.Name, Err: err}
	}
	f.mu.Lock()
	f.inputs[d.Name] = append(f.inputs[d.Name], raw)
	f.mu.Unlock()

	return h(ctx, raw)
}

// Calls returns how many times task name was invoked.
func (f *Fake) Calls(name string) int {
	f.mu.Lock()
	c := f.calls[name]
	f.mu.Unlock()
	if c == nil {
		return 0
	}
	return int(c.Load())
}

// Inputs returns the encoded inputs task name received, in call order.
func (f *Fake) Inputs(name string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.inputs[name]...)
}

// Gate blocks handlers until Release is called; Entered reports arrivals.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func NewGate() *Gate {
	return &Gate{entered: make(chan struct{}, 64), release: make(chan struct{})}
}

// Wrap returns h guarded by the gate.
func (g *Gate) Wrap(h Handler) Handler {
	return func(ctx context.Context, in json.RawMessage) (json.RawMessage, error) {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return h(ctx, in)
	}
}

func (g *Gate) Entered() <-chan struct{} { return g.entered }

func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }
