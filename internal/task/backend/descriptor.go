package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type InputEncoding string

const (
	InputJSON InputEncoding = "json"
	InputNone InputEncoding = "none"
)

type OutputDecoding string

const (
	OutputJSON  OutputDecoding = "json"
	OutputJSONL OutputDecoding = "jsonl"
	OutputText  OutputDecoding = "text"
)

type OutputShape string

const (
	ShapeAny       OutputShape = "any"
	ShapeItems     OutputShape = "items"
	ShapeAggregate OutputShape = "aggregate"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxOutputBytes = 10 << 20
)

// Descriptor is an immutable description of one external computation.
type Descriptor struct {
	Name    string
	Command []string
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Env is added on top of the parent environment.
	Env map[string]string

	Input  InputEncoding
	Output OutputDecoding
	Shape  OutputShape

	Timeout        time.Duration
	MaxOutputBytes int
}

// WithDefaults returns a copy with zero fields filled in.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Input == "" {
		d.Input = InputJSON
	}
	if d.Output == "" {
		d.Output = OutputJSON
	}
	if d.Shape == "" {
		d.Shape = ShapeAny
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxOutputBytes <= 0 {
		d.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return d
}

// Backend executes a descriptor with the given input.
//
// input may be a json.RawMessage (sent verbatim) or any value encodable by
// encoding/json. It is ignored when the descriptor's input encoding is "none".
type Backend interface {
	Invoke(ctx context.Context, d Descriptor, input any) (json.RawMessage, error)
}

// Registry is a read-only name -> descriptor table.
type Registry struct {
	byName map[string]Descriptor
}

func NewRegistry(ds ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(ds))}
	for _, d := range ds {
		if d.Name == "" {
			return nil, fmt.Errorf("backend: descriptor with empty name")
		}
		if len(d.Command) == 0 {
			return nil, fmt.Errorf("backend: descriptor %q has no command", d.Name)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("backend: duplicate descriptor %q", d.Name)
		}
		r.byName[d.Name] = d.WithDefaults()
	}
	return r, nil
}

func (r *Registry) Get(name string) (Descriptor, error) {
	if r != nil {
		if d, ok := r.byName[name]; ok {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
