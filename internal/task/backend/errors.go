package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an invocation failure.
type Kind string

const (
	KindSpawnFailure       Kind = "spawn_failure"
	KindNonZeroExit        Kind = "non_zero_exit"
	KindDiagnosticOutput   Kind = "diagnostic_output"
	KindTimeout            Kind = "timeout"
	KindOutputParseFailure Kind = "output_parse_failure"
	// KindCanceled means the caller's context ended before the task did
	// (shutdown), as opposed to the descriptor's own timeout.
	KindCanceled Kind = "canceled"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its Kind.
var (
	ErrSpawnFailure       = errors.New("spawn failure")
	ErrNonZeroExit        = errors.New("non-zero exit")
	ErrDiagnosticOutput   = errors.New("diagnostic output on stderr")
	ErrTimeout            = errors.New("timeout")
	ErrOutputParseFailure = errors.New("output parse failure")
	ErrCanceled           = errors.New("canceled")

	ErrUnknownTask = errors.New("unknown task")
)

var kindSentinel = map[Kind]error{
	KindSpawnFailure:       ErrSpawnFailure,
	KindNonZeroExit:        ErrNonZeroExit,
	KindDiagnosticOutput:   ErrDiagnosticOutput,
	KindTimeout:            ErrTimeout,
	KindOutputParseFailure: ErrOutputParseFailure,
	KindCanceled:           ErrCanceled,
}

// Error is the failure of a single invocation. Stdout/Stderr hold whatever was
// captured before the failure (possibly truncated at MaxOutputBytes).
type Error struct {
	Kind         Kind
	Task         string
	InvocationID string
	PID          int
	ExitCode     int
	Elapsed      time.Duration
	Stdout       []byte
	Stderr       []byte
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("task ")
	b.WriteString(e.Task)
	b.WriteString(": ")
	b.WriteString(kindSentinel[e.Kind].Error())
	switch e.Kind {
	case KindNonZeroExit:
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	case KindTimeout:
		fmt.Fprintf(&b, " after %s", e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Kind == KindNonZeroExit || e.Kind == KindDiagnosticOutput {
		if s := firstLine(e.Stderr); s != "" {
			b.WriteString(": ")
			b.WriteString(s)
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := kindSentinel[e.Kind]
	return ok && s == target
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or "" if err is not a task failure.
func KindOf(err error) Kind {
	if te, ok := AsError(err); ok {
		return te.Kind
	}
	return ""
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return s
}
