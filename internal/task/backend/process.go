package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"phishwatch/pkg/logx"
)

// ProcessBackend runs descriptors as child processes.
type ProcessBackend struct {
	log logx.Logger
	// waitDelay bounds pipe draining after the child is killed or exits while
	// a grandchild still holds stdout/stderr open.
	waitDelay time.Duration
}

type ProcessOption func(*ProcessBackend)

func WithLogger(l logx.Logger) ProcessOption { return func(p *ProcessBackend) { p.log = l } }

func WithWaitDelay(d time.Duration) ProcessOption {
	return func(p *ProcessBackend) { p.waitDelay = d }
}

func NewProcessBackend(opts ...ProcessOption) *ProcessBackend {
	p := &ProcessBackend{log: logx.Nop(), waitDelay: 2 * time.Second}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	p.log = p.log.With(logx.String("comp", "task.backend"))
	return p
}

// Invocation is the ephemeral record of one Invoke call.
type Invocation struct {
	ID        string
	Task      string
	PID       int
	StartedAt time.Time
	Elapsed   time.Duration
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
}

func (p *ProcessBackend) Invoke(ctx context.Context, d Descriptor, input any) (json.RawMessage, error) {
	d = d.WithDefaults()
	inv := Invocation{ID: uuid.NewString(), Task: d.Name, StartedAt: time.Now()}
	log := p.log.With(logx.String("task", d.Name), logx.String("invocation", inv.ID))

	out, err := p.run(ctx, d, input, &inv)
	inv.Elapsed = time.Since(inv.StartedAt)

	outcome := "ok"
	if err != nil {
		te, _ := AsError(err)
		te.Elapsed = inv.Elapsed
		outcome = string(te.Kind)
		log.Warn("task failed",
			logx.String("kind", outcome),
			logx.Int("pid", inv.PID),
			logx.Int("exit_code", inv.ExitCode),
			logx.Duration("elapsed", inv.Elapsed),
			logx.Snippet("stderr", inv.Stderr, 512),
			logx.Err(te.Err),
		)
	} else if log.Enabled(logx.LevelDebug) {
		log.Debug("task finished",
			logx.Int("pid", inv.PID),
			logx.Duration("elapsed", inv.Elapsed),
			logx.Int("stdout_bytes", len(inv.Stdout)),
			logx.Snippet("stdout", inv.Stdout, 256),
		)
	}
	taskInvocations.WithLabelValues(d.Name, outcome).Inc()
	taskDuration.WithLabelValues(d.Name, outcome).Observe(inv.Elapsed.Seconds())
	return out, err
}

// run always returns a *Error on failure.
func (p *ProcessBackend) run(ctx context.Context, d Descriptor, input any, inv *Invocation) (json.RawMessage, error) {
	fail := func(kind Kind, err error) error {
		return &Error{
			Kind:         kind,
			Task:         d.Name,
			InvocationID: inv.ID,
			PID:          inv.PID,
			ExitCode:     inv.ExitCode,
			Stdout:       inv.Stdout,
			Stderr:       inv.Stderr,
			Err:          err,
		}
	}

	if len(d.Command) == 0 {
		return nil, fail(KindSpawnFailure, errors.New("empty command"))
	}
	stdin, err := EncodeInput(d, input)
	if err != nil {
		return nil, fail(KindSpawnFailure, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.Command[0], d.Command[1:]...)
	cmd.Dir = d.Dir
	cmd.Env = mergeEnv(os.Environ(), d.Env)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = p.waitDelay

	stdout := &capBuffer{limit: d.MaxOutputBytes}
	stderr := &capBuffer{limit: d.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fail(KindSpawnFailure, err)
	}
	inv.PID = cmd.Process.Pid
	tasksRunning.WithLabelValues(d.Name).Inc()
	waitErr := cmd.Wait()
	tasksRunning.WithLabelValues(d.Name).Dec()

	inv.Stdout = stdout.Bytes()
	inv.Stderr = stderr.Bytes()
	if cmd.ProcessState != nil {
		inv.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fail(KindCanceled, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, fail(KindTimeout, fmt.Errorf("killed after %s", d.Timeout))
		}
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			return nil, fail(KindNonZeroExit, nil)
		case errors.Is(waitErr, exec.ErrWaitDelay) && inv.ExitCode == 0:
			// Exited cleanly but a grandchild kept the pipes open past WaitDelay.
		default:
			return nil, fail(KindSpawnFailure, waitErr)
		}
	}

	if len(inv.Stderr) > 0 {
		return nil, fail(KindDiagnosticOutput, nil)
	}
	if stdout.overflow {
		return nil, fail(KindOutputParseFailure, fmt.Errorf("stdout exceeded %d bytes", d.MaxOutputBytes))
	}
	out, err := DecodeOutput(d, inv.Stdout)
	if err != nil {
		return nil, fail(KindOutputParseFailure, err)
	}
	return out, nil
}

// mergeEnv overlays extra on base; keys in extra win.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
