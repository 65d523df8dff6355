//go:build unix

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func sh(name, script string) Descriptor {
	return Descriptor{Name: name, Command: []string{"/bin/sh", "-c", script}, Timeout: 5 * time.Second}
}

func TestProcessBackend_Success(t *testing.T) {
	t.Parallel()

	b := NewProcessBackend()
	d := sh("echo_input", `cat`)
	out, err := b.Invoke(context.Background(), d, map[string]any{"url": "http://x.test", "n": 1})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if got["url"] != "http://x.test" {
		t.Fatalf("round-trip through stdin failed: %s", out)
	}
}

func TestProcessBackend_Classification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		d        Descriptor
		sentinel error
		kind     Kind
	}{
		{"spawn", Descriptor{Name: "spawn", Command: []string{"/nonexistent/binary"}}, ErrSpawnFailure, KindSpawnFailure},
		{"nonzero", sh("nonzero", `echo boom >&2; exit 3`), ErrNonZeroExit, KindNonZeroExit},
		// Exit 0 with a warning on stderr is still a failure.
		{"diagnostic", sh("diag", `echo '{"ok":true}'; echo 'DeprecationWarning: x' >&2`), ErrDiagnosticOutput, KindDiagnosticOutput},
		{"parse", sh("parse", `echo 'not json'`), ErrOutputParseFailure, KindOutputParseFailure},
		{"empty", sh("empty", `true`), ErrOutputParseFailure, KindOutputParseFailure},
		{"shape", func() Descriptor { d := sh("shape", `echo '{"a":1}'`); d.Shape = ShapeItems; return d }(), ErrOutputParseFailure, KindOutputParseFailure},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewProcessBackend().Invoke(context.Background(), tc.d, nil)
			if !errors.Is(err, tc.sentinel) {
				t.Fatalf("err=%v, want %v", err, tc.sentinel)
			}
			if KindOf(err) != tc.kind {
				t.Fatalf("kind=%q want %q", KindOf(err), tc.kind)
			}
		})
	}
}

func TestProcessBackend_NonZeroCarriesDiagnostics(t *testing.T) {
	t.Parallel()

	_, err := NewProcessBackend().Invoke(context.Background(), sh("fail", `echo partial; echo 'Traceback: x' >&2; exit 2`), nil)
	te, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if te.ExitCode != 2 {
		t.Fatalf("exit code=%d", te.ExitCode)
	}
	if !strings.Contains(string(te.Stderr), "Traceback") || !strings.Contains(string(te.Stdout), "partial") {
		t.Fatalf("diagnostics not captured: stdout=%q stderr=%q", te.Stdout, te.Stderr)
	}
	if !strings.Contains(te.Error(), "exit 2") {
		t.Fatalf("message %q should mention exit code", te.Error())
	}
}

func TestProcessBackend_DiagnosticKeepsStdout(t *testing.T) {
	t.Parallel()

	_, err := NewProcessBackend().Invoke(context.Background(), sh("diag", `echo '{"ok":true}'; echo warn >&2`), nil)
	te, ok := AsError(err)
	if !ok || te.Kind != KindDiagnosticOutput {
		t.Fatalf("err=%v", err)
	}
	if strings.TrimSpace(string(te.Stdout)) != `{"ok":true}` {
		t.Fatalf("stdout=%q", te.Stdout)
	}
}

func TestProcessBackend_TimeoutKillsProcess(t *testing.T) {
	t.Parallel()

	pidFile := filepath.Join(t.TempDir(), "pid")
	d := sh("slow", `echo $$ > "`+pidFile+`"; exec sleep 30`)
	d.Timeout = 300 * time.Millisecond

	start := time.Now()
	_, err := NewProcessBackend().Invoke(context.Background(), d, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v, want timeout", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("Invoke returned after %s; process was not killed promptly", elapsed)
	}

	b, rerr := os.ReadFile(pidFile)
	if rerr != nil {
		t.Fatalf("pid file: %v", rerr)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	if pid <= 0 {
		t.Fatalf("bad pid %q", b)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("process %d still exists after timeout (kill 0 -> %v)", pid, err)
	}
}

func TestProcessBackend_ParentCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := NewProcessBackend().Invoke(ctx, sh("cancel", `exec sleep 30`), nil)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err=%v, want canceled", err)
	}
}

func TestProcessBackend_InputEncodeFailureIsSpawnFailure(t *testing.T) {
	t.Parallel()

	_, err := NewProcessBackend().Invoke(context.Background(), sh("enc", `cat`), map[string]any{"f": func() {}})
	if KindOf(err) != KindSpawnFailure {
		t.Fatalf("err=%v", err)
	}
}

func TestProcessBackend_OutputCap(t *testing.T) {
	t.Parallel()

	d := sh("big", `printf '"%0100d"' 0`)
	d.MaxOutputBytes = 16
	_, err := NewProcessBackend().Invoke(context.Background(), d, nil)
	if KindOf(err) != KindOutputParseFailure {
		t.Fatalf("err=%v", err)
	}
}

func TestProcessBackend_EnvAndDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	d := sh("env", `printf '{"v":"%s","pwd":"%s"}' "$PW_TEST" "$(pwd -P)"`)
	d.Input = InputNone
	d.Dir = dir
	d.Env = map[string]string{"PW_TEST": "hello"}
	out, err := NewProcessBackend().Invoke(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var got struct{ V, Pwd string }
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if got.V != "hello" || got.Pwd != want {
		t.Fatalf("got %+v, want v=hello pwd=%s", got, want)
	}
}
