package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"phishwatch/internal/clock"
	"phishwatch/pkg/logx"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type driverCase struct {
	name string
	open func(t *testing.T, clk clock.Clock) Store
}

func drivers() []driverCase {
	return []driverCase{
		{"file", func(t *testing.T, clk clock.Clock) Store {
			s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "cache")}, clk, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			return s
		}},
		{"sqlite", func(t *testing.T, clk clock.Clock) Store {
			s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cache.db")}, clk, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			return s
		}},
		{"memory", func(t *testing.T, clk clock.Clock) Store {
			s, err := Open(Config{Driver: "memory", Capacity: 16}, clk, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			return s
		}},
	}
}

func TestStore_FreshnessAndStaleness(t *testing.T) {
	t.Parallel()

	for _, dc := range drivers() {
		dc := dc
		t.Run(dc.name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(t0)
			s := dc.open(t, clk)
			defer s.Close()
			ctx := context.Background()

			if _, ok, err := s.Read(ctx, "ml_metrics", time.Hour); ok || err != nil {
				t.Fatalf("empty store: ok=%v err=%v", ok, err)
			}
			if err := s.Write(ctx, "ml_metrics", json.RawMessage(`{"accuracy":0.94}`)); err != nil {
				t.Fatalf("Write: %v", err)
			}

			clk.Advance(30 * time.Minute)
			e, ok, err := s.Read(ctx, "ml_metrics", time.Hour)
			if err != nil || !ok {
				t.Fatalf("fresh read: ok=%v err=%v", ok, err)
			}
			if !e.WrittenAt.Equal(t0) {
				t.Fatalf("WrittenAt=%v want %v", e.WrittenAt, t0)
			}

			// Boundary: exactly ttl old is still fresh.
			clk.Advance(30 * time.Minute)
			if _, ok, _ := s.Read(ctx, "ml_metrics", time.Hour); !ok {
				t.Fatalf("entry at exactly ttl should be fresh")
			}

			clk.Advance(time.Second)
			if _, ok, _ := s.Read(ctx, "ml_metrics", time.Hour); ok {
				t.Fatalf("stale entry reported present")
			}
			// The same entry is fresh for a caller with a longer TTL.
			if _, ok, _ := s.Read(ctx, "ml_metrics", 2*time.Hour); !ok {
				t.Fatalf("per-call ttl not honoured")
			}
		})
	}
}

func TestStore_SubMillisecondWriteTime(t *testing.T) {
	t.Parallel()

	for _, dc := range drivers() {
		t.Run(dc.name, func(t *testing.T) {
			t.Parallel()
			w := t0.Add(1234567 * time.Nanosecond)
			clk := clock.NewFake(w)
			s := dc.open(t, clk)
			defer s.Close()
			ctx := context.Background()

			if err := s.Write(ctx, "realtime_threats", json.RawMessage(`{"collected":1}`)); err != nil {
				t.Fatal(err)
			}
			clk.Set(w.Add(15 * time.Minute))
			e, ok, err := s.Read(ctx, "realtime_threats", 15*time.Minute)
			if err != nil || !ok {
				t.Fatalf("read at exactly ttl: ok=%v err=%v", ok, err)
			}
			if !e.WrittenAt.Equal(w) {
				t.Fatalf("WrittenAt=%v want %v", e.WrittenAt, w)
			}
		})
	}
}

func TestStore_RoundTripAndOverwrite(t *testing.T) {
	t.Parallel()

	docs := []string{
		`{"metrics":{"f1":0.91,"labels":["a","b"]},"image":"data:image/png;base64,AAAA"}`,
		`[{"url":"http://a.test","score":87}]`,
		`"plain text output\n"`,
		`null`,
	}
	for _, dc := range drivers() {
		dc := dc
		t.Run(dc.name, func(t *testing.T) {
			t.Parallel()
			clk := clock.NewFake(t0)
			s := dc.open(t, clk)
			defer s.Close()
			ctx := context.Background()

			for i, d := range docs {
				clk.Advance(time.Minute)
				if err := s.Write(ctx, "k", json.RawMessage(d)); err != nil {
					t.Fatalf("Write %d: %v", i, err)
				}
				e, ok, err := s.Read(ctx, "k", time.Hour)
				if err != nil || !ok {
					t.Fatalf("Read %d: ok=%v err=%v", i, ok, err)
				}
				if !jsonEqual(t, e.Value, json.RawMessage(d)) {
					t.Fatalf("round trip %d: got %s want %s", i, e.Value, d)
				}
				if !e.WrittenAt.Equal(clk.Now()) {
					t.Fatalf("overwrite did not restamp: %v vs %v", e.WrittenAt, clk.Now())
				}
			}
		})
	}
}

func TestStore_RejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, dc := range drivers() {
		dc := dc
		t.Run(dc.name, func(t *testing.T) {
			t.Parallel()
			s := dc.open(t, clock.NewFake(t0))
			defer s.Close()
			ctx := context.Background()

			for _, key := range []string{"", "../etc/passwd", "a/b", ".hidden"} {
				if err := s.Write(ctx, key, json.RawMessage(`1`)); !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("key %q: err=%v", key, err)
				}
			}
			if err := s.Write(ctx, "k", json.RawMessage(`{`)); err == nil {
				t.Fatalf("invalid JSON value accepted")
			}
		})
	}
}

func TestFileStore_LazyDirAndCorruption(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	clk := clock.NewFake(t0)
	s, err := Open(Config{Driver: "file", Path: dir}, clk, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("dir should not exist before first write: %v", err)
	}
	if _, ok, err := s.Read(ctx, "x", time.Hour); ok || err != nil {
		t.Fatalf("read before dir exists: ok=%v err=%v", ok, err)
	}
	if err := s.Write(ctx, "x", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}

	for name, content := range map[string]string{
		"truncated": `{"key":"x","value":{"a":`,
		"no-stamp":  `{"key":"x","value":{"a":1}}`,
		"garbage":   "\x00\x01binary",
	} {
		if err := os.WriteFile(filepath.Join(dir, "x.json"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, ok, err := s.Read(ctx, "x", time.Hour); ok || err != nil {
			t.Fatalf("%s: corrupted entry should read as absent, ok=%v err=%v", name, ok, err)
		}
	}

	// A later write repairs the entry.
	if err := s.Write(ctx, "x", json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	if e, ok, _ := s.Read(ctx, "x", time.Hour); !ok || string(e.Value) != `{"a":2}` {
		t.Fatalf("repair failed: ok=%v value=%s", ok, e.Value)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestFileStore_ConcurrentWritersNeverTear(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{Driver: "file", Path: t.TempDir()}, clock.Real{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a := json.RawMessage(`{"writer":"read-through","pad":"aaaaaaaaaaaaaaaaaaaaaaaa"}`)
	b := json.RawMessage(`{"writer":"scheduler","pad":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}`)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = s.Write(ctx, "shared", a) }()
		go func() { defer wg.Done(); _ = s.Write(ctx, "shared", b) }()
	}
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			e, ok, err := s.Read(ctx, "shared", time.Hour)
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			if ok && string(e.Value) != string(a) && string(e.Value) != string(b) {
				t.Errorf("torn value: %s", e.Value)
				return
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-readerDone

	e, ok, _ := s.Read(ctx, "shared", time.Hour)
	if !ok || (string(e.Value) != string(a) && string(e.Value) != string(b)) {
		t.Fatalf("final value is not one of the writes: %s", e.Value)
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	t.Parallel()

	s, _ := Open(Config{Driver: "memory"}, clock.NewFake(t0), logx.Nop())
	ctx := context.Background()
	v := json.RawMessage(`{"a":1}`)
	_ = s.Write(ctx, "k", v)
	v[2] = 'X'
	e, _, _ := s.Read(ctx, "k", time.Hour)
	if string(e.Value) != `{"a":1}` {
		t.Fatalf("store aliased caller bytes: %s", e.Value)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "redis"}, nil, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "sqlite"}, nil, logx.Nop()); err == nil {
		t.Fatalf("sqlite without path accepted")
	}
}

func TestFailureMarker(t *testing.T) {
	t.Parallel()

	m := FailureMarker{Rule: "ml_metrics", Task: "ml_metrics", Kind: "timeout", Error: "killed", FailedAt: t0}.Marshal()
	if !IsFailureMarker(m) {
		t.Fatalf("marker not recognised: %s", m)
	}
	for _, v := range []string{`{"ok":true}`, `[{"task_failed":true}]`, `{"task_failed":false}`, `"task_failed"`} {
		if IsFailureMarker(json.RawMessage(v)) {
			t.Fatalf("%s misdetected as marker", v)
		}
	}
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var x, y any
	if err := json.Unmarshal(a, &x); err != nil {
		t.Fatalf("unmarshal %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &y); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return reflect.DeepEqual(x, y)
}
