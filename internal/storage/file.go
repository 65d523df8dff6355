package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"phishwatch/internal/clock"
	"phishwatch/pkg/logx"
)

// fileStore keeps one <key>.json record per entry. The directory is created
// on first write so a fresh install reads as "all absent".
type fileStore struct {
	dir string
	clk clock.Clock
	log logx.Logger

	// dirMade is set after the first successful MkdirAll; a failed attempt is retried.
	mu      sync.Mutex
	dirMade bool
}

func openFile(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "./cache"
	}
	return &fileStore{dir: filepath.Clean(dir), clk: clk, log: log}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) path(key string) string { return filepath.Join(s.dir, key+".json") }

func (s *fileStore) Read(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		e, ok := readResult(Entry{}, false, s.clk.Now(), ttl)
		return e, ok, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	e, err := decodeRecord(key, b)
	if err != nil {
		return corrupt(s.log, key, err)
	}
	got, ok := readResult(e, true, s.clk.Now(), ttl)
	return got, ok, nil
}

func (s *fileStore) Write(ctx context.Context, key string, value json.RawMessage) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("storage: value for %q is not valid JSON", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDir(); err != nil {
		cacheWrites.WithLabelValues("error").Inc()
		return err
	}

	rec, err := json.Marshal(Entry{Key: key, Value: value, WrittenAt: s.clk.Now().UTC()})
	if err != nil {
		return err
	}
	if err := writeAtomic(s.dir, key, rec); err != nil {
		cacheWrites.WithLabelValues("error").Inc()
		return err
	}
	cacheWrites.WithLabelValues("ok").Inc()
	return nil
}

func (s *fileStore) ensureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirMade {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("storage: create cache dir: %w", err)
	}
	s.dirMade = true
	return nil
}

// writeAtomic writes to a temp file in dir and renames it over <key>.json,
// so concurrent readers see either the old or the new record, never a mix.
func writeAtomic(dir, key string, data []byte) error {
	f, err := os.CreateTemp(dir, "."+key+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, key+".json"))
}

func decodeRecord(key string, b []byte) (Entry, error) {
	var e Entry
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return Entry{}, err
	}
	if e.WrittenAt.IsZero() {
		return Entry{}, errors.New("record has no written_at")
	}
	if len(e.Value) == 0 || !json.Valid(e.Value) {
		return Entry{}, errors.New("record has no valid value")
	}
	if e.Key == "" {
		e.Key = key
	}
	return e, nil
}
