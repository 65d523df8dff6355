package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"phishwatch/internal/clock"
	"phishwatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	clk clock.Clock
	log logx.Logger
}

func openSQLite(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes UPSERTs per process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, clk: clk, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Read(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, ErrDisabled
	}
	if err := ValidateKey(key); err != nil {
		return Entry{}, false, err
	}
	var (
		value string
		ns    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, written_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		e, ok := readResult(Entry{}, false, s.clk.Now(), ttl)
		return e, ok, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if !json.Valid([]byte(value)) || ns <= 0 {
		return corrupt(s.log, key, errors.New("row holds invalid JSON or timestamp"))
	}
	e := Entry{Key: key, Value: json.RawMessage(value), WrittenAt: time.Unix(0, ns).UTC()}
	got, ok := readResult(e, true, s.clk.Now(), ttl)
	return got, ok, nil
}

func (s *sqliteStore) Write(ctx context.Context, key string, value json.RawMessage) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("storage: value for %q is not valid JSON", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries(key, value, written_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, written_at=excluded.written_at`,
		key, string(value), s.clk.Now().UnixNano(),
	)
	if err != nil {
		cacheWrites.WithLabelValues("error").Inc()
		return err
	}
	cacheWrites.WithLabelValues("ok").Inc()
	return nil
}
