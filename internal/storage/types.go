package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrInvalidKey = errors.New("invalid cache key")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON record per key under Path (default)
//   - "sqlite": SQLite database file at Path
//   - "memory": bounded in-process LRU (Capacity entries), lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Capacity    int           // memory only; 0 means 1024
}

// Entry is one cached value.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"written_at"`
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.WrittenAt) }

// Fresh reports whether the entry is within ttl at now.
// An entry exactly ttl old is still fresh.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return !e.WrittenAt.IsZero() && e.Age(now) <= ttl
}

// ValidateKey rejects keys that can't be used as a file name.
func ValidateKey(key string) error {
	if key == "" || len(key) > 200 || strings.ContainsAny(key, "/\\\x00") || strings.Contains(key, "..") || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
