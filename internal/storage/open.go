package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"phishwatch/internal/clock"
	"phishwatch/pkg/logx"
)

// Store is the TTL cache API.
type Store interface {
	// Read returns the entry for key if one exists and is at most ttl old.
	// A missing, stale or corrupted entry is reported as (Entry{}, false, nil);
	// only I/O failures are returned as errors.
	Read(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error)
	// Write replaces the entry for key, stamping it with the current time.
	Write(ctx context.Context, key string, value json.RawMessage) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		return openFile(cfg, clk, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, clk, log)
	case "memory":
		return openMemory(cfg, clk, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// readResult is the shared freshness/metrics step of every driver.
func readResult(e Entry, found bool, now time.Time, ttl time.Duration) (Entry, bool) {
	switch {
	case !found:
		cacheReads.WithLabelValues("miss").Inc()
		return Entry{}, false
	case !e.Fresh(now, ttl):
		cacheReads.WithLabelValues("stale").Inc()
		return Entry{}, false
	default:
		cacheReads.WithLabelValues("hit").Inc()
		return e, true
	}
}

func corrupt(log logx.Logger, key string, err error) (Entry, bool, error) {
	cacheReads.WithLabelValues("corrupt").Inc()
	log.Warn("cache entry unreadable; treating as absent", logx.String("key", key), logx.Err(err))
	return Entry{}, false, nil
}
