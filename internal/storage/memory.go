package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"phishwatch/internal/clock"
	"phishwatch/pkg/logx"
)

// memoryStore is a bounded LRU. Entries are copied in and out so callers
// can't mutate cached bytes.
type memoryStore struct {
	cache *lru.Cache[string, Entry]
	clk   clock.Clock
	log   logx.Logger
}

func openMemory(cfg Config, clk clock.Clock, log logx.Logger) (Store, error) {
	size := cfg.Capacity
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &memoryStore{cache: c, clk: clk, log: log}, nil
}

func (s *memoryStore) Read(ctx context.Context, key string, ttl time.Duration) (Entry, bool, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, false, err
	}
	e, found := s.cache.Get(key)
	got, ok := readResult(e, found, s.clk.Now(), ttl)
	if ok {
		got.Value = append(json.RawMessage(nil), got.Value...)
	}
	return got, ok, nil
}

func (s *memoryStore) Write(ctx context.Context, key string, value json.RawMessage) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("storage: value for %q is not valid JSON", key)
	}
	s.cache.Add(key, Entry{Key: key, Value: append(json.RawMessage(nil), value...), WrittenAt: s.clk.Now().UTC()})
	cacheWrites.WithLabelValues("ok").Inc()
	return nil
}

func (s *memoryStore) Close() error {
	s.cache.Purge()
	return nil
}
