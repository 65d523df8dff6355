package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseTTL is like ParseDurationField but also accepts a bare number of seconds,
// which is how cache TTLs are usually written ("1800").
func ParseTTL(path, raw string) (time.Duration, error) {
	d, err := ParseReadTTL(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("%s: ttl must be > 0", path)
	}
	return d, nil
}

// ParseReadTTL parses the freshness budget of a consumer read. Zero is allowed
// and only matches an entry written at this instant.
func ParseReadTTL(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%s: ttl required", path)
	}
	if strings.Trim(s, "0123456789") == "" {
		s += "s"
	}
	return ParseDurationField(path, s)
}
