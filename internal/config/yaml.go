package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// secondsKeys hold cache TTLs, which may be written as a bare number of
// seconds. YAML decodes those as ints; they are kept as strings for ParseTTL.
var secondsKeys = map[string]bool{"ttl": true, "kpi_ttl": true}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON returns config content as JSON so both formats go through the same
// strict decoder. JSON input is returned unchanged.
func toJSON(name string, data []byte) ([]byte, error) {
	if !isYAML(name) {
		return data, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("yaml: config must be a single document")
	}

	j, err := json.Marshal(normalizeYAML("", v))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// normalizeYAML stringifies map keys and TTL numbers. key is the map key
// the value sits under.
func normalizeYAML(key string, in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			m[ks] = normalizeYAML(ks, v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(k, v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML("", x[i])
		}
		return x
	case int:
		if secondsKeys[key] {
			return strconv.Itoa(x)
		}
		return x
	default:
		return in
	}
}
