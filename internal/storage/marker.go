package storage

import (
	"bytes"
	"encoding/json"
	"time"
)

// FailureMarker is stored in place of a value when a scheduled run fails, so
// consumers can tell "the last refresh failed" from "never computed".
type FailureMarker struct {
	TaskFailed bool      `json:"task_failed"`
	Rule       string    `json:"rule,omitempty"`
	Task       string    `json:"task"`
	Kind       string    `json:"kind"`
	Error      string    `json:"error"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	FailedAt   time.Time `json:"failed_at"`
}

var markerTag = []byte(`"task_failed"`)

// IsFailureMarker reports whether v is a FailureMarker document.
func IsFailureMarker(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '{' || !bytes.Contains(v, markerTag) {
		return false
	}
	var m struct {
		TaskFailed bool `json:"task_failed"`
	}
	return json.Unmarshal(v, &m) == nil && m.TaskFailed
}

// Marshal renders the marker; it never fails for well-formed markers.
func (m FailureMarker) Marshal() json.RawMessage {
	m.TaskFailed = true
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{"task_failed":true}`)
	}
	return b
}
