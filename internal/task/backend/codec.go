package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EncodeInput renders the stdin payload for d. A nil payload means "no stdin".
func EncodeInput(d Descriptor, input any) ([]byte, error) {
	if d.Input == InputNone {
		return nil, nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("input is not valid JSON")
		}
		return raw, nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return b, nil
}

// DecodeOutput turns captured stdout into one JSON document per d.Output and
// checks it against d.Shape.
func DecodeOutput(d Descriptor, stdout []byte) (json.RawMessage, error) {
	var (
		out json.RawMessage
		err error
	)
	switch d.Output {
	case OutputText:
		out, err = json.Marshal(string(stdout))
	case OutputJSONL:
		out, err = decodeJSONLines(stdout)
	default:
		out, err = decodeSingle(stdout)
	}
	if err != nil {
		return nil, err
	}
	if err := checkShape(d.Shape, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeSingle(b []byte) (json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty output")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON document")
	}
	return compact(raw), nil
}

func decodeJSONLines(b []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64<<10), len(b)+1)
	n := 0
	for line := 1; sc.Scan(); line++ {
		l := bytes.TrimSpace(sc.Bytes())
		if len(l) == 0 {
			continue
		}
		if !json.Valid(l) {
			return nil, fmt.Errorf("line %d: invalid JSON", line)
		}
		if n > 0 {
			buf.WriteByte(',')
		}
		buf.Write(compact(l))
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func checkShape(s OutputShape, doc json.RawMessage) error {
	want := byte(0)
	switch s {
	case ShapeItems:
		want = '['
	case ShapeAggregate:
		want = '{'
	default:
		return nil
	}
	if len(doc) == 0 || doc[0] != want {
		return fmt.Errorf("output shape %s: got %s", s, describe(doc))
	}
	return nil
}

func describe(doc json.RawMessage) string {
	if len(doc) == 0 {
		return "nothing"
	}
	switch doc[0] {
	case '[':
		return "array"
	case '{':
		return "object"
	case '"':
		return "string"
	case 'n':
		return "null"
	case 't', 'f':
		return "bool"
	default:
		return "number"
	}
}

func compact(b []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return append(json.RawMessage(nil), b...)
	}
	return buf.Bytes()
}

// capBuffer is an io.Writer that keeps at most limit bytes and records overflow.
// Writes always report success so the child never sees EPIPE.
type capBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.overflow = len(p) > 0 || c.overflow
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.overflow = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) Bytes() []byte { return c.buf.Bytes() }
