package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Format selects how a trace is written out.
type Format string

const (
	FormatText Format = "text" // "1, 2, 5"
	FormatJSON Format = "json" // [1,2,5]
)

// ReadDirections decodes a JSON array of non-negative integers. Anything
// after the array is an error.
func ReadDirections(r io.Reader) (Directions, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []json.Number
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("directions: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("directions: trailing data after the array")
	}
	out := make(Directions, 0, len(raw))
	for i, n := range raw {
		d, err := parseDirection(n.String())
		if err != nil {
			return nil, fmt.Errorf("directions[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseDirections accepts either a JSON array ("[1,1,0]") or a bare
// comma-separated list ("1,1,0"). An empty string is an empty sequence.
func ParseDirections(s string) (Directions, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Directions{}, nil
	}
	if strings.HasPrefix(s, "[") {
		return ReadDirections(strings.NewReader(s))
	}
	parts := strings.Split(s, ",")
	out := make(Directions, 0, len(parts))
	for i, p := range parts {
		d, err := parseDirection(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("directions[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDirection(s string) (Direction, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("%d out of range [0, %d]", v, uint32(math.MaxUint32))
	}
	return Direction(v), nil
}

// String renders the trace comma-joined, the way trace files are stored.
func (t Trace) String() string {
	var b strings.Builder
	for i, v := range t {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(int64(v), 10))
	}
	return b.String()
}

// MarshalJSON keeps an empty trace as [] rather than null.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(t))
}

// String renders d as the JSON array it is read from.
func (d Directions) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range d {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	b.WriteByte(']')
	return b.String()
}

// MarshalJSON keeps empty directions as [] rather than null.
func (d Directions) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Direction(d))
}

// ParseTrace reads a trace in either output format.
func ParseTrace(s string) (Trace, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Trace{}, nil
	}
	var out Trace
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("trace: %w", err)
		}
		return out, nil
	}
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("trace: %w", err)
		}
		out = append(out, Value(v))
	}
	return out, nil
}

// Write emits t to w in the requested format, newline terminated.
func Write(w io.Writer, t Trace, f Format) error {
	var buf bytes.Buffer
	switch f {
	case FormatJSON:
		b, err := t.MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(b)
	case FormatText, "":
		buf.WriteString(t.String())
	default:
		return fmt.Errorf("unknown trace format %q", f)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
