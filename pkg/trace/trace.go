// Package trace defines the data exchanged between the harness and a
// control-flow kernel: the directions it consumes, the block trace it
// produces, and the memory layout both sides agree on.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Direction is one branch decision consumed by the kernel.
type Direction uint32

// Value identifies a visited control-flow block. Zero is the sentinel.
type Value int32

// Sentinel marks the end of the written prefix of a trace buffer.
const Sentinel Value = 0

// Directions is an ordered sequence of branch decisions, consumed left to right.
type Directions []Direction

// Trace is the ordered list of blocks a kernel visited.
type Trace []Value

// TruncationPolicy decides what Extract returns when a buffer has no sentinel.
type TruncationPolicy int

const (
	// Reject drops the buffer contents and only reports the fault.
	Reject TruncationPolicy = iota
	// KeepPartial returns the full buffer next to the fault for diagnostics.
	KeepPartial
)

func (p TruncationPolicy) String() string {
	switch p {
	case Reject:
		return "reject"
	case KeepPartial:
		return "keep"
	default:
		return fmt.Sprintf("TruncationPolicy(%d)", int(p))
	}
}

// ParseTruncationPolicy parses "reject" or "keep".
func ParseTruncationPolicy(s string) (TruncationPolicy, error) {
	switch s {
	case "", "reject":
		return Reject, nil
	case "keep":
		return KeepPartial, nil
	}
	return Reject, fmt.Errorf("unknown truncation policy %q", s)
}

// ErrTruncated reports a trace buffer with no sentinel within its capacity.
var ErrTruncated = errors.New("truncation fault: no sentinel within trace capacity")

// Extract returns the prefix of raw ending before the first sentinel.
// A buffer without a sentinel always yields ErrTruncated; with KeepPartial
// the whole buffer is returned alongside the error.
func Extract(raw []Value, policy TruncationPolicy) (Trace, error) {
	for i, v := range raw {
		if v == Sentinel {
			out := make(Trace, i)
			copy(out, raw[:i])
			return out, nil
		}
	}
	if policy == KeepPartial {
		out := make(Trace, len(raw))
		copy(out, raw)
		return out, ErrTruncated
	}
	return nil, ErrTruncated
}

// Equal reports whether two traces visit the same blocks in the same order.
func (t Trace) Equal(o Trace) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of d.
func (d Directions) Clone() Directions {
	if d == nil {
		return nil
	}
	out := make(Directions, len(d))
	copy(out, d)
	return out
}

// EncodeDirections packs directions as little-endian u32 words.
func EncodeDirections(d Directions) []byte {
	buf := make([]byte, 4*len(d))
	for i, v := range d {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

// DecodeValues unpacks little-endian i32 words. Trailing bytes that do not
// form a whole word are ignored.
func DecodeValues(b []byte) []Value {
	out := make([]Value, len(b)/4)
	for i := range out {
		out[i] = Value(int32(binary.LittleEndian.Uint32(b[4*i:])))
	}
	return out
}

// EncodeValues packs values as little-endian i32 words.
func EncodeValues(v []Value) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(x)))
	}
	return buf
}

// DecodeDirections unpacks little-endian u32 words.
func DecodeDirections(b []byte) Directions {
	out := make(Directions, len(b)/4)
	for i := range out {
		out[i] = Direction(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
