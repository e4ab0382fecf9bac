package trace

import "fmt"

// LayoutVersion is the revision of the host/kernel memory protocol.
// Kernels built against a different version must not be run.
const LayoutVersion = 1

const (
	// DefaultCapacity is the assumed maximum trace length plus the sentinel
	// slot: 512 values, 2048 bytes.
	DefaultCapacity = 512

	// DefaultMaxDirections fills one 64 KiB wasm page.
	DefaultMaxDirections = 16384

	// WasmPageSize is the linear memory page size.
	WasmPageSize = 65536

	wordSize = 4
)

// Layout is the contract shared by kernel compilation tooling and the
// harness: where directions go in, where the trace comes out, and what the
// entry point is called.
type Layout struct {
	Version    int    `yaml:"version" json:"version"`
	EntryPoint string `yaml:"entry_point" json:"entry_point"`

	// Linear-memory backends. Offsets are in bytes.
	DirectionsOffset uint32 `yaml:"directions_offset" json:"directions_offset"`
	MaxDirections    int    `yaml:"max_directions" json:"max_directions"`
	TraceOffset      uint32 `yaml:"trace_offset" json:"trace_offset"`
	TraceExport      string `yaml:"trace_export" json:"trace_export"`

	// Compute-dispatch backends.
	BindGroup         uint32 `yaml:"bind_group" json:"bind_group"`
	OutputBinding     uint32 `yaml:"output_binding" json:"output_binding"`
	DirectionsBinding uint32 `yaml:"directions_binding" json:"directions_binding"`

	// Capacity is the trace buffer size in values, sentinel slot included.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// DefaultLayout returns the version 1 layout with DefaultCapacity.
func DefaultLayout() Layout {
	return Layout{
		Version:           LayoutVersion,
		EntryPoint:        "cf",
		DirectionsOffset:  0,
		MaxDirections:     DefaultMaxDirections,
		TraceOffset:       WasmPageSize,
		TraceExport:       "outputOffset",
		BindGroup:         0,
		OutputBinding:     0,
		DirectionsBinding: 1,
		Capacity:          DefaultCapacity,
	}
}

// WithCapacity returns a copy of l with a different trace capacity.
func (l Layout) WithCapacity(n int) Layout {
	l.Capacity = n
	return l
}

// Validate checks the layout is internally consistent.
func (l Layout) Validate() error {
	if l.Version != LayoutVersion {
		return fmt.Errorf("layout version %d not supported (want %d)", l.Version, LayoutVersion)
	}
	if l.EntryPoint == "" {
		return fmt.Errorf("layout: empty entry point")
	}
	if l.Capacity < 1 {
		return fmt.Errorf("layout: capacity %d must be at least 1", l.Capacity)
	}
	if l.MaxDirections < 0 {
		return fmt.Errorf("layout: negative max directions %d", l.MaxDirections)
	}
	if l.DirectionsOffset%wordSize != 0 || l.TraceOffset%wordSize != 0 {
		return fmt.Errorf("layout: offsets must be %d-byte aligned", wordSize)
	}
	if l.OutputBinding == l.DirectionsBinding {
		return fmt.Errorf("layout: output and directions share binding %d", l.OutputBinding)
	}
	end := uint64(l.DirectionsOffset) + uint64(l.MaxDirections)*wordSize
	if end > uint64(l.TraceOffset) {
		return fmt.Errorf("layout: directions region [%d,%d) overlaps trace at %d",
			l.DirectionsOffset, end, l.TraceOffset)
	}
	return nil
}

// TraceBytes is the size of the trace buffer in bytes.
func (l Layout) TraceBytes() uint64 {
	return uint64(l.Capacity) * wordSize
}

// DirectionsBytes is the size of a directions buffer holding n entries.
// Device buffers cannot be empty, so the result is at least one word.
func DirectionsBytes(n int) uint64 {
	if n < 1 {
		n = 1
	}
	return uint64(n) * wordSize
}

// Pages returns how many wasm pages hold the directions and trace regions
// when the trace starts at traceOffset.
func (l Layout) Pages(traceOffset uint32) uint32 {
	end := uint64(traceOffset) + l.TraceBytes()
	return uint32((end + WasmPageSize - 1) / WasmPageSize)
}

// CapacityFor sizes a trace buffer for a trace of n values plus slack, never
// going below the layout's own capacity.
func (l Layout) CapacityFor(n int) int {
	want := 2*n + 1
	if want < l.Capacity {
		return l.Capacity
	}
	return want
}
