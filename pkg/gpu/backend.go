package gpu

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/trace"
)

const name = "gpu"

// Backend is a compute-dispatch backend over one opened Device.
type Backend struct {
	dev    Device
	layout trace.Layout
	log    *zap.Logger
	driver string
}

// NewBackend wraps an opened device. Close releases it.
func NewBackend(dev Device, driver string, l trace.Layout, logger *zap.Logger) (*Backend, error) {
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBinding, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{dev: dev, layout: l, log: logger.Named(name), driver: driver}, nil
}

// Factory returns a backend.Factory that opens a fresh device with driver
// for every run.
func Factory(driver string, opts Options, l trace.Layout, logger *zap.Logger) backend.Factory {
	return func(ctx context.Context) (backend.Backend, error) {
		if opts.Logger == nil {
			opts.Logger = logger
		}
		dev, err := Open(ctx, driver, opts)
		if err != nil {
			return nil, err
		}
		b, err := NewBackend(dev, driver, l, logger)
		if err != nil {
			dev.Release(context.WithoutCancel(ctx))
			return nil, err
		}
		return b, nil
	}
}

func (b *Backend) Name() string { return name + "/" + b.driver }

type memory struct {
	capacity int
	output   Buffer
	input    Buffer // zero when the kernel takes no directions
	staging  Buffer
}

func (m *memory) Capacity() int { return m.capacity }

func (m *memory) traceBytes() uint64 { return uint64(m.capacity) * 4 }

type pipeline struct {
	handle Pipeline
	entry  string
}

func (p *pipeline) EntryPoint() string { return p.entry }

// Bind creates the output, directions and staging buffers. The output
// buffer starts zeroed; the directions buffer holds exactly the given
// directions.
func (b *Backend) Bind(ctx context.Context, req backend.BindRequest) (backend.Memory, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m := &memory{capacity: req.Capacity}
	size := m.traceBytes()

	var err error
	if m.output, err = b.dev.CreateBuffer(ctx, size, UsageStorage|UsageCopySrc|UsageCopyDst); err != nil {
		return nil, bindErr("output buffer", err)
	}
	if err := b.dev.WriteBuffer(ctx, m.output, 0, make([]byte, size)); err != nil {
		return nil, bindErr("zero output buffer", err)
	}
	if !req.NoInput {
		n := len(req.Directions)
		if m.input, err = b.dev.CreateBuffer(ctx, trace.DirectionsBytes(n), UsageStorage|UsageCopyDst); err != nil {
			return nil, bindErr("directions buffer", err)
		}
		if err := b.dev.WriteBuffer(ctx, m.input, 0, trace.EncodeDirections(req.Directions)); err != nil {
			return nil, bindErr("write directions", err)
		}
	}
	if m.staging, err = b.dev.CreateBuffer(ctx, size, UsageMapRead|UsageCopyDst); err != nil {
		return nil, bindErr("staging buffer", err)
	}
	b.log.Debug("buffers bound",
		zap.Uint64("trace_bytes", size),
		zap.Int("directions", len(req.Directions)),
		zap.Bool("input", !req.NoInput))
	return m, nil
}

func bindErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", backend.ErrBinding, what, err)
}

// Load compiles the shader source into a compute pipeline.
func (b *Backend) Load(ctx context.Context, art backend.Artifact) (backend.Kernel, error) {
	src, err := art.Read()
	if err != nil {
		return nil, err
	}
	p, err := b.dev.CreatePipeline(ctx, string(src), b.layout.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrArtifactInvalid, err)
	}
	return &pipeline{handle: p, entry: b.layout.EntryPoint}, nil
}

// Invoke dispatches a single workgroup, copies the output buffer into the
// staging buffer and waits for the queue.
func (b *Backend) Invoke(ctx context.Context, k backend.Kernel, m backend.Memory) error {
	p, ok := k.(*pipeline)
	if !ok {
		return fmt.Errorf("%w: kernel from another backend", backend.ErrBinding)
	}
	mem, ok := m.(*memory)
	if !ok {
		return fmt.Errorf("%w: memory from another backend", backend.ErrBinding)
	}
	cmds := Commands{
		Pipeline:   p.handle,
		Group:      b.layout.BindGroup,
		Bindings:   []Binding{{Slot: b.layout.OutputBinding, Buffer: mem.output}},
		Workgroups: [3]uint32{1, 1, 1},
		Copies:     []Copy{{Src: mem.output, Dst: mem.staging, Size: mem.traceBytes()}},
	}
	if mem.input != 0 {
		cmds.Bindings = append(cmds.Bindings, Binding{Slot: b.layout.DirectionsBinding, Buffer: mem.input})
	}
	err := b.dev.Submit(ctx, cmds)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", backend.ErrTimeout, err)
	case errors.Is(err, backend.ErrDirectionsExhausted), errors.Is(err, backend.ErrTimeout):
		return err
	}
	return fmt.Errorf("%w: %w", backend.ErrExecutionFault, err)
}

// Readback maps the staging buffer.
func (b *Backend) Readback(ctx context.Context, m backend.Memory) ([]trace.Value, error) {
	mem, ok := m.(*memory)
	if !ok {
		return nil, fmt.Errorf("%w: memory from another backend", backend.ErrBinding)
	}
	raw, err := b.dev.MapRead(ctx, mem.staging, mem.traceBytes())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", backend.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: map staging buffer: %w", backend.ErrExecutionFault, err)
	}
	return trace.DecodeValues(raw), nil
}

// Close releases the device.
func (b *Backend) Close(ctx context.Context) error {
	return b.dev.Release(ctx)
}

var _ backend.Backend = (*Backend)(nil)
