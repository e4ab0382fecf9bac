// Package wasm runs control-flow kernels compiled to WebAssembly on the
// wazero runtime. The host owns a single linear memory that the kernel
// imports as js.memory: directions are written at the layout's directions
// offset and the kernel writes its trace at the trace offset, either the
// layout's or the one the kernel publishes through an exported i32 global.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/kernel"
	"github.com/oisee/cftrace/pkg/trace"
)

const name = "wasm"

// Backend is a linear-memory backend. Each Backend owns its own wazero
// runtime and serves one execution.
type Backend struct {
	layout trace.Layout
	log    *zap.Logger

	memModule string
	memName   string

	rt     wazero.Runtime
	host   api.Module
	kernel api.Module
}

// Option configures a Backend.
type Option func(*Backend)

// WithMemoryImport sets the module and field name under which kernels
// import the host memory. The default is js.memory.
func WithMemoryImport(module, field string) Option {
	return func(b *Backend) {
		if module != "" {
			b.memModule = module
		}
		if field != "" {
			b.memName = field
		}
	}
}

// New returns a Backend for layout l.
func New(ctx context.Context, l trace.Layout, logger *zap.Logger, opts ...Option) (*Backend, error) {
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBinding, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		layout:    l,
		log:       logger.Named(name),
		memModule: kernel.ImportModule,
		memName:   kernel.ImportMemory,
	}
	for _, o := range opts {
		o(b)
	}
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	b.rt = wazero.NewRuntimeWithConfig(ctx, cfg)
	return b, nil
}

// Factory returns a backend.Factory building a fresh Backend per run.
func Factory(l trace.Layout, logger *zap.Logger, opts ...Option) backend.Factory {
	return func(ctx context.Context) (backend.Backend, error) {
		return New(ctx, l, logger, opts...)
	}
}

func (b *Backend) Name() string { return name }

type memory struct {
	mem        api.Memory
	capacity   int
	traceStart uint32
}

func (m *memory) Capacity() int { return m.capacity }

type loaded struct {
	entry api.Function
	name  string
}

func (k *loaded) EntryPoint() string { return k.name }

// Bind creates the host memory, writes the directions and zeroes the trace
// region.
func (b *Backend) Bind(ctx context.Context, req backend.BindRequest) (backend.Memory, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if b.host != nil {
		return nil, fmt.Errorf("%w: memory already bound", backend.ErrBinding)
	}
	if len(req.Directions) > b.layout.MaxDirections {
		return nil, fmt.Errorf("%w: %d directions exceed the region of %d",
			backend.ErrBinding, len(req.Directions), b.layout.MaxDirections)
	}

	l := b.layout.WithCapacity(req.Capacity)
	pages := l.Pages(l.TraceOffset)
	host, err := b.rt.InstantiateWithConfig(ctx,
		kernel.MemoryModule(b.memName, pages),
		wazero.NewModuleConfig().WithName(b.memModule))
	if err != nil {
		return nil, fmt.Errorf("%w: host memory: %w", backend.ErrBinding, err)
	}
	b.host = host

	m := &memory{mem: host.Memory(), capacity: req.Capacity, traceStart: l.TraceOffset}
	if m.mem == nil {
		return nil, fmt.Errorf("%w: host module exports no memory", backend.ErrBinding)
	}
	if !m.mem.Write(l.DirectionsOffset, trace.EncodeDirections(req.Directions)) {
		return nil, fmt.Errorf("%w: directions do not fit at offset %d", backend.ErrBinding, l.DirectionsOffset)
	}
	if err := m.zeroTrace(); err != nil {
		return nil, err
	}
	b.log.Debug("memory bound",
		zap.Uint32("pages", pages),
		zap.Int("directions", len(req.Directions)),
		zap.Uint32("trace_offset", m.traceStart))
	return m, nil
}

func (m *memory) traceBytes() uint32 {
	return uint32(m.capacity) * 4
}

// full reports whether every trace slot was written, leaving no sentinel.
func (m *memory) full() bool {
	raw, ok := m.mem.Read(m.traceStart, m.traceBytes())
	if !ok {
		return false
	}
	return !slices.Contains(trace.DecodeValues(raw), trace.Sentinel)
}

func (m *memory) zeroTrace() error {
	if !m.mem.Write(m.traceStart, make([]byte, m.traceBytes())) {
		return fmt.Errorf("%w: trace region [%d,+%d) outside memory of %d bytes",
			backend.ErrBinding, m.traceStart, m.traceBytes(), m.mem.Size())
	}
	return nil
}

// Load compiles and instantiates the kernel against the bound memory. It
// must follow Bind. A kernel that exports the trace-offset global moves the
// trace region to that offset.
func (b *Backend) Load(ctx context.Context, art backend.Artifact) (backend.Kernel, error) {
	if b.host == nil {
		return nil, fmt.Errorf("%w: load before bind", backend.ErrBinding)
	}
	bin, err := art.Read()
	if err != nil {
		return nil, err
	}
	compiled, err := b.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrArtifactInvalid, err)
	}
	mod, err := b.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("kernel"))
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %w", backend.ErrArtifactInvalid, err)
	}
	b.kernel = mod

	fn := mod.ExportedFunction(b.layout.EntryPoint)
	if fn == nil {
		return nil, fmt.Errorf("%w: no exported function %q", backend.ErrArtifactInvalid, b.layout.EntryPoint)
	}
	def := fn.Definition()
	if len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
		return nil, fmt.Errorf("%w: entry point %q must take and return nothing, has %v -> %v",
			backend.ErrArtifactInvalid, b.layout.EntryPoint, def.ParamTypes(), def.ResultTypes())
	}
	return &loaded{entry: fn, name: b.layout.EntryPoint}, nil
}

// relocate applies the kernel's exported trace offset, if any, to m.
func (b *Backend) relocate(m *memory) error {
	if b.layout.TraceExport == "" {
		return nil
	}
	g := b.kernel.ExportedGlobal(b.layout.TraceExport)
	if g == nil {
		return nil
	}
	if g.Type() != api.ValueTypeI32 {
		return fmt.Errorf("%w: global %q is %s, want i32",
			backend.ErrArtifactInvalid, b.layout.TraceExport, api.ValueTypeName(g.Type()))
	}
	off := uint32(g.Get())
	if off == m.traceStart {
		return nil
	}
	dirEnd := uint64(b.layout.DirectionsOffset) + uint64(b.layout.MaxDirections)*4
	if off%4 != 0 || uint64(off) < dirEnd {
		return fmt.Errorf("%w: trace offset %d overlaps directions or is unaligned",
			backend.ErrArtifactInvalid, off)
	}
	need := b.layout.WithCapacity(m.capacity).Pages(off)
	if have := m.mem.Size() / trace.WasmPageSize; have < need {
		if _, ok := m.mem.Grow(need - have); !ok {
			return fmt.Errorf("%w: cannot grow memory to %d pages for trace at %d",
				backend.ErrBinding, need, off)
		}
	}
	b.log.Debug("trace relocated", zap.Uint32("from", m.traceStart), zap.Uint32("to", off))
	m.traceStart = off
	return m.zeroTrace()
}

// Invoke calls the entry point once. A trap is an execution fault unless
// the trace region is already full; a cancelled or expired context stops
// the call and is a timeout.
func (b *Backend) Invoke(ctx context.Context, k backend.Kernel, m backend.Memory) error {
	lk, ok := k.(*loaded)
	if !ok {
		return fmt.Errorf("%w: kernel from another backend", backend.ErrBinding)
	}
	mem, ok := m.(*memory)
	if !ok {
		return fmt.Errorf("%w: memory from another backend", backend.ErrBinding)
	}
	if err := b.relocate(mem); err != nil {
		return err
	}
	if _, err := lk.entry.Call(ctx); err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			switch exit.ExitCode() {
			case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
				return fmt.Errorf("%w: %w", backend.ErrTimeout, err)
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", backend.ErrTimeout, err)
		}
		if mem.full() {
			// The trace ran off the end of linear memory. Readback reports
			// the truncation, as for an overflow that stays in bounds.
			b.log.Debug("kernel trapped past a full trace region", zap.Error(err))
			return nil
		}
		return fmt.Errorf("%w: %w", backend.ErrExecutionFault, err)
	}
	return nil
}

// Readback copies the trace region out of linear memory.
func (b *Backend) Readback(ctx context.Context, m backend.Memory) ([]trace.Value, error) {
	mem, ok := m.(*memory)
	if !ok {
		return nil, fmt.Errorf("%w: memory from another backend", backend.ErrBinding)
	}
	raw, ok := mem.mem.Read(mem.traceStart, mem.traceBytes())
	if !ok {
		return nil, fmt.Errorf("%w: trace region out of bounds", backend.ErrExecutionFault)
	}
	return trace.DecodeValues(raw), nil
}

// Close releases the runtime and every module instantiated in it.
func (b *Backend) Close(ctx context.Context) error {
	return b.rt.Close(ctx)
}

var _ backend.Backend = (*Backend)(nil)
