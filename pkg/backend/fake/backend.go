// Package fake provides a scriptable backend for contract tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/trace"
)

// Backend is a configurable fake. Exec computes the raw trace buffer from
// the bound directions; any *Err field fails the matching phase.
type Backend struct {
	Exec func(dirs trace.Directions, capacity int) []trace.Value

	BindErr     error
	LoadErr     error
	InvokeErr   error
	ReadbackErr error
	CloseErr    error

	// Block makes Invoke wait for the context to end.
	Block bool

	mu     sync.Mutex
	calls  []string
	closed bool
}

type memory struct {
	dirs trace.Directions
	buf  []trace.Value
}

func (m *memory) Capacity() int { return len(m.buf) }

type kernel struct{}

func (kernel) EntryPoint() string { return "cf" }

// Factory returns a backend.Factory that always hands out b.
func (b *Backend) Factory() backend.Factory {
	return func(context.Context) (backend.Backend, error) { return b, nil }
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

// Calls lists the phases invoked so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Bind(ctx context.Context, req backend.BindRequest) (backend.Memory, error) {
	b.record("bind")
	if b.BindErr != nil {
		return nil, b.BindErr
	}
	return &memory{dirs: req.Directions.Clone(), buf: make([]trace.Value, req.Capacity)}, nil
}

func (b *Backend) Load(ctx context.Context, art backend.Artifact) (backend.Kernel, error) {
	b.record("load")
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	return kernel{}, nil
}

func (b *Backend) Invoke(ctx context.Context, k backend.Kernel, m backend.Memory) error {
	b.record("invoke")
	if b.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.InvokeErr != nil {
		return b.InvokeErr
	}
	mem, ok := m.(*memory)
	if !ok {
		return errors.New("fake: foreign memory")
	}
	if b.Exec != nil {
		copy(mem.buf, b.Exec(mem.dirs, len(mem.buf)))
	}
	return nil
}

func (b *Backend) Readback(ctx context.Context, m backend.Memory) ([]trace.Value, error) {
	b.record("readback")
	if b.ReadbackErr != nil {
		return nil, b.ReadbackErr
	}
	mem := m.(*memory)
	out := make([]trace.Value, len(mem.buf))
	copy(out, mem.buf)
	return out, nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.CloseErr
}

var _ backend.Backend = (*Backend)(nil)
