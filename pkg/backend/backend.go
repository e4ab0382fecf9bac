// Package backend defines the execution backend contract shared by the
// linear-memory and compute-dispatch variants, and the Runner that drives
// one kernel execution through it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/oisee/cftrace/pkg/trace"
)

// BindRequest describes the memory a kernel execution needs.
type BindRequest struct {
	Directions trace.Directions
	// NoInput marks kernels that declare no directions region at all.
	// Directions must then be empty.
	NoInput bool
	// Capacity is the trace buffer size in values, sentinel slot included.
	Capacity int
}

// Validate checks the request before any backend resource is allocated.
func (r BindRequest) Validate() error {
	if r.Capacity < 1 {
		return fmt.Errorf("%w: capacity %d must be at least 1", ErrBinding, r.Capacity)
	}
	if r.NoInput && len(r.Directions) > 0 {
		return fmt.Errorf("%w: %d directions supplied to a kernel without a directions region", ErrBinding, len(r.Directions))
	}
	return nil
}

// Memory is the bound regions of one execution. Only the backend that
// created it can use it.
type Memory interface {
	Capacity() int
}

// Kernel is a loaded kernel artifact ready for invocation.
type Kernel interface {
	EntryPoint() string
}

// Backend runs a kernel artifact against bound memory. A Backend serves
// exactly one execution and is closed afterwards.
type Backend interface {
	Name() string
	Bind(ctx context.Context, req BindRequest) (Memory, error)
	Load(ctx context.Context, art Artifact) (Kernel, error)
	Invoke(ctx context.Context, k Kernel, m Memory) error
	Readback(ctx context.Context, m Memory) ([]trace.Value, error)
	Close(ctx context.Context) error
}

// Factory builds a fresh Backend for one execution.
type Factory func(ctx context.Context) (Backend, error)

// Artifact is a kernel given either as a file path or inline bytes.
// Bytes win when both are set.
type Artifact struct {
	Path  string
	Bytes []byte
}

// String names the artifact for error messages.
func (a Artifact) String() string {
	if a.Path != "" {
		return a.Path
	}
	if a.Bytes != nil {
		return fmt.Sprintf("<%d bytes>", len(a.Bytes))
	}
	return "<none>"
}

// Read returns the artifact contents.
func (a Artifact) Read() ([]byte, error) {
	if a.Bytes != nil {
		return a.Bytes, nil
	}
	if a.Path == "" {
		return nil, fmt.Errorf("%w: no path or bytes given", ErrArtifactNotFound)
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, a.Path)
		}
		return nil, fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
	}
	return data, nil
}
