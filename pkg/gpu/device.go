// Package gpu runs control-flow kernels written as compute shaders. A
// Device is the narrow slice of a WebGPU-style API the harness needs:
// storage buffers, one compute pipeline, a single-workgroup dispatch
// followed by buffer copies, and a mapped read of a staging buffer.
// Drivers register themselves by name; the harness opens one per run.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrDeviceLost reports a device that stopped responding or was reset.
	ErrDeviceLost = errors.New("device lost")
	// ErrCompile reports a shader module or pipeline that failed to build.
	ErrCompile = errors.New("shader compilation failed")
	// ErrInvalidHandle reports a buffer or pipeline the device never issued.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrUnknownDriver reports an Open for an unregistered driver name.
	ErrUnknownDriver = errors.New("unknown gpu driver")
)

// Usage is a set of buffer usage flags.
type Usage uint32

const (
	UsageStorage Usage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

func (u Usage) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Usage
		name string
	}{
		{UsageStorage, "storage"},
		{UsageCopySrc, "copy_src"},
		{UsageCopyDst, "copy_dst"},
		{UsageMapRead, "map_read"},
	} {
		if u&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Buffer and Pipeline are device-issued handles. Zero is never issued.
type (
	Buffer   uint32
	Pipeline uint32
)

// Binding attaches a buffer to a binding slot of the pipeline's group.
type Binding struct {
	Slot   uint32
	Buffer Buffer
}

// Copy is a buffer-to-buffer copy recorded after the dispatch.
type Copy struct {
	Src, Dst Buffer
	Size     uint64
}

// Commands is one submission: a compute pass dispatching Workgroups of
// Pipeline with Bindings in Group, then Copies in order.
type Commands struct {
	Pipeline   Pipeline
	Group      uint32
	Bindings   []Binding
	Workgroups [3]uint32
	Copies     []Copy
}

// Device is an opened compute device. Methods are not safe for concurrent
// use.
type Device interface {
	CreateBuffer(ctx context.Context, size uint64, usage Usage) (Buffer, error)
	WriteBuffer(ctx context.Context, buf Buffer, offset uint64, data []byte) error
	CreatePipeline(ctx context.Context, code, entry string) (Pipeline, error)
	// Submit records and submits cmds and waits for the queue to drain.
	Submit(ctx context.Context, cmds Commands) error
	// MapRead maps a UsageMapRead buffer and returns a copy of its first
	// size bytes.
	MapRead(ctx context.Context, buf Buffer, size uint64) ([]byte, error)
	// Release frees every resource of the device.
	Release(ctx context.Context) error
}

// Options configure a driver when a device is opened.
type Options struct {
	// Adapter selects among the driver's adapters or builds, e.g. a power
	// preference for a native driver. Drivers ignore values they do not know.
	Adapter string `yaml:"adapter"`
	// Server is the dispatch server executable for out-of-process drivers.
	Server string `yaml:"server"`
	// ServerArgs are passed to Server.
	ServerArgs []string `yaml:"server_args"`
	// Env holds extra KEY=VALUE pairs for the server environment.
	Env []string `yaml:"env"`

	Logger *zap.Logger `yaml:"-"`
}

// Opener opens a device for a driver.
type Opener func(ctx context.Context, opts Options) (Device, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// Register makes a driver available under name. It panics if name is
// already registered.
func Register(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("gpu: driver registered twice: " + name)
	}
	drivers[name] = open
}

// Drivers lists the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open opens a device with the named driver.
func Open(ctx context.Context, driver string, opts Options) (Device, error) {
	driversMu.RLock()
	open, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownDriver, driver, strings.Join(Drivers(), ", "))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return open(ctx, opts)
}
