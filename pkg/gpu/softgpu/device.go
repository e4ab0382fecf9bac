// Package softgpu is a software compute device. Its "shaders" are kernel
// documents: the control-flow graph a kernel was compiled from, executed
// on the host with the same memory behaviour as a real dispatch. Output
// writes past the end of the bound buffer are dropped, as robust buffer
// access does on hardware. Unlike hardware it tracks how much of each
// buffer was written and reports a read past the written directions as
// exhausted instead of returning zero.
package softgpu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/gpu"
	"github.com/oisee/cftrace/pkg/trace"
)

// Driver is the registered driver name.
const Driver = "soft"

func init() {
	gpu.Register(Driver, func(ctx context.Context, opts gpu.Options) (gpu.Device, error) {
		return New(opts.Logger), nil
	})
}

type buffer struct {
	data    []byte
	usage   gpu.Usage
	written uint64
}

// Device is an in-memory compute device.
type Device struct {
	log *zap.Logger

	mu        sync.Mutex
	buffers   map[gpu.Buffer]*buffer
	pipelines map[gpu.Pipeline]*cfg.Graph
	next      uint32
	released  bool
}

// New returns an empty device.
func New(logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		log:       logger.Named("softgpu"),
		buffers:   make(map[gpu.Buffer]*buffer),
		pipelines: make(map[gpu.Pipeline]*cfg.Graph),
	}
}

func (d *Device) handle() uint32 {
	d.next++
	return d.next
}

func (d *Device) check() error {
	if d.released {
		return fmt.Errorf("softgpu: %w: released", gpu.ErrDeviceLost)
	}
	return nil
}

func (d *Device) buffer(h gpu.Buffer) (*buffer, error) {
	b, ok := d.buffers[h]
	if !ok {
		return nil, fmt.Errorf("softgpu: buffer %d: %w", h, gpu.ErrInvalidHandle)
	}
	return b, nil
}

func (d *Device) CreateBuffer(ctx context.Context, size uint64, usage gpu.Usage) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	if size == 0 || size%4 != 0 {
		return 0, fmt.Errorf("softgpu: buffer size %d must be a positive multiple of 4", size)
	}
	if usage&gpu.UsageMapRead != 0 && usage&^(gpu.UsageMapRead|gpu.UsageCopyDst) != 0 {
		return 0, fmt.Errorf("softgpu: map_read buffers may only be copy_dst, got %s", usage)
	}
	h := gpu.Buffer(d.handle())
	d.buffers[h] = &buffer{data: make([]byte, size), usage: usage}
	return h, nil
}

func (d *Device) WriteBuffer(ctx context.Context, h gpu.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	b, err := d.buffer(h)
	if err != nil {
		return err
	}
	if b.usage&gpu.UsageCopyDst == 0 {
		return fmt.Errorf("softgpu: buffer %d is %s, not copy_dst", h, b.usage)
	}
	end := offset + uint64(len(data))
	if end > uint64(len(b.data)) {
		return fmt.Errorf("softgpu: write [%d,%d) past buffer %d of %d bytes", offset, end, h, len(b.data))
	}
	copy(b.data[offset:], data)
	b.written = max(b.written, end)
	return nil
}

// CreatePipeline parses code as a kernel document. The entry point name is
// only checked for presence; documents have a single entry block.
func (d *Device) CreatePipeline(ctx context.Context, code, entry string) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	if entry == "" {
		return 0, fmt.Errorf("softgpu: %w: empty entry point", gpu.ErrCompile)
	}
	g, err := cfg.Parse([]byte(code))
	if err != nil {
		return 0, fmt.Errorf("softgpu: %w: %w", gpu.ErrCompile, err)
	}
	h := gpu.Pipeline(d.handle())
	d.pipelines[h] = g
	return h, nil
}

// Submit runs the pipeline's graph. The output buffer is the bound buffer
// that a copy reads from; any other bound buffer supplies directions.
func (d *Device) Submit(ctx context.Context, cmds gpu.Commands) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g, ok := d.pipelines[cmds.Pipeline]
	if !ok {
		return fmt.Errorf("softgpu: pipeline %d: %w", cmds.Pipeline, gpu.ErrInvalidHandle)
	}
	if cmds.Workgroups != [3]uint32{1, 1, 1} {
		return fmt.Errorf("softgpu: only a single workgroup is supported, got %v", cmds.Workgroups)
	}

	copied := make(map[gpu.Buffer]bool, len(cmds.Copies))
	for _, c := range cmds.Copies {
		copied[c.Src] = true
	}
	var out, in *buffer
	for _, bind := range cmds.Bindings {
		b, err := d.buffer(bind.Buffer)
		if err != nil {
			return err
		}
		if b.usage&gpu.UsageStorage == 0 {
			return fmt.Errorf("softgpu: binding %d: buffer %d is %s, not storage", bind.Slot, bind.Buffer, b.usage)
		}
		switch {
		case copied[bind.Buffer] && out == nil:
			out = b
		case in == nil:
			in = b
		default:
			return fmt.Errorf("softgpu: unexpected binding %d", bind.Slot)
		}
	}
	if out == nil {
		return fmt.Errorf("softgpu: no output binding is copied out")
	}

	var (
		cursor  int
		written int
		limit   = len(out.data) / 4
	)
	next := func() (trace.Direction, bool) {
		if in == nil || uint64(cursor+1)*4 > in.written {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(in.data[cursor*4:])
		cursor++
		return trace.Direction(v), true
	}
	emit := func(v trace.Value) {
		if written < limit {
			binary.LittleEndian.PutUint32(out.data[written*4:], uint32(int32(v)))
		}
		written++
	}
	if err := g.Run(next, emit); err != nil {
		d.log.Debug("kernel fault", zap.Int("values", written), zap.Error(err))
		if errors.Is(err, cfg.ErrDirectionsExhausted) {
			return fmt.Errorf("softgpu: %w: after %d directions", backend.ErrDirectionsExhausted, cursor)
		}
		return fmt.Errorf("softgpu: %w", err)
	}
	if written > limit {
		d.log.Debug("output writes dropped", zap.Int("written", written), zap.Int("capacity", limit))
	}
	out.written = max(out.written, uint64(min(written, limit))*4)

	for _, c := range cmds.Copies {
		if err := d.copyBuffer(c); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) copyBuffer(c gpu.Copy) error {
	src, err := d.buffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := d.buffer(c.Dst)
	if err != nil {
		return err
	}
	if src.usage&gpu.UsageCopySrc == 0 || dst.usage&gpu.UsageCopyDst == 0 {
		return fmt.Errorf("softgpu: copy %d -> %d: bad usage %s -> %s", c.Src, c.Dst, src.usage, dst.usage)
	}
	if c.Size > uint64(len(src.data)) || c.Size > uint64(len(dst.data)) {
		return fmt.Errorf("softgpu: copy of %d bytes exceeds buffers", c.Size)
	}
	copy(dst.data, src.data[:c.Size])
	dst.written = max(dst.written, c.Size)
	return nil
}

func (d *Device) MapRead(ctx context.Context, h gpu.Buffer, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	b, err := d.buffer(h)
	if err != nil {
		return nil, err
	}
	if b.usage&gpu.UsageMapRead == 0 {
		return nil, fmt.Errorf("softgpu: buffer %d is %s, not map_read", h, b.usage)
	}
	if size > uint64(len(b.data)) {
		return nil, fmt.Errorf("softgpu: map %d bytes of a %d byte buffer", size, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data)
	return out, nil
}

func (d *Device) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.buffers = nil
	d.pipelines = nil
	return nil
}

var _ gpu.Device = (*Device)(nil)
