//go:build wgpu

// Package wgpu is a native WebGPU device backed by wgpu-native. It is only
// built with the wgpu build tag, since it needs cgo and the native library.
package wgpu

import (
	"context"
	"fmt"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/gpu"
)

// Driver is the registered driver name.
const Driver = "wgpu"

func init() {
	gpu.Register(Driver, Open)
}

// pollInterval paces the non-blocking device poll while waiting on the queue.
const pollInterval = time.Millisecond

// Device wraps one wgpu device and the objects created on it.
type Device struct {
	log      *zap.Logger
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	buffers   map[gpu.Buffer]*wgpu.Buffer
	pipelines map[gpu.Pipeline]*wgpu.ComputePipeline
	shaders   []*wgpu.ShaderModule
	next      uint32
}

// Open requests an adapter and a device. opts.Adapter may be
// "high-performance" or "low-power".
func Open(ctx context.Context, opts gpu.Options) (gpu.Device, error) {
	pref := wgpu.PowerPreferenceHighPerformance
	switch opts.Adapter {
	case "", "high-performance":
	case "low-power":
		pref = wgpu.PowerPreferenceLowPower
	default:
		opts.Logger.Warn("unknown adapter preference, using high-performance", zap.String("adapter", opts.Adapter))
	}

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("wgpu: request adapter: %w", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("wgpu: request device: %w", err)
	}
	info := adapter.GetInfo()
	opts.Logger.Debug("device opened",
		zap.String("adapter", info.Name),
		zap.String("backend", info.BackendType.String()))

	return &Device{
		log:       opts.Logger.Named("wgpu"),
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     device.GetQueue(),
		buffers:   make(map[gpu.Buffer]*wgpu.Buffer),
		pipelines: make(map[gpu.Pipeline]*wgpu.ComputePipeline),
	}, nil
}

func (d *Device) handle() uint32 {
	d.next++
	return d.next
}

func usage(u gpu.Usage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&gpu.UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&gpu.UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&gpu.UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&gpu.UsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	return out
}

func (d *Device) buffer(h gpu.Buffer) (*wgpu.Buffer, error) {
	b, ok := d.buffers[h]
	if !ok {
		return nil, fmt.Errorf("wgpu: buffer %d: %w", h, gpu.ErrInvalidHandle)
	}
	return b, nil
}

func (d *Device) CreateBuffer(ctx context.Context, size uint64, u gpu.Usage) (gpu.Buffer, error) {
	b, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: fmt.Sprintf("cftrace-%s", u),
		Size:  size,
		Usage: usage(u),
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	h := gpu.Buffer(d.handle())
	d.buffers[h] = b
	return h, nil
}

func (d *Device) WriteBuffer(ctx context.Context, h gpu.Buffer, offset uint64, data []byte) error {
	b, err := d.buffer(h)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return lost("write buffer", d.queue.WriteBuffer(b, offset, data))
}

func (d *Device) CreatePipeline(ctx context.Context, code, entry string) (gpu.Pipeline, error) {
	shader, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "cftrace-kernel",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: %w: %w", gpu.ErrCompile, err)
	}
	d.shaders = append(d.shaders, shader)
	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "cftrace-kernel",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shader,
			EntryPoint: entry,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: %w: %w", gpu.ErrCompile, err)
	}
	h := gpu.Pipeline(d.handle())
	d.pipelines[h] = p
	return h, nil
}

func (d *Device) Submit(ctx context.Context, cmds gpu.Commands) error {
	p, ok := d.pipelines[cmds.Pipeline]
	if !ok {
		return fmt.Errorf("wgpu: pipeline %d: %w", cmds.Pipeline, gpu.ErrInvalidHandle)
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(cmds.Bindings))
	for _, bind := range cmds.Bindings {
		b, err := d.buffer(bind.Buffer)
		if err != nil {
			return err
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: bind.Slot, Buffer: b, Size: wgpu.WholeSize})
	}
	layout := p.GetBindGroupLayout(cmds.Group)
	defer layout.Release()
	group, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{Layout: layout, Entries: entries})
	if err != nil {
		return fmt.Errorf("wgpu: bind group: %w", err)
	}
	defer group.Release()

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("wgpu: command encoder: %w", err)
	}
	defer enc.Release()
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p)
	pass.SetBindGroup(cmds.Group, group, nil)
	pass.DispatchWorkgroups(cmds.Workgroups[0], cmds.Workgroups[1], cmds.Workgroups[2])
	err = pass.End()
	pass.Release()
	if err != nil {
		return lost("end compute pass", err)
	}
	for _, c := range cmds.Copies {
		src, err := d.buffer(c.Src)
		if err != nil {
			return err
		}
		dst, err := d.buffer(c.Dst)
		if err != nil {
			return err
		}
		if err := enc.CopyBufferToBuffer(src, 0, dst, 0, c.Size); err != nil {
			return lost("copy buffer", err)
		}
	}
	cb, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("wgpu: finish: %w", err)
	}
	defer cb.Release()

	done := make(chan struct{})
	d.queue.OnSubmittedWorkDone(func(wgpu.QueueWorkDoneStatus) { close(done) })
	d.queue.Submit(cb)
	return d.wait(ctx, done)
}

// wait polls the device until done is closed. A hung kernel never
// completes; the caller's context bounds the wait.
func (d *Device) wait(ctx context.Context, done <-chan struct{}) error {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		d.device.Poll(false, nil)
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wgpu: queue did not drain: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

func (d *Device) MapRead(ctx context.Context, h gpu.Buffer, size uint64) ([]byte, error) {
	b, err := d.buffer(h)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	var status wgpu.BufferMapAsyncStatus
	err = b.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
		close(done)
	})
	if err != nil {
		// The callback never runs for a map that failed to start.
		return nil, lost(fmt.Sprintf("map buffer %d", h), err)
	}
	if err := d.wait(ctx, done); err != nil {
		return nil, err
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("wgpu: map buffer %d: %w: status %v", h, gpu.ErrDeviceLost, status)
	}
	out := make([]byte, size)
	copy(out, b.GetMappedRange(0, uint(size)))
	if err := b.Unmap(); err != nil {
		return nil, lost(fmt.Sprintf("unmap buffer %d", h), err)
	}
	return out, nil
}

func (d *Device) Release(ctx context.Context) error {
	for _, p := range d.pipelines {
		p.Release()
	}
	for _, s := range d.shaders {
		s.Release()
	}
	for _, b := range d.buffers {
		b.Release()
	}
	d.pipelines, d.shaders, d.buffers = nil, nil, nil
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

var _ gpu.Device = (*Device)(nil)
