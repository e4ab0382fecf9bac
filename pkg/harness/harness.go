// Package harness wires configuration to backends: it picks a backend by
// name, runs a kernel artifact against a directions source and writes the
// trace to a sink, and assembles campaigns and reduction predicates.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/campaign"
	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/config"
	"github.com/oisee/cftrace/pkg/gpu"
	_ "github.com/oisee/cftrace/pkg/gpu/dispatch"
	_ "github.com/oisee/cftrace/pkg/gpu/softgpu"
	"github.com/oisee/cftrace/pkg/reduce"
	"github.com/oisee/cftrace/pkg/trace"
	"github.com/oisee/cftrace/pkg/wasm"
)

// Backend names accepted by Factory. "gpu/<driver>" selects a gpu driver
// explicitly.
const (
	BackendWASM = "wasm"
	BackendGPU  = "gpu"
)

// ErrUnknownBackend is returned for a backend name Factory does not know.
var ErrUnknownBackend = errors.New("unknown backend")

// Harness runs kernels as configured.
type Harness struct {
	Config config.Config
	Format trace.Format
	Logger *zap.Logger
}

// New returns a Harness writing traces as comma-joined text.
func New(c config.Config, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{Config: c, Format: trace.FormatText, Logger: logger}
}

// Factory returns the backend factory for name. device overrides the
// configured gpu driver; env is added to the dispatch server environment.
func (h *Harness) Factory(name, device string, env []string) (backend.Factory, error) {
	l := h.Config.TraceLayout()
	if err := l.Validate(); err != nil {
		return nil, err
	}
	kind, driver, _ := strings.Cut(name, "/")
	switch kind {
	case BackendWASM:
		if driver != "" {
			return nil, fmt.Errorf("%w %q", ErrUnknownBackend, name)
		}
		return wasm.Factory(l, h.Logger,
			wasm.WithMemoryImport(h.Config.WASM.MemoryModule, h.Config.WASM.MemoryName)), nil
	case BackendGPU:
		if driver == "" {
			driver = device
		}
		if driver == "" {
			driver = h.Config.GPU.Device
		}
		if !slices.Contains(gpu.Drivers(), driver) {
			return nil, fmt.Errorf("%w %q (registered: %s)", gpu.ErrUnknownDriver, driver, strings.Join(gpu.Drivers(), ", "))
		}
		d := h.Config.GPU.Dispatcher
		opts := gpu.Options{
			Adapter:    h.Config.GPU.Adapter,
			Server:     d.Path,
			ServerArgs: d.Args,
			Env:        slices.Concat(d.Env, env),
			Logger:     h.Logger,
		}
		return gpu.Factory(driver, opts, l, h.Logger), nil
	}
	return nil, fmt.Errorf("%w %q (want %s, %s or %s/<driver>)", ErrUnknownBackend, name, BackendWASM, BackendGPU, BackendGPU)
}

// Runner returns a Runner applying the configured policy and timeout.
func (h *Harness) Runner(f backend.Factory) (*backend.Runner, error) {
	p, err := h.Config.Policy()
	if err != nil {
		return nil, err
	}
	r := backend.NewRunner(f, h.Logger)
	r.Policy = p
	r.Timeout = h.Config.Timeout
	return r, nil
}

// Request is one kernel execution.
type Request struct {
	Backend    string
	Device     string
	Artifact   string
	Directions trace.Directions
	// NoInput runs a kernel that declares no directions region.
	NoInput bool
}

// Execute runs one request on a fresh backend.
func (h *Harness) Execute(ctx context.Context, req Request) (trace.Trace, error) {
	f, err := h.Factory(req.Backend, req.Device, nil)
	if err != nil {
		return nil, err
	}
	r, err := h.Runner(f)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, backend.Artifact{Path: req.Artifact}, backend.BindRequest{
		Directions: req.Directions,
		NoInput:    req.NoInput,
		Capacity:   h.Config.Capacity,
	})
}

// Run executes the kernel at artifactPath with the directions read from src
// and writes the trace to sink. Nothing is written when the run fails.
func (h *Harness) Run(ctx context.Context, backendName, artifactPath string, src io.Reader, sink io.Writer) (trace.Trace, error) {
	dirs, err := trace.ReadDirections(src)
	if err != nil {
		return nil, err
	}
	tr, err := h.Execute(ctx, Request{Backend: backendName, Artifact: artifactPath, Directions: dirs})
	if err != nil {
		return nil, err
	}
	if err := trace.Write(sink, tr, h.Format); err != nil {
		return tr, fmt.Errorf("write trace: %w", err)
	}
	return tr, nil
}

// Targets builds campaign targets from the configured target list.
func (h *Harness) Targets(ts []config.Target) ([]campaign.Target, error) {
	out := make([]campaign.Target, 0, len(ts))
	for _, t := range ts {
		f, err := h.Factory(t.Backend, t.Device, t.Env)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		out = append(out, campaign.Target{
			Name:     t.Name,
			Artifact: backend.Artifact{Path: t.Artifact},
			New:      f,
		})
	}
	return out, nil
}

// Campaign assembles a campaign over the configured targets. oracle and m
// may be nil.
func (h *Harness) Campaign(targets []campaign.Target, oracle *cfg.Graph, m *campaign.Metrics) (*campaign.Campaign, error) {
	p, err := h.Config.Policy()
	if err != nil {
		return nil, err
	}
	cc := h.Config.Campaign
	return campaign.New(targets, oracle, campaign.Config{
		Workers:         cc.Workers,
		Timeout:         h.Config.Timeout,
		Policy:          p,
		Layout:          h.Config.TraceLayout(),
		Checkpoint:      cc.Checkpoint,
		CheckpointEvery: cc.CheckpointEvery,
		Seed:            cc.Seed,
		Logger:          h.Logger,
		Metrics:         m,
	})
}

// outcome is what one run produced: a trace or an error kind.
type outcome struct {
	trace trace.Trace
	kind  string
}

func (o outcome) same(p outcome) bool {
	if o.kind != "" || p.kind != "" {
		return o.kind == p.kind
	}
	return o.trace.Equal(p.trace)
}

func (h *Harness) outcome(ctx context.Context, t campaign.Target, dirs trace.Directions, capacity int) (outcome, error) {
	r, err := h.Runner(t.New)
	if err != nil {
		return outcome{}, err
	}
	tr, err := r.Run(ctx, t.Artifact, backend.BindRequest{Directions: dirs, Capacity: capacity})
	if ctx.Err() != nil {
		return outcome{}, ctx.Err()
	}
	return outcome{trace: tr, kind: backend.KindName(err)}, nil
}

// Mismatch returns a reduction predicate reporting whether target disagrees
// with the reference. With an oracle the reference is the graph walk and
// sequences the graph rejects never count as failing; otherwise ref is run
// alongside target and any difference in trace or error kind fails.
func (h *Harness) Mismatch(target campaign.Target, oracle *cfg.Graph, ref *campaign.Target) (reduce.Predicate, error) {
	if oracle == nil && ref == nil {
		return nil, errors.New("harness: mismatch needs an oracle or a reference target")
	}
	l := h.Config.TraceLayout()
	return func(ctx context.Context, dirs trace.Directions) (bool, error) {
		var (
			want     outcome
			capacity = l.Capacity
		)
		if oracle != nil {
			exp, err := oracle.ExpectedTrace(dirs)
			if err != nil {
				return false, nil
			}
			want = outcome{trace: exp}
			capacity = l.CapacityFor(len(exp))
		} else {
			var err error
			if want, err = h.outcome(ctx, *ref, dirs, capacity); err != nil {
				return false, err
			}
		}
		got, err := h.outcome(ctx, target, dirs, capacity)
		if err != nil {
			return false, err
		}
		return !got.same(want), nil
	}, nil
}
