package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/trace"
)

// Phase is a step of one execution.
type Phase int

const (
	PhaseCreate Phase = iota
	PhaseBind
	PhaseLoad
	PhaseInvoke
	PhaseReadback
	PhaseExtract
)

func (p Phase) String() string {
	switch p {
	case PhaseCreate:
		return "create"
	case PhaseBind:
		return "bind"
	case PhaseLoad:
		return "load"
	case PhaseInvoke:
		return "invoke"
	case PhaseReadback:
		return "readback"
	case PhaseExtract:
		return "extract"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the Runner's position in Idle → Bound → Invoked → ReadBack → Done.
type State int

const (
	StateIdle State = iota
	StateBound
	StateInvoked
	StateReadBack
	StateDone
	StateFailed
)

func (s State) String() string {
	return [...]string{"idle", "bound", "invoked", "readback", "done", "failed"}[s]
}

// Runner drives one kernel execution at a time through a fresh backend:
// bind, load, invoke, readback, extract. The first failure ends the run;
// nothing is retried. A Runner is not safe for concurrent use; use one
// Runner per goroutine.
type Runner struct {
	New     Factory
	Policy  trace.TruncationPolicy
	Timeout time.Duration
	Logger  *zap.Logger

	state State
}

// NewRunner returns a Runner that rejects truncated traces and never times out.
func NewRunner(f Factory, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{New: f, Logger: logger}
}

// State reports where the last Run stopped.
func (r *Runner) State() State { return r.state }

// Run executes art once against req and returns the extracted trace.
func (r *Runner) Run(ctx context.Context, art Artifact, req BindRequest) (trace.Trace, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	r.state = StateIdle
	start := time.Now()

	name := "backend"
	fail := func(phase Phase, err error) error {
		r.state = StateFailed
		if ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		e := &Error{Backend: name, Phase: phase, Artifact: art.String(), Err: err}
		var partial truncated
		if errors.As(err, &partial) {
			e.Partial = partial.values
		}
		log.Debug("run failed",
			zap.String("backend", name),
			zap.Stringer("phase", phase),
			zap.String("kind", KindName(err)),
			zap.Error(err))
		return e
	}

	if err := req.Validate(); err != nil {
		return nil, fail(PhaseBind, err)
	}
	if r.New == nil {
		return nil, fail(PhaseCreate, errors.New("no backend factory"))
	}
	b, err := r.New(ctx)
	if err != nil {
		return nil, fail(PhaseCreate, err)
	}
	name = b.Name()
	defer func() {
		if err := b.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("backend close", zap.String("backend", name), zap.Error(err))
		}
	}()

	mem, err := b.Bind(ctx, req)
	if err != nil {
		return nil, fail(PhaseBind, err)
	}
	r.state = StateBound
	log.Debug("bound",
		zap.String("backend", name),
		zap.Int("directions", len(req.Directions)),
		zap.Int("capacity", mem.Capacity()))

	k, err := b.Load(ctx, art)
	if err != nil {
		return nil, fail(PhaseLoad, err)
	}
	log.Debug("loaded", zap.String("backend", name), zap.String("entry", k.EntryPoint()))

	if err := b.Invoke(ctx, k, mem); err != nil {
		return nil, fail(PhaseInvoke, err)
	}
	r.state = StateInvoked

	raw, err := b.Readback(ctx, mem)
	if err != nil {
		return nil, fail(PhaseReadback, err)
	}
	r.state = StateReadBack

	tr, err := trace.Extract(raw, r.Policy)
	if err != nil {
		if tr != nil {
			err = truncated{values: tr, err: err}
		}
		return nil, fail(PhaseExtract, err)
	}
	r.state = StateDone

	log.Info("run complete",
		zap.String("backend", name),
		zap.String("artifact", art.String()),
		zap.Int("trace_len", len(tr)),
		zap.Duration("elapsed", time.Since(start)))
	return tr, nil
}

// truncated carries a kept partial buffer from extraction to the Error.
type truncated struct {
	values trace.Trace
	err    error
}

func (t truncated) Error() string { return t.err.Error() }
func (t truncated) Unwrap() error { return t.err }
