// Package campaign runs differential test campaigns: every case's
// directions go through every target backend, and each trace is compared
// with the reference, either the control-flow graph oracle or the first
// target.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/cfg"
	"github.com/oisee/cftrace/pkg/result"
	"github.com/oisee/cftrace/pkg/trace"
)

// Target is one backend and the kernel artifact built for it.
type Target struct {
	Name     string
	Artifact backend.Artifact
	New      backend.Factory
}

// Case is one direction sequence to run.
type Case struct {
	ID         int
	Directions trace.Directions
}

// Cases numbers a list of direction sequences from zero.
func Cases(dirs []trace.Directions) []Case {
	out := make([]Case, len(dirs))
	for i, d := range dirs {
		out[i] = Case{ID: i, Directions: d}
	}
	return out
}

// Config controls a campaign.
type Config struct {
	// Workers bounds concurrently running cases; 0 means NumCPU.
	Workers int
	// Timeout bounds each kernel execution; 0 disables it.
	Timeout time.Duration
	Policy  trace.TruncationPolicy
	// Layout sizes the trace buffer; with an oracle the buffer grows to fit
	// the expected trace.
	Layout trace.Layout
	// Checkpoint, when set, is rewritten every CheckpointEvery cases and at
	// the end.
	Checkpoint      string
	CheckpointEvery int
	Seed            uint64

	Logger  *zap.Logger
	Metrics *Metrics
}

// Campaign is a configured differential run.
type Campaign struct {
	ID      string
	Targets []Target
	// Oracle, when set, supplies the expected trace of every case.
	Oracle *cfg.Graph
	Config Config

	checked  atomic.Int64
	failures atomic.Int64
	ckptMu   sync.Mutex
}

// New returns a campaign with a fresh id.
func New(targets []Target, oracle *cfg.Graph, c Config) (*Campaign, error) {
	if len(targets) == 0 {
		return nil, errors.New("campaign: no targets")
	}
	if oracle == nil && len(targets) < 2 {
		return nil, errors.New("campaign: need an oracle or at least two targets")
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Name == "" || t.New == nil {
			return nil, fmt.Errorf("campaign: target %q incomplete", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("campaign: duplicate target %q", t.Name)
		}
		seen[t.Name] = true
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Layout.Capacity == 0 {
		c.Layout = trace.DefaultLayout()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &Campaign{ID: result.NewID(), Targets: targets, Oracle: oracle, Config: c}, nil
}

// Stats returns how many cases were checked and how many did not match.
func (c *Campaign) Stats() (checked, failures int64) {
	return c.checked.Load(), c.failures.Load()
}

// Run executes every case not already in prior (which may be nil) and
// returns the table with all records. Case failures are verdicts, not
// errors; Run only fails on cancellation or a checkpoint write error.
func (c *Campaign) Run(ctx context.Context, cases []Case, prior *result.Table) (*result.Table, error) {
	tbl := prior
	if tbl == nil {
		tbl = result.NewTable()
	}
	log := c.Config.Logger.With(zap.String("campaign", c.ID))
	log.Info("campaign start",
		zap.Int("cases", len(cases)),
		zap.Int("resumed", tbl.Len()),
		zap.Int("targets", len(c.Targets)),
		zap.Int("workers", c.Config.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Config.Workers)
	var pending atomic.Int64
	for _, cs := range cases {
		if tbl.Has(cs.ID) {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rec := c.runCase(gctx, cs)
			if gctx.Err() != nil {
				// A run cut short by cancellation says nothing about the kernel.
				return gctx.Err()
			}
			tbl.Add(rec)
			c.checked.Add(1)
			c.Config.Metrics.observeCase(rec.Verdict)
			if rec.Verdict != result.Match {
				c.failures.Add(1)
				log.Warn("case failed",
					zap.Int("case", rec.Case),
					zap.String("verdict", string(rec.Verdict)),
					zap.String("detail", rec.Detail))
			}
			if every := c.Config.CheckpointEvery; every > 0 && pending.Add(1)%int64(every) == 0 {
				return c.checkpoint(tbl, len(cases))
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if cerr := c.checkpoint(tbl, len(cases)); cerr != nil && err == nil {
		err = cerr
	}
	s := tbl.Summary()
	log.Info("campaign done",
		zap.Int("match", s.Match),
		zap.Int("mismatch", s.Mismatch),
		zap.Int("fault", s.Fault))
	return tbl, err
}

func (c *Campaign) checkpoint(tbl *result.Table, total int) error {
	if c.Config.Checkpoint == "" {
		return nil
	}
	c.ckptMu.Lock()
	defer c.ckptMu.Unlock()
	if err := result.SaveCheckpoint(c.Config.Checkpoint, tbl.Checkpoint(c.ID, c.Config.Seed, total)); err != nil {
		return fmt.Errorf("campaign: checkpoint: %w", err)
	}
	return nil
}

// runCase runs one case on every target and judges the traces.
func (c *Campaign) runCase(ctx context.Context, cs Case) result.Record {
	rec := result.Record{Case: cs.ID, Directions: cs.Directions}
	capacity := c.Config.Layout.Capacity

	var (
		ref     trace.Trace
		refName string
		refErr  error
	)
	if c.Oracle != nil {
		ref, refErr = c.Oracle.ExpectedTrace(cs.Directions)
		refName = "oracle"
		capacity = c.Config.Layout.CapacityFor(len(ref))
		rec.Expected = ref
		if refErr != nil {
			rec.ExpectedError = refErr.Error()
		}
	}

	for i, t := range c.Targets {
		out := c.runTarget(ctx, t, cs.Directions, capacity)
		rec.Outcomes = append(rec.Outcomes, out)
		if c.Oracle == nil && i == 0 {
			ref, refName = out.Trace, t.Name
			if out.Failed() {
				refErr = errors.New(out.Error)
			}
			rec.Expected = ref
			rec.ExpectedError = out.Error
		}
	}

	rec.Verdict, rec.Detail = judge(ref, refName, refErr, rec.Outcomes, c.Oracle == nil)
	return rec
}

func (c *Campaign) runTarget(ctx context.Context, t Target, dirs trace.Directions, capacity int) result.Outcome {
	r := backend.NewRunner(t.New, c.Config.Logger.With(zap.String("target", t.Name)))
	r.Policy = c.Config.Policy
	r.Timeout = c.Config.Timeout

	start := time.Now()
	tr, err := r.Run(ctx, t.Artifact, backend.BindRequest{Directions: dirs, Capacity: capacity})
	c.Config.Metrics.observeRun(t.Name, backend.KindName(err), time.Since(start).Seconds())

	out := result.Outcome{Target: t.Name, Trace: tr}
	if err != nil {
		out.Kind = backend.KindName(err)
		out.Error = err.Error()
		var be *backend.Error
		if errors.As(err, &be) {
			out.Partial = be.Partial
		}
	}
	return out
}

// judge compares every outcome with the reference. When the reference is
// itself the first outcome, skipFirst avoids comparing it with itself.
func judge(ref trace.Trace, refName string, refErr error, outs []result.Outcome, skipFirst bool) (result.Verdict, string) {
	if refErr != nil {
		return result.Fault, fmt.Sprintf("%s: %v", refName, refErr)
	}
	for i, o := range outs {
		if skipFirst && i == 0 {
			continue
		}
		if o.Failed() {
			return result.Fault, fmt.Sprintf("%s: %s", o.Target, o.Error)
		}
	}
	for i, o := range outs {
		if skipFirst && i == 0 {
			continue
		}
		if !o.Trace.Equal(ref) {
			return result.Mismatch, fmt.Sprintf("%s vs %s (-%s +%s):\n%s",
				refName, o.Target, refName, o.Target, cmp.Diff(ref, o.Trace))
		}
	}
	return result.Match, ""
}
