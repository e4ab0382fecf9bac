// Package reduce shrinks a failing direction sequence. Runs of consecutive
// directions are removed, longest runs first, and every shorter sequence
// that still fails is reduced in turn.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/trace"
)

// ErrBudget is returned when the test budget runs out. The failing
// sequences found so far are returned with it.
var ErrBudget = errors.New("reduce: test budget exhausted")

// DefaultMaxTests bounds predicate calls when Reducer.MaxTests is zero.
const DefaultMaxTests = 2000

// Predicate reports whether dirs still shows the failure.
type Predicate func(ctx context.Context, dirs trace.Directions) (bool, error)

// Reducer searches for shorter failing direction sequences.
type Reducer struct {
	Fails    Predicate
	MaxTests int
	Logger   *zap.Logger

	tested  map[string]bool
	failing map[string]trace.Directions
	budget  int
}

func key(d trace.Directions) string {
	var b strings.Builder
	for i, v := range d {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprint(&b, v)
	}
	return b.String()
}

// Tests returns the number of distinct sequences tested by the last Reduce.
func (r *Reducer) Tests() int { return len(r.tested) }

// Reduce returns every failing subsequence found, shortest first. dirs
// itself is not tested and not included.
func (r *Reducer) Reduce(ctx context.Context, dirs trace.Directions) ([]trace.Directions, error) {
	if r.Fails == nil {
		return nil, errors.New("reduce: no predicate")
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	r.budget = r.MaxTests
	if r.budget <= 0 {
		r.budget = DefaultMaxTests
	}
	r.tested = map[string]bool{key(dirs): true}
	r.failing = make(map[string]trace.Directions)

	err := r.reduce(ctx, dirs, max(len(dirs)/2, 1))

	out := make([]trace.Directions, 0, len(r.failing))
	for _, d := range r.failing {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b trace.Directions) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		return slices.Compare(a, b)
	})
	r.Logger.Info("reduction done",
		zap.Int("start_len", len(dirs)),
		zap.Int("failing", len(out)),
		zap.Int("tests", len(r.tested)))
	return out, err
}

// reduce tries removing n consecutive directions from d, falling back to
// shorter runs until some removal still fails.
func (r *Reducer) reduce(ctx context.Context, d trace.Directions, n int) error {
	for ; n >= 1 && n <= len(d); n-- {
		var found []trace.Directions
		for i := 0; i+n <= len(d); i++ {
			cand := slices.Concat(d[:i], d[i+n:])
			k := key(cand)
			if r.tested[k] {
				continue
			}
			if r.budget == 0 {
				return ErrBudget
			}
			r.budget--
			r.tested[k] = true
			fails, err := r.Fails(ctx, cand)
			if err != nil {
				return fmt.Errorf("reduce: test %v: %w", cand, err)
			}
			if fails {
				r.Logger.Debug("still failing", zap.Int("len", len(cand)), zap.String("directions", k))
				r.failing[k] = cand
				found = append(found, cand)
			}
		}
		if len(found) > 0 {
			for _, f := range found {
				if err := r.reduce(ctx, f, min(n, len(f))); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return nil
}
