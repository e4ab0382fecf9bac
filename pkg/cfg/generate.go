package cfg

import (
	"fmt"
	"math/rand/v2"

	"github.com/oisee/cftrace/pkg/trace"
)

// maxAttempts bounds the random walks tried before giving up.
const maxAttempts = 16

// GenerateDirections draws a random walk from the entry block and returns
// the directions it took. The walk must reach an exit within maxLen
// decisions; otherwise a fresh walk is drawn, up to 16 times.
func (g *Graph) GenerateDirections(rng *rand.Rand, maxLen int) (trace.Directions, error) {
	entry := g.block(g.Entry)
	if entry == nil {
		return nil, fmt.Errorf("cfg: entry block %d not defined", g.Entry)
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		dirs := trace.Directions{}
		b := entry
		for len(b.Next) > 0 && len(dirs) < maxLen {
			edge := 0
			if len(b.Next) > 1 {
				edge = rng.IntN(len(b.Next))
				dirs = append(dirs, trace.Direction(edge))
			}
			b = g.block(b.Next[edge])
		}
		// Follow single-successor blocks after the last decision.
		for len(b.Next) == 1 {
			b = g.block(b.Next[0])
		}
		if len(b.Next) == 0 {
			return dirs, nil
		}
	}
	return nil, fmt.Errorf("cfg: max length %d: %w", maxLen, ErrNoValidDirections)
}

// GenerateCases draws n direction sequences from a seeded generator.
// The same seed always yields the same sequences.
func (g *Graph) GenerateCases(seed uint64, n, maxLen int) ([]trace.Directions, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	out := make([]trace.Directions, 0, n)
	for i := 0; i < n; i++ {
		d, err := g.GenerateDirections(rng, maxLen)
		if err != nil {
			return out, fmt.Errorf("case %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}
