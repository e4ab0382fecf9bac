// Package cfg models the control-flow graph a kernel was compiled from and
// walks it on the host. The walk is the oracle every backend trace is
// checked against.
package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/oisee/cftrace/pkg/trace"
)

var (
	// ErrDirectionsExhausted is returned when a branch needs a direction and
	// none are left.
	ErrDirectionsExhausted = errors.New("directions exhausted")
	// ErrInvalidDirection is returned when a direction names an edge the
	// block does not have.
	ErrInvalidDirection = errors.New("direction out of range")
	// ErrNoValidDirections is returned when generation cannot reach an exit.
	ErrNoValidDirections = errors.New("no valid directions")
	// ErrTrap is returned when the walk enters a trap block.
	ErrTrap = errors.New("trap")
)

// Block is one basic block and its ordered successors. A direction d taken
// at this block follows Next[d]. A trap block aborts the walk before it is
// recorded and has no successors.
type Block struct {
	ID   trace.Value   `yaml:"id" json:"id"`
	Next []trace.Value `yaml:"next,flow" json:"next"`
	Trap bool          `yaml:"trap,omitempty" json:"trap,omitempty"`
}

// Graph is a control-flow graph with a single entry block.
type Graph struct {
	Entry  trace.Value `yaml:"entry" json:"entry"`
	Blocks []Block     `yaml:"blocks" json:"blocks"`

	index map[trace.Value]int
}

// Parse decodes a graph document (YAML or JSON) and validates it.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("cfg: empty document")
		}
		return nil, fmt.Errorf("cfg: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Load reads and parses a graph document from path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Marshal encodes the graph as YAML.
func (g *Graph) Marshal() ([]byte, error) {
	return yaml.Marshal(g)
}

// Validate checks block ids are non-zero and unique, every successor exists,
// and an exit block is reachable from every block. The last condition is
// what makes every walk finite once directions run out.
func (g *Graph) Validate() error {
	g.index = make(map[trace.Value]int, len(g.Blocks))
	for i, b := range g.Blocks {
		if b.ID == trace.Sentinel {
			return fmt.Errorf("cfg: block id %d is the trace sentinel", b.ID)
		}
		if b.Trap && len(b.Next) > 0 {
			return fmt.Errorf("cfg: trap block %d has successors", b.ID)
		}
		if _, dup := g.index[b.ID]; dup {
			return fmt.Errorf("cfg: duplicate block %d", b.ID)
		}
		g.index[b.ID] = i
	}
	if _, ok := g.index[g.Entry]; !ok {
		return fmt.Errorf("cfg: entry block %d not defined", g.Entry)
	}
	for _, b := range g.Blocks {
		for _, n := range b.Next {
			if _, ok := g.index[n]; !ok {
				return fmt.Errorf("cfg: block %d jumps to undefined block %d", b.ID, n)
			}
		}
	}

	// Reverse reachability from the exits.
	preds := make(map[trace.Value][]trace.Value)
	var queue []trace.Value
	for _, b := range g.Blocks {
		if len(b.Next) == 0 {
			queue = append(queue, b.ID)
		}
		for _, n := range b.Next {
			preds[n] = append(preds[n], b.ID)
		}
	}
	if len(queue) == 0 {
		return fmt.Errorf("cfg: no exit block")
	}
	seen := make(map[trace.Value]bool, len(g.Blocks))
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, p := range preds[id] {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	var stuck []int
	for _, b := range g.Blocks {
		if !seen[b.ID] {
			stuck = append(stuck, int(b.ID))
		}
	}
	if len(stuck) > 0 {
		sort.Ints(stuck)
		return fmt.Errorf("cfg: no exit reachable from blocks %v", stuck)
	}
	return nil
}

func (g *Graph) block(id trace.Value) *Block {
	if g.index == nil {
		if err := g.Validate(); err != nil {
			return nil
		}
	}
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return &g.Blocks[i]
}

// Run walks the graph from the entry block. Every visited block is passed
// to emit. next is called once per block with more than one successor and
// must report false when no direction is left.
func (g *Graph) Run(next func() (trace.Direction, bool), emit func(trace.Value)) error {
	b := g.block(g.Entry)
	if b == nil {
		return fmt.Errorf("cfg: entry block %d not defined", g.Entry)
	}
	for {
		if b.Trap {
			return fmt.Errorf("block %d: %w", b.ID, ErrTrap)
		}
		emit(b.ID)
		var edge int
		switch len(b.Next) {
		case 0:
			return nil
		case 1:
			edge = 0
		default:
			d, ok := next()
			if !ok {
				return fmt.Errorf("block %d: %w", b.ID, ErrDirectionsExhausted)
			}
			if uint64(d) >= uint64(len(b.Next)) {
				return fmt.Errorf("block %d: direction %d with %d edges: %w", b.ID, d, len(b.Next), ErrInvalidDirection)
			}
			edge = int(d)
		}
		b = g.block(b.Next[edge])
	}
}

// ExpectedTrace returns the blocks visited when the kernel follows dirs.
// On error the trace walked so far is returned with it.
func (g *Graph) ExpectedTrace(dirs trace.Directions) (trace.Trace, error) {
	var (
		out trace.Trace
		i   int
	)
	err := g.Run(func() (trace.Direction, bool) {
		if i >= len(dirs) {
			return 0, false
		}
		d := dirs[i]
		i++
		return d, true
	}, func(v trace.Value) {
		out = append(out, v)
	})
	return out, err
}
