package cfg

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oisee/cftrace/pkg/trace"
)

// loopGraph is the reference kernel: block 2 loops through 3 and 4 on
// direction 1 and leaves to 5 on direction 0.
const loopGraph = `
entry: 1
blocks:
  - {id: 1, next: [2]}
  - {id: 2, next: [5, 3]}
  - {id: 3, next: [4]}
  - {id: 4, next: [2]}
  - {id: 5, next: []}
`

func mustParse(t *testing.T, doc string) *Graph {
	t.Helper()
	g, err := Parse([]byte(doc))
	require.NoError(t, err)
	return g
}

func TestExpectedTrace(t *testing.T) {
	g := mustParse(t, loopGraph)

	tests := []struct {
		name string
		dirs trace.Directions
		want trace.Trace
	}{
		{"scenario", trace.Directions{1, 1, 0}, trace.Trace{1, 2, 3, 4, 2, 3, 4, 2, 5}},
		{"immediate exit", trace.Directions{0}, trace.Trace{1, 2, 5}},
		{"leftover directions ignored", trace.Directions{0, 1, 1}, trace.Trace{1, 2, 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.ExpectedTrace(tc.dirs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpectedTrace_Exhausted(t *testing.T) {
	g := mustParse(t, loopGraph)

	got, err := g.ExpectedTrace(nil)
	assert.ErrorIs(t, err, ErrDirectionsExhausted)
	assert.Equal(t, trace.Trace{1, 2}, got, "walk stops at the first branch")

	got, err = g.ExpectedTrace(trace.Directions{1, 1})
	assert.ErrorIs(t, err, ErrDirectionsExhausted)
	assert.Equal(t, trace.Trace{1, 2, 3, 4, 2, 3, 4, 2}, got)
}

func TestExpectedTrace_InvalidDirection(t *testing.T) {
	g := mustParse(t, loopGraph)
	_, err := g.ExpectedTrace(trace.Directions{2})
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestDirectionOrderMatters(t *testing.T) {
	g := mustParse(t, loopGraph)
	a, err := g.ExpectedTrace(trace.Directions{1, 0, 1})
	require.NoError(t, err)
	b, err := g.ExpectedTrace(trace.Directions{0, 1, 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, trace.Trace{1, 2, 3, 4, 2, 5}, a)
	assert.Equal(t, trace.Trace{1, 2, 5}, b)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero id", `{entry: 0, blocks: [{id: 0, next: []}]}`},
		{"duplicate", `{entry: 1, blocks: [{id: 1, next: []}, {id: 1, next: []}]}`},
		{"missing entry", `{entry: 9, blocks: [{id: 1, next: []}]}`},
		{"undefined successor", `{entry: 1, blocks: [{id: 1, next: [7]}]}`},
		{"no exit", `{entry: 1, blocks: [{id: 1, next: [1]}]}`},
		{"trap cycle", `{entry: 1, blocks: [{id: 1, next: [2, 3]}, {id: 2, next: [2]}, {id: 3, next: []}]}`},
		{"unknown field", `{entry: 1, exits: [1], blocks: [{id: 1, next: []}]}`},
		{"empty", ``},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseJSON(t *testing.T) {
	g := mustParse(t, `{"entry":1,"blocks":[{"id":1,"next":[2]},{"id":2,"next":[]}]}`)
	got, err := g.ExpectedTrace(nil)
	require.NoError(t, err)
	assert.Equal(t, trace.Trace{1, 2}, got)

	out, err := g.Marshal()
	require.NoError(t, err)
	back := mustParse(t, string(out))
	assert.Equal(t, g.Entry, back.Entry)
	assert.Equal(t, g.Blocks, back.Blocks)
}

func TestGenerateDirections(t *testing.T) {
	g := mustParse(t, loopGraph)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		dirs, err := g.GenerateDirections(rng, 64)
		require.NoError(t, err)
		require.NotEmpty(t, dirs)
		assert.LessOrEqual(t, len(dirs), 64)

		// Every generated sequence drives the walk exactly to an exit.
		tr, err := g.ExpectedTrace(dirs)
		require.NoError(t, err)
		assert.Equal(t, trace.Value(5), tr[len(tr)-1])
		assert.Equal(t, trace.Direction(0), dirs[len(dirs)-1])
	}
}

func TestGenerateDirections_TooShort(t *testing.T) {
	g := mustParse(t, `
entry: 1
blocks:
  - {id: 1, next: [2, 1]}
  - {id: 2, next: [3, 1]}
  - {id: 3, next: []}
`)
	_, err := g.GenerateDirections(rand.New(rand.NewPCG(3, 3)), 0)
	assert.ErrorIs(t, err, ErrNoValidDirections)
}

func TestGenerateCases_Deterministic(t *testing.T) {
	g := mustParse(t, loopGraph)
	a, err := g.GenerateCases(42, 10, 32)
	require.NoError(t, err)
	b, err := g.GenerateCases(42, 10, 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 10)
}

func TestTrapBlock(t *testing.T) {
	g := mustParse(t, `{entry: 1, blocks: [{id: 1, next: [2]}, {id: 2, trap: true}]}`)
	got, err := g.ExpectedTrace(nil)
	assert.ErrorIs(t, err, ErrTrap)
	assert.Equal(t, trace.Trace{1}, got)

	_, err = Parse([]byte(`{entry: 1, blocks: [{id: 1, trap: true, next: [1]}]}`))
	assert.Error(t, err)
}
