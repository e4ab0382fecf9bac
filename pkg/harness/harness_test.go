package harness

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/campaign"
	"github.com/oisee/cftrace/pkg/config"
	"github.com/oisee/cftrace/pkg/gpu"
	"github.com/oisee/cftrace/pkg/kernel"
	"github.com/oisee/cftrace/pkg/reduce"
	"github.com/oisee/cftrace/pkg/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newHarness(t *testing.T) *Harness {
	t.Helper()
	return New(config.Default(), zaptest.NewLogger(t))
}

// artifacts writes the sample kernel builds for variant v and returns the
// wasm and graph document paths.
func artifacts(t *testing.T, h *Harness, v kernel.Variant) (wasmPath, docPath string) {
	t.Helper()
	dir := t.TempDir()
	wasmPath = filepath.Join(dir, "cf.wasm")
	docPath = filepath.Join(dir, "cf.yaml")
	require.NoError(t, os.WriteFile(wasmPath, kernel.SampleWASM(h.Config.TraceLayout(), v), 0o644))
	require.NoError(t, os.WriteFile(docPath, []byte(kernel.SampleDocument(v)), 0o644))
	return wasmPath, docPath
}

func TestRunWritesTrace(t *testing.T) {
	h := newHarness(t)
	wasmPath, docPath := artifacts(t, h, kernel.Reference)

	tests := []struct {
		backend, artifact string
	}{
		{BackendWASM, wasmPath},
		{BackendGPU, docPath},
		{"gpu/soft", docPath},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			var out bytes.Buffer
			tr, err := h.Run(context.Background(), tt.backend, tt.artifact, strings.NewReader("[1,1,0]"), &out)
			require.NoError(t, err)
			assert.Equal(t, trace.Trace{1, 2, 3, 4, 2, 3, 4, 2, 5}, tr)
			assert.Equal(t, "1, 2, 3, 4, 2, 3, 4, 2, 5\n", out.String())
		})
	}
}

func TestRunJSON(t *testing.T) {
	h := newHarness(t)
	h.Format = trace.FormatJSON
	wasmPath, _ := artifacts(t, h, kernel.Reference)

	var out bytes.Buffer
	_, err := h.Run(context.Background(), BackendWASM, wasmPath, strings.NewReader("[]"), &out)
	require.NoError(t, err)
	assert.Equal(t, "[1,2,5]\n", out.String())
}

func TestRunFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer

	_, err := h.Run(context.Background(), BackendWASM, filepath.Join(t.TempDir(), "missing.wasm"),
		strings.NewReader("[0]"), &out)
	assert.ErrorIs(t, err, backend.ErrArtifactNotFound)

	_, err = h.Run(context.Background(), BackendWASM, "x.wasm", strings.NewReader("[-1]"), &out)
	assert.Error(t, err)
	assert.Empty(t, out.String())
}

func TestFactorySelection(t *testing.T) {
	h := newHarness(t)

	_, err := h.Factory("cuda", "", nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	_, err = h.Factory("wasm/soft", "", nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	_, err = h.Factory(BackendGPU, "vulkan", nil)
	assert.ErrorIs(t, err, gpu.ErrUnknownDriver)

	for _, name := range []string{BackendWASM, BackendGPU, "gpu/soft", "gpu/dispatch"} {
		f, err := h.Factory(name, "", nil)
		require.NoError(t, err, name)
		assert.NotNil(t, f)
	}
}

func TestMemoryImportOverride(t *testing.T) {
	c := config.Default()
	c.WASM.MemoryModule = "env"
	h := New(c, zaptest.NewLogger(t))
	wasmPath, _ := artifacts(t, h, kernel.Reference)

	// The sample kernel imports js.memory, which is no longer provided.
	_, err := h.Execute(context.Background(), Request{Backend: BackendWASM, Artifact: wasmPath})
	assert.ErrorIs(t, err, backend.ErrArtifactInvalid)
}

func TestExecuteTruncation(t *testing.T) {
	c := config.Default()
	c.Capacity = 4
	h := New(c, zaptest.NewLogger(t))
	wasmPath, _ := artifacts(t, h, kernel.Reference)

	_, err := h.Execute(context.Background(), Request{
		Backend: BackendWASM, Artifact: wasmPath, Directions: trace.Directions{1, 1, 0},
	})
	assert.ErrorIs(t, err, backend.ErrTruncation)

	h.Config.Truncation = trace.KeepPartial.String()
	_, err = h.Execute(context.Background(), Request{
		Backend: BackendWASM, Artifact: wasmPath, Directions: trace.Directions{1, 1, 0},
	})
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, trace.Trace{1, 2, 3, 4}, be.Partial)
}

func TestLongOverflowSameKindOnBothBackends(t *testing.T) {
	h := newHarness(t)
	wasmPath, docPath := artifacts(t, h, kernel.Reference)
	dirs := make(trace.Directions, 6001)
	for i := range 6000 {
		dirs[i] = 1
	}

	for _, req := range []Request{
		{Backend: BackendWASM, Artifact: wasmPath, Directions: dirs},
		{Backend: "gpu/soft", Artifact: docPath, Directions: dirs},
	} {
		_, err := h.Execute(context.Background(), req)
		assert.ErrorIs(t, err, backend.ErrTruncation, req.Backend)
		assert.Equal(t, "truncation", backend.KindName(err), req.Backend)
	}
}

func TestCampaignAcrossBackends(t *testing.T) {
	h := newHarness(t)
	h.Config.Campaign.Workers = 2
	wasmPath, docPath := artifacts(t, h, kernel.Reference)
	mutantPath, _ := artifacts(t, h, kernel.DropBlock4)

	targets, err := h.Targets([]config.Target{
		{Name: "vm", Backend: BackendWASM, Artifact: wasmPath},
		{Name: "soft", Backend: BackendGPU, Device: "soft", Artifact: docPath},
		{Name: "mutant", Backend: BackendWASM, Artifact: mutantPath},
	})
	require.NoError(t, err)
	c, err := h.Campaign(targets[:2], kernel.Graph(), nil)
	require.NoError(t, err)

	cases := []trace.Directions{{0}, {1, 0}, {1, 1, 0}, {1, 1, 1, 0}}
	tbl, err := c.Run(context.Background(), campaign.Cases(cases), nil)
	require.NoError(t, err)
	assert.True(t, tbl.Summary().OK(), "%+v", tbl.Records())

	c, err = h.Campaign(targets, kernel.Graph(), nil)
	require.NoError(t, err)
	tbl, err = c.Run(context.Background(), campaign.Cases(cases), nil)
	require.NoError(t, err)
	s := tbl.Summary()
	assert.Equal(t, 1, s.Match)
	assert.Equal(t, 3, s.Mismatch)
}

func TestTargetsRejectUnknownBackend(t *testing.T) {
	h := newHarness(t)
	_, err := h.Targets([]config.Target{{Name: "x", Backend: "cuda", Artifact: "k"}})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestMismatchReducesAgainstOracle(t *testing.T) {
	h := newHarness(t)
	mutantPath, _ := artifacts(t, h, kernel.DropBlock4)
	targets, err := h.Targets([]config.Target{{Name: "mutant", Backend: BackendWASM, Artifact: mutantPath}})
	require.NoError(t, err)

	fails, err := h.Mismatch(targets[0], kernel.Graph(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	bad, err := fails(ctx, trace.Directions{1, 1, 0})
	require.NoError(t, err)
	assert.True(t, bad)
	ok, err := fails(ctx, trace.Directions{0})
	require.NoError(t, err)
	assert.False(t, ok)
	invalid, err := fails(ctx, trace.Directions{1})
	require.NoError(t, err)
	assert.False(t, invalid, "sequences the graph rejects do not count")

	r := &reduce.Reducer{Fails: fails}
	found, err := r.Reduce(ctx, trace.Directions{1, 1, 0})
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, trace.Directions{1, 0}, found[0])
}

func TestMismatchAgainstReferenceTarget(t *testing.T) {
	h := newHarness(t)
	refPath, _ := artifacts(t, h, kernel.Reference)
	trapPath, _ := artifacts(t, h, kernel.Trap)
	targets, err := h.Targets([]config.Target{
		{Name: "ref", Backend: BackendWASM, Artifact: refPath},
		{Name: "trap", Backend: BackendWASM, Artifact: trapPath},
	})
	require.NoError(t, err)

	fails, err := h.Mismatch(targets[1], nil, &targets[0])
	require.NoError(t, err)
	bad, err := fails(context.Background(), trace.Directions{0})
	require.NoError(t, err)
	assert.True(t, bad)

	same, err := h.Mismatch(targets[0], nil, &targets[0])
	require.NoError(t, err)
	bad, err = same(context.Background(), trace.Directions{1, 0})
	require.NoError(t, err)
	assert.False(t, bad)

	_, err = h.Mismatch(targets[0], nil, nil)
	assert.Error(t, err)
}

func TestMismatchCancelled(t *testing.T) {
	h := newHarness(t)
	refPath, _ := artifacts(t, h, kernel.Reference)
	targets, err := h.Targets([]config.Target{{Name: "ref", Backend: BackendWASM, Artifact: refPath}})
	require.NoError(t, err)
	fails, err := h.Mismatch(targets[0], kernel.Graph(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fails(ctx, trace.Directions{0})
	assert.True(t, errors.Is(err, context.Canceled))
}
