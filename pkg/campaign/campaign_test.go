package campaign_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/backend/fake"
	"github.com/oisee/cftrace/pkg/campaign"
	"github.com/oisee/cftrace/pkg/gpu"
	"github.com/oisee/cftrace/pkg/gpu/softgpu"
	"github.com/oisee/cftrace/pkg/kernel"
	"github.com/oisee/cftrace/pkg/result"
	"github.com/oisee/cftrace/pkg/trace"
	"github.com/oisee/cftrace/pkg/wasm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func targets(t *testing.T, wasmVariant, gpuVariant kernel.Variant) []campaign.Target {
	l := trace.DefaultLayout()
	log := zaptest.NewLogger(t)
	return []campaign.Target{
		{
			Name:     "wasm",
			Artifact: backend.Artifact{Bytes: kernel.SampleWASM(l, wasmVariant)},
			New:      wasm.Factory(l, log),
		},
		{
			Name:     "gpu/soft",
			Artifact: backend.Artifact{Bytes: []byte(kernel.SampleDocument(gpuVariant))},
			New:      gpu.Factory(softgpu.Driver, gpu.Options{}, l, log),
		},
	}
}

func generated(t *testing.T, n int) []campaign.Case {
	dirs, err := kernel.Graph().GenerateCases(1, n, 12)
	require.NoError(t, err)
	return campaign.Cases(dirs)
}

func TestAllMatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := campaign.NewMetrics(reg)
	c, err := campaign.New(targets(t, kernel.Reference, kernel.Reference), kernel.Graph(),
		campaign.Config{Workers: 4, Metrics: m, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	tbl, err := c.Run(context.Background(), generated(t, 30), nil)
	require.NoError(t, err)
	s := tbl.Summary()
	assert.Equal(t, 30, s.Cases)
	assert.True(t, s.OK(), "summary %+v", s)
	checked, failures := c.Stats()
	assert.EqualValues(t, 30, checked)
	assert.Zero(t, failures)

	assert.Equal(t, 30.0, testutil.ToFloat64(m.Cases.WithLabelValues("match")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.Runs.WithLabelValues("wasm", "ok")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.Runs.WithLabelValues("gpu/soft", "ok")))
}

func TestMutantIsCaught(t *testing.T) {
	c, err := campaign.New(targets(t, kernel.DropBlock4, kernel.Reference), kernel.Graph(), campaign.Config{Workers: 2})
	require.NoError(t, err)

	cases := campaign.Cases([]trace.Directions{{0}, {1, 0}})
	tbl, err := c.Run(context.Background(), cases, nil)
	require.NoError(t, err)
	recs := tbl.Records()
	require.Len(t, recs, 2)

	assert.Equal(t, result.Match, recs[0].Verdict, "no loop iteration, nothing to drop")
	assert.Equal(t, result.Mismatch, recs[1].Verdict)
	assert.Contains(t, recs[1].Detail, "oracle vs wasm")
	assert.Equal(t, trace.Trace{1, 2, 3, 2, 5}, recs[1].Outcomes[0].Trace)
}

func TestWithoutOracleFirstTargetIsReference(t *testing.T) {
	c, err := campaign.New(targets(t, kernel.Reference, kernel.DropBlock4), nil, campaign.Config{Workers: 1})
	require.NoError(t, err)
	tbl, err := c.Run(context.Background(), campaign.Cases([]trace.Directions{{1, 0}}), nil)
	require.NoError(t, err)
	rec := tbl.Records()[0]
	assert.Equal(t, result.Mismatch, rec.Verdict)
	assert.Equal(t, trace.Trace{1, 2, 3, 4, 2, 5}, rec.Expected)
	assert.True(t, strings.HasPrefix(rec.Detail, "wasm vs gpu/soft"), rec.Detail)
}

func TestFaultVerdict(t *testing.T) {
	c, err := campaign.New(targets(t, kernel.Trap, kernel.Reference), kernel.Graph(), campaign.Config{Workers: 1})
	require.NoError(t, err)
	tbl, err := c.Run(context.Background(), campaign.Cases([]trace.Directions{{0}}), nil)
	require.NoError(t, err)
	rec := tbl.Records()[0]
	assert.Equal(t, result.Fault, rec.Verdict)
	assert.Equal(t, "execution_fault", rec.Outcomes[0].Kind)
}

func TestOracleFault(t *testing.T) {
	c, err := campaign.New(targets(t, kernel.Reference, kernel.Reference), kernel.Graph(), campaign.Config{Workers: 1})
	require.NoError(t, err)
	tbl, err := c.Run(context.Background(), campaign.Cases([]trace.Directions{{1}}), nil)
	require.NoError(t, err)
	rec := tbl.Records()[0]
	assert.Equal(t, result.Fault, rec.Verdict)
	assert.Contains(t, rec.ExpectedError, "directions exhausted")
}

func TestCheckpointResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.ckpt")
	cases := generated(t, 10)

	c, err := campaign.New(targets(t, kernel.Reference, kernel.Reference), kernel.Graph(),
		campaign.Config{Workers: 2, Checkpoint: path, CheckpointEvery: 3, Seed: 1})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), cases[:6], nil)
	require.NoError(t, err)

	ckpt, err := result.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, c.ID, ckpt.Campaign)
	assert.Len(t, ckpt.Records, 6)

	resumed, err := campaign.New(targets(t, kernel.Reference, kernel.Reference), kernel.Graph(), campaign.Config{Workers: 2})
	require.NoError(t, err)
	tbl, err := resumed.Run(context.Background(), cases, ckpt.Restore())
	require.NoError(t, err)
	assert.Equal(t, 10, tbl.Len())
	checked, _ := resumed.Stats()
	assert.EqualValues(t, 4, checked, "only the cases missing from the checkpoint run")
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := campaign.New(targets(t, kernel.Reference, kernel.Reference), kernel.Graph(), campaign.Config{Workers: 2})
	require.NoError(t, err)
	tbl, err := c.Run(ctx, generated(t, 5), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, tbl.Len())
}

func TestPartialKept(t *testing.T) {
	full := &fake.Backend{Exec: func(trace.Directions, int) []trace.Value { return []trace.Value{7, 7, 7, 7} }}
	ok := &fake.Backend{Exec: func(trace.Directions, int) []trace.Value { return []trace.Value{7} }}
	c, err := campaign.New([]campaign.Target{
		{Name: "ok", New: ok.Factory(), Artifact: backend.Artifact{Bytes: []byte{0}}},
		{Name: "full", New: full.Factory(), Artifact: backend.Artifact{Bytes: []byte{0}}},
	}, nil, campaign.Config{Workers: 1, Policy: trace.KeepPartial, Layout: trace.DefaultLayout().WithCapacity(4)})
	require.NoError(t, err)
	tbl, err := c.Run(context.Background(), campaign.Cases([]trace.Directions{{}}), nil)
	require.NoError(t, err)
	rec := tbl.Records()[0]
	assert.Equal(t, result.Fault, rec.Verdict)
	assert.Equal(t, "truncation", rec.Outcomes[1].Kind)
	assert.Equal(t, trace.Trace{7, 7, 7, 7}, rec.Outcomes[1].Partial)
}

func TestNewValidates(t *testing.T) {
	_, err := campaign.New(nil, kernel.Graph(), campaign.Config{})
	assert.Error(t, err)
	one := targets(t, kernel.Reference, kernel.Reference)[:1]
	_, err = campaign.New(one, nil, campaign.Config{})
	assert.Error(t, err, "a single target needs an oracle")
	dup := append(one, one[0])
	_, err = campaign.New(dup, kernel.Graph(), campaign.Config{})
	assert.Error(t, err)
}
