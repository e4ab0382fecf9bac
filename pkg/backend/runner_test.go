package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/backend/fake"
	"github.com/oisee/cftrace/pkg/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echo writes 1, then each direction plus 10, then 99.
func echo(dirs trace.Directions, capacity int) []trace.Value {
	out := []trace.Value{1}
	for _, d := range dirs {
		out = append(out, trace.Value(d)+10)
	}
	return append(out, 99)
}

func request(dirs ...trace.Direction) backend.BindRequest {
	return backend.BindRequest{Directions: dirs, Capacity: 8}
}

func TestRunnerSuccess(t *testing.T) {
	fb := &fake.Backend{Exec: echo}
	r := backend.NewRunner(fb.Factory(), nil)

	tr, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, request(1, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, trace.Trace{1, 11, 10, 11, 99}, tr)
	assert.Equal(t, backend.StateDone, r.State())
	assert.Equal(t, []string{"bind", "load", "invoke", "readback"}, fb.Calls())
	assert.True(t, fb.Closed())
}

func TestRunnerEmptyTrace(t *testing.T) {
	fb := &fake.Backend{}
	r := backend.NewRunner(fb.Factory(), nil)

	tr, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, request())
	require.NoError(t, err)
	assert.Empty(t, tr)
	assert.NotNil(t, tr)
}

func TestRunnerPhaseErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		fb    *fake.Backend
		phase backend.Phase
		kind  error
		state backend.State
	}{
		{"bind", &fake.Backend{BindErr: fmtErr(backend.ErrBinding, boom)}, backend.PhaseBind, backend.ErrBinding, backend.StateFailed},
		{"load missing", &fake.Backend{LoadErr: fmtErr(backend.ErrArtifactNotFound, boom)}, backend.PhaseLoad, backend.ErrArtifactNotFound, backend.StateFailed},
		{"load invalid", &fake.Backend{LoadErr: fmtErr(backend.ErrArtifactInvalid, boom)}, backend.PhaseLoad, backend.ErrArtifactInvalid, backend.StateFailed},
		{"invoke", &fake.Backend{InvokeErr: fmtErr(backend.ErrExecutionFault, boom)}, backend.PhaseInvoke, backend.ErrExecutionFault, backend.StateFailed},
		{"exhausted", &fake.Backend{InvokeErr: fmtErr(backend.ErrDirectionsExhausted, boom)}, backend.PhaseInvoke, backend.ErrDirectionsExhausted, backend.StateFailed},
		{"readback", &fake.Backend{ReadbackErr: fmtErr(backend.ErrExecutionFault, boom)}, backend.PhaseReadback, backend.ErrExecutionFault, backend.StateFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := backend.NewRunner(tc.fb.Factory(), nil)
			tr, err := r.Run(context.Background(), backend.Artifact{Path: "k.wasm"}, request())
			require.Error(t, err)
			assert.Nil(t, tr)

			var be *backend.Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tc.phase, be.Phase)
			assert.Equal(t, "fake", be.Backend)
			assert.Equal(t, "k.wasm", be.Artifact)
			assert.ErrorIs(t, err, tc.kind)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tc.kind, backend.KindOf(err))
			assert.Equal(t, tc.state, r.State())
			assert.True(t, tc.fb.Closed(), "backend must be closed after a failure")
		})
	}
}

func fmtErr(kind, cause error) error {
	return errors.Join(kind, cause)
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	fb := &fake.Backend{LoadErr: backend.ErrArtifactInvalid}
	r := backend.NewRunner(fb.Factory(), nil)
	_, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{}}, request())
	require.ErrorIs(t, err, backend.ErrArtifactInvalid)
	assert.Equal(t, []string{"bind", "load"}, fb.Calls())
}

func TestRunnerBadRequest(t *testing.T) {
	fb := &fake.Backend{}
	r := backend.NewRunner(fb.Factory(), nil)

	_, err := r.Run(context.Background(), backend.Artifact{}, backend.BindRequest{Capacity: 0})
	assert.ErrorIs(t, err, backend.ErrBinding)

	_, err = r.Run(context.Background(), backend.Artifact{}, backend.BindRequest{
		Directions: trace.Directions{1}, NoInput: true, Capacity: 4,
	})
	assert.ErrorIs(t, err, backend.ErrBinding)
	assert.Empty(t, fb.Calls(), "no backend work before validation")
}

func TestRunnerCreateFailure(t *testing.T) {
	r := backend.NewRunner(func(context.Context) (backend.Backend, error) {
		return nil, errors.New("no adapter")
	}, nil)
	_, err := r.Run(context.Background(), backend.Artifact{}, request())
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backend.PhaseCreate, be.Phase)
	assert.Equal(t, "other", backend.KindName(err))
}

func TestRunnerTruncation(t *testing.T) {
	full := func(trace.Directions, int) []trace.Value {
		return []trace.Value{1, 2, 3, 4}
	}

	t.Run("reject", func(t *testing.T) {
		fb := &fake.Backend{Exec: full}
		r := backend.NewRunner(fb.Factory(), nil)
		tr, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, backend.BindRequest{Capacity: 4})
		require.ErrorIs(t, err, backend.ErrTruncation)
		assert.Nil(t, tr)
		var be *backend.Error
		require.ErrorAs(t, err, &be)
		assert.Equal(t, backend.PhaseExtract, be.Phase)
		assert.Nil(t, be.Partial)
	})

	t.Run("keep partial", func(t *testing.T) {
		fb := &fake.Backend{Exec: full}
		r := backend.NewRunner(fb.Factory(), nil)
		r.Policy = trace.KeepPartial
		tr, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, backend.BindRequest{Capacity: 4})
		require.ErrorIs(t, err, backend.ErrTruncation)
		assert.Nil(t, tr, "a partial trace is never a success")
		var be *backend.Error
		require.ErrorAs(t, err, &be)
		assert.Equal(t, trace.Trace{1, 2, 3, 4}, be.Partial)
		assert.Equal(t, "truncation", backend.KindName(err))
	})
}

func TestRunnerTimeout(t *testing.T) {
	fb := &fake.Backend{Block: true}
	r := backend.NewRunner(fb.Factory(), nil)
	r.Timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, request())
	require.ErrorIs(t, err, backend.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, backend.KindOf(err), backend.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, fb.Closed())
}

func TestRunnerFreshBackendPerRun(t *testing.T) {
	var made []*fake.Backend
	r := backend.NewRunner(func(context.Context) (backend.Backend, error) {
		fb := &fake.Backend{Exec: echo}
		made = append(made, fb)
		return fb, nil
	}, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, request(trace.Direction(i)))
		require.NoError(t, err)
	}
	require.Len(t, made, 3)
	for _, fb := range made {
		assert.True(t, fb.Closed())
		assert.Len(t, fb.Calls(), 4)
	}
}

func TestRunnerCloseErrorIgnored(t *testing.T) {
	fb := &fake.Backend{Exec: echo, CloseErr: errors.New("release failed")}
	r := backend.NewRunner(fb.Factory(), nil)
	_, err := r.Run(context.Background(), backend.Artifact{Bytes: []byte{0}}, request())
	assert.NoError(t, err)
}

func TestArtifactRead(t *testing.T) {
	_, err := backend.Artifact{Path: "/definitely/not/here.wasm"}.Read()
	assert.ErrorIs(t, err, backend.ErrArtifactNotFound)

	_, err = backend.Artifact{}.Read()
	assert.ErrorIs(t, err, backend.ErrArtifactNotFound)

	data, err := backend.Artifact{Path: "ignored", Bytes: []byte("x")}.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestErrorMessage(t *testing.T) {
	e := &backend.Error{Backend: "wasm", Phase: backend.PhaseInvoke, Artifact: "k.wasm", Err: backend.ErrExecutionFault}
	assert.Equal(t, "wasm: invoke k.wasm: execution fault", e.Error())
	assert.Equal(t, "", backend.KindName(nil))
}
