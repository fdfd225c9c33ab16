package trakgo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hupe1980/trakgo/internal/featurestore"
	"github.com/hupe1980/trakgo/internal/gradient"
	"github.com/hupe1980/trakgo/internal/resource"
	"github.com/hupe1980/trakgo/model"
	"github.com/hupe1980/trakgo/projector"
	"github.com/hupe1980/trakgo/task"
	"github.com/hupe1980/trakgo/testutil"
)

func trainBatch(ds testutil.Dataset, lo, hi int) Batch {
	return Batch{Inputs: ds.Inputs[lo:hi], Labels: ds.Labels[lo:hi], Indices: testutil.Seq(lo, hi)}
}

func featurizeRange(t *testing.T, e *Engine, ds testutil.Dataset, lo, hi, batch int) {
	t.Helper()
	for _, r := range testutil.Ranges(hi-lo, batch) {
		b := trainBatch(ds, lo+r[0], lo+r[1])
		require.NoError(t, e.Featurize(context.Background(), b, nil, b.Len()))
	}
}

func scoreAll(t *testing.T, e *Engine, qs testutil.Dataset, batch int) {
	t.Helper()
	for _, r := range testutil.Ranges(qs.Len(), batch) {
		b := Batch{Inputs: qs.Inputs[r[0]:r[1]], Labels: qs.Labels[r[0]:r[1]]}
		require.NoError(t, e.Score(context.Background(), b, nil, b.Len()))
	}
}

// runAll featurizes, finalizes and scores every checkpoint in one engine.
func runAll(t *testing.T, dir string, m model.Model, ds, qs testutil.Dataset, ckpts [][]float32, opts ...Option) *ScoreMatrix {
	t.Helper()
	ctx := context.Background()

	e, err := Open(ctx, dir, m, ds.Len(), opts...)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	for id, p := range ckpts {
		require.NoError(t, e.LoadCheckpoint(ctx, p, id))
		featurizeRange(t, e, ds, 0, ds.Len(), 50)
	}
	require.NoError(t, e.FinalizeFeatures(ctx))

	for id, p := range ckpts {
		require.NoError(t, e.LoadCheckpoint(ctx, p, id))
		scoreAll(t, e, qs, 7)
	}
	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	return sm
}

func smallSetup(seed int64) (model.Model, testutil.Dataset, testutil.Dataset, [][]float32) {
	rng := testutil.NewRNG(seed)
	m := model.NewLinear(6, 3, true)
	ds := rng.Blobs(120, 6, 3, 0.8)
	qs := rng.Blobs(10, 6, 3, 0.8)
	ckpts := [][]float32{rng.Params(m.NumParams(), 0.5), rng.Params(m.NumParams(), 0.5)}
	return m, ds, qs, ckpts
}

func TestEngine_Shape(t *testing.T) {
	m, ds, qs, ckpts := smallSetup(1)
	sm := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(8), WithSeed(3))

	assert.Equal(t, ds.Len(), sm.Rows)
	assert.Equal(t, qs.Len(), sm.Cols)
	require.Len(t, sm.Data, ds.Len()*qs.Len())
	for _, v := range sm.Data {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

// A one-output linear model without bias under the binary margin has
// per-example gradient ±x. With a square invertible projection the
// projected scores equal the unprojected ones: s_i s_q x_iᵀ(XᵀX)⁻¹x_q.
func TestEngine_ClosedForm(t *testing.T) {
	const d = 6
	rng := testutil.NewRNG(11)
	m := model.NewLinear(d, 1, false)

	ds := rng.Blobs(200, d, 2, 1.0)
	qs := rng.Blobs(5, d, 2, 1.0)
	params := rng.Params(d, 0.3)

	sm := runAll(t, t.TempDir(), m, ds, qs, [][]float32{params},
		WithProjDim(d),
		WithProjectionType(projector.Normal),
		WithTask(task.BinaryMargin{}),
		WithSeed(99),
	)

	x := mat.NewDense(ds.Len(), d, nil)
	for i, in := range ds.Inputs {
		x.SetRow(i, testutil.Float64s(in))
	}
	var gram, inv mat.Dense
	gram.Mul(x.T(), x)
	require.NoError(t, inv.Inverse(&gram))

	sign := func(label float64) float64 { return 2*label - 1 }
	var scale float64
	exact := make([][]float64, ds.Len())
	for i := range ds.Inputs {
		exact[i] = make([]float64, qs.Len())
		xi := mat.NewVecDense(d, testutil.Float64s(ds.Inputs[i]))
		for j := range qs.Inputs {
			xq := mat.NewVecDense(d, testutil.Float64s(qs.Inputs[j]))
			exact[i][j] = sign(ds.Labels[i]) * sign(qs.Labels[j]) * mat.Inner(xi, &inv, xq)
			scale = math.Max(scale, math.Abs(exact[i][j]))
		}
	}

	tol := 1e-3 * math.Max(scale, 1e-3)
	for i := range exact {
		for j := range exact[i] {
			require.InDelta(t, exact[i][j], float64(sm.At(i, j)), tol, "train %d query %d", i, j)
		}
	}
}

func TestEngine_EnsemblingIdentity(t *testing.T) {
	m, ds, qs, ckpts := smallSetup(2)
	opts := []Option{WithProjDim(8), WithSeed(5)}

	single := runAll(t, t.TempDir(), m, ds, qs, ckpts[:1], opts...)
	twice := runAll(t, t.TempDir(), m, ds, qs, [][]float32{ckpts[0], ckpts[0]}, opts...)

	require.Equal(t, single.Rows, twice.Rows)
	require.Equal(t, single.Cols, twice.Cols)
	assert.InDeltaSlice(t, single.Data, twice.Data, 1e-6)
}

func TestEngine_Resume(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(3)
	opts := []Option{WithProjDim(8), WithSeed(7)}

	want := runAll(t, t.TempDir(), m, ds, qs, ckpts, opts...)

	t.Run("mid featurization", func(t *testing.T) {
		dir := t.TempDir()

		e, err := Open(ctx, dir, m, ds.Len(), opts...)
		require.NoError(t, err)
		require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
		featurizeRange(t, e, ds, 0, ds.Len(), 50)
		require.NoError(t, e.LoadCheckpoint(ctx, ckpts[1], 1))
		featurizeRange(t, e, ds, 0, 60, 30)
		require.NoError(t, e.Close())

		e, err = Open(ctx, dir, m, ds.Len(), opts...)
		require.NoError(t, err)
		defer e.Close()

		st := e.Status()
		require.Len(t, st, 2)
		assert.Equal(t, StateComplete, st[0].State)
		assert.Equal(t, StateFeaturizing, st[1].State)
		assert.Equal(t, 60, st[1].Written)
		assert.False(t, st[1].Loaded)

		require.NoError(t, e.LoadCheckpoint(ctx, ckpts[1], 1))
		featurizeRange(t, e, ds, 60, ds.Len(), 30)
		require.NoError(t, e.FinalizeFeatures(ctx))
		for id, p := range ckpts {
			require.NoError(t, e.LoadCheckpoint(ctx, p, id))
			scoreAll(t, e, qs, 7)
		}
		got, err := e.FinalizeScores(ctx)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)
	})

	t.Run("between finalize and score", func(t *testing.T) {
		dir := t.TempDir()

		e, err := Open(ctx, dir, m, ds.Len(), opts...)
		require.NoError(t, err)
		for id, p := range ckpts {
			require.NoError(t, e.LoadCheckpoint(ctx, p, id))
			featurizeRange(t, e, ds, 0, ds.Len(), 40)
		}
		require.NoError(t, e.FinalizeFeatures(ctx))
		require.NoError(t, e.Close())

		e, err = Open(ctx, dir, m, ds.Len(), opts...)
		require.NoError(t, err)
		defer e.Close()
		for _, st := range e.Status() {
			assert.Equal(t, StateFinalized, st.State)
			assert.True(t, st.HasCorrection)
		}
		for id, p := range ckpts {
			require.NoError(t, e.LoadCheckpoint(ctx, p, id))
			scoreAll(t, e, qs, 4)
		}
		got, err := e.FinalizeScores(ctx)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)
	})
}

func TestEngine_AsyncDurability(t *testing.T) {
	m, ds, qs, ckpts := smallSetup(4)
	want := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(8))
	got := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(8), WithDurability(DurabilityAsync), WithProjector(ProjectorDense))
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)
}

func TestEngine_FusedMatchesDense(t *testing.T) {
	m, ds, qs, ckpts := smallSetup(5)
	dense := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(8), WithProjector(ProjectorDense))
	fused := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(8), WithProjector(ProjectorFused))

	var scale float64
	for _, v := range dense.Data {
		scale = math.Max(scale, math.Abs(float64(v)))
	}
	assert.InDeltaSlice(t, dense.Data, fused.Data, 1e-3*scale)
}

func TestEngine_Completeness(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(6)

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	featurizeRange(t, e, ds, 0, ds.Len(), 50)
	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[1], 1))
	featurizeRange(t, e, ds, 0, ds.Len()-1, 50)

	err = e.FinalizeFeatures(ctx)
	require.ErrorIs(t, err, ErrIncompleteFeatures)
	var ife *IncompleteFeaturesError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, []int{1}, ife.ModelIDs)
	assert.Equal(t, 1, ife.Missing)

	st := e.Status()
	assert.Equal(t, StateFinalized, st[0].State)
	assert.Equal(t, StateFeaturizing, st[1].State)

	q := Batch{Inputs: qs.Inputs[:2], Labels: qs.Labels[:2]}
	assert.ErrorIs(t, e.Score(ctx, q, nil, 2), ErrIncompleteFeatures)

	last := trainBatch(ds, ds.Len()-1, ds.Len())
	require.NoError(t, e.Featurize(ctx, last, nil, 1))
	require.NoError(t, e.FinalizeFeatures(ctx))
	require.NoError(t, e.Score(ctx, q, nil, 2))
}

func TestEngine_StateErrors(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(7)
	q := Batch{Inputs: qs.Inputs[:2], Labels: qs.Labels[:2]}

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	defer e.Close()

	assert.ErrorIs(t, e.Featurize(ctx, trainBatch(ds, 0, 2), nil, 2), ErrInvalidState)
	_, err = e.FinalizeScores(ctx)
	assert.ErrorIs(t, err, ErrNoScores)

	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	featurizeRange(t, e, ds, 0, ds.Len(), 60)
	assert.Equal(t, StateComplete, e.Status()[0].State)

	// complete but not finalized
	err = e.Score(ctx, q, nil, 2)
	require.ErrorIs(t, err, ErrInvalidState)
	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, StateComplete, ise.State)

	// rewriting rows of a complete checkpoint is allowed
	require.NoError(t, e.Featurize(ctx, trainBatch(ds, 0, 2), nil, 2))

	require.NoError(t, e.FinalizeFeatures(ctx))
	assert.ErrorIs(t, e.Featurize(ctx, trainBatch(ds, 0, 2), nil, 2), ErrInvalidState)

	require.NoError(t, e.Score(ctx, q, nil, 2))
	assert.Equal(t, StateScored, e.Status()[0].State)
	assert.Equal(t, 2, e.Status()[0].ScoredQueries)

	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sm.Cols)
	assert.Equal(t, StateFinalized, e.Status()[0].State)
	_, err = e.FinalizeScores(ctx)
	assert.ErrorIs(t, err, ErrNoScores)
}

func TestEngine_BatchValidation(t *testing.T) {
	ctx := context.Background()
	m, ds, _, ckpts := smallSetup(8)

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))

	b := trainBatch(ds, 0, 4)
	assert.ErrorIs(t, e.Featurize(ctx, b, nil, 3), ErrInvalidArgument)
	assert.ErrorIs(t, e.Featurize(ctx, b, []int{0, 1}, 4), ErrInvalidArgument)
	assert.ErrorIs(t, e.Featurize(ctx, b, []int{0, 1, 2, ds.Len()}, 4), ErrInvalidArgument)
	assert.ErrorIs(t, e.Featurize(ctx, Batch{Inputs: b.Inputs, Labels: b.Labels}, nil, 4), ErrInvalidArgument)

	bad := Batch{Inputs: b.Inputs, Labels: []float64{0, 1, 2, 9}, Indices: b.Indices}
	assert.ErrorIs(t, e.Featurize(ctx, bad, nil, 4), ErrInvalidArgument)

	// sampleIndices wins over batch indices
	require.NoError(t, e.Featurize(ctx, b, []int{10, 11, 12, 13}, 4))
	assert.Equal(t, 4, e.Status()[0].Written)
}

func TestEngine_Mismatch(t *testing.T) {
	ctx := context.Background()
	m, ds, _, ckpts := smallSetup(9)
	dir := t.TempDir()

	e, err := Open(ctx, dir, m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)

	err = e.LoadCheckpoint(ctx, ckpts[0][:5], 0)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	var dme *DimensionMismatchError
	require.True(t, errors.As(err, &dme))
	assert.Equal(t, m.NumParams(), dme.Expected)

	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	assert.ErrorIs(t, e.LoadCheckpoint(ctx, ckpts[1], 0), ErrCheckpointMismatch)
	require.NoError(t, e.Close())

	t.Run("config", func(t *testing.T) {
		_, err := Open(ctx, dir, m, ds.Len(), WithProjDim(16))
		require.ErrorIs(t, err, ErrConfigMismatch)
		var cme *ConfigMismatchError
		require.True(t, errors.As(err, &cme))
		assert.Equal(t, "proj_dim", cme.Field)

		_, err = Open(ctx, dir, m, ds.Len()+1, WithProjDim(8))
		assert.ErrorIs(t, err, ErrConfigMismatch)
		_, err = Open(ctx, dir, m, ds.Len(), WithProjDim(8), WithSeed(1))
		assert.ErrorIs(t, err, ErrConfigMismatch)
		_, err = Open(ctx, dir, m, ds.Len(), WithProjDim(8), WithTask(task.SquaredError{}))
		assert.ErrorIs(t, err, ErrConfigMismatch)
	})

	t.Run("fingerprint survives reopen", func(t *testing.T) {
		e, err := Open(ctx, dir, m, ds.Len(), WithProjDim(8))
		require.NoError(t, err)
		defer e.Close()
		assert.ErrorIs(t, e.LoadCheckpoint(ctx, ckpts[1], 0), ErrCheckpointMismatch)
		require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	})

	t.Run("grad dim", func(t *testing.T) {
		e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8), WithGradDim(m.NumParams()-1))
		require.NoError(t, err)
		defer e.Close()
		require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
		assert.ErrorIs(t, e.Featurize(ctx, trainBatch(ds, 0, 2), nil, 2), ErrDimensionMismatch)
	})
}

func TestEngine_Invalidate(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(10)
	q := Batch{Inputs: qs.Inputs[:3], Labels: qs.Labels[:3]}

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	defer e.Close()

	assert.ErrorIs(t, e.Invalidate(ctx, 42), ErrInvalidArgument)

	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	featurizeRange(t, e, ds, 0, ds.Len(), 60)
	require.NoError(t, e.FinalizeFeatures(ctx))
	require.NoError(t, e.Score(ctx, q, nil, 3))

	require.NoError(t, e.Invalidate(ctx, 0))
	st := e.Status()[0]
	assert.Equal(t, StateComplete, st.State)
	assert.False(t, st.HasCorrection)
	assert.Zero(t, st.ScoredQueries)
	assert.ErrorIs(t, e.Score(ctx, q, nil, 3), ErrInvalidState)

	require.NoError(t, e.Featurize(ctx, trainBatch(ds, 0, 5), nil, 5))
	require.NoError(t, e.FinalizeFeatures(ctx))
	require.NoError(t, e.Score(ctx, q, nil, 3))
	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sm.Cols)
}

func TestEngine_QueryColumns(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(12)

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	defer e.Close()

	for id, p := range ckpts {
		require.NoError(t, e.LoadCheckpoint(ctx, p, id))
		featurizeRange(t, e, ds, 0, ds.Len(), 60)
	}
	require.NoError(t, e.FinalizeFeatures(ctx))

	// explicit columns out of order
	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	b := Batch{Inputs: qs.Inputs[2:4], Labels: qs.Labels[2:4]}
	require.NoError(t, e.Score(ctx, b, []int{2, 3}, 2))
	b = Batch{Inputs: qs.Inputs[:2], Labels: qs.Labels[:2], Indices: []int{0, 1}}
	require.NoError(t, e.Score(ctx, b, nil, 2))

	// the second checkpoint scores fewer queries
	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[1], 1))
	scoreAll(t, e, qs.Slice(0, 3), 3)
	_, err = e.FinalizeScores(ctx)
	require.ErrorIs(t, err, ErrInvalidArgument)

	b = Batch{Inputs: qs.Inputs[3:4], Labels: qs.Labels[3:4]}
	require.NoError(t, e.Score(ctx, b, nil, 1))
	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, sm.Cols)
}

func TestEngine_QueryColumnsArePositions(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(14)

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	featurizeRange(t, e, ds, 0, ds.Len(), 60)
	require.NoError(t, e.FinalizeFeatures(ctx))

	b := Batch{Inputs: qs.Inputs[:5], Labels: qs.Labels[:5]}
	require.NoError(t, e.Score(ctx, b, []int{100, 101, 102, 103, 104}, 5))
	_, err = e.FinalizeScores(ctx)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorContains(t, err, "query column 0")

	// Reloading drops the buffer; positions 0..4 ensemble.
	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	require.NoError(t, e.Score(ctx, b, []int{0, 1, 2, 3, 4}, 5))
	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, ds.Len(), sm.Rows)
	assert.Equal(t, 5, sm.Cols)
}

// With more sketch dimensions than training rows the Gram matrix is rank
// deficient and the correction needs a ridge term.
func TestEngine_RankDeficientGram(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(17)
	m := model.NewLinear(4, 2, true)
	ds, qs := rng.Blobs(20, 4, 2, 0.7), rng.Blobs(3, 4, 2, 0.7)
	params := rng.Params(m.NumParams(), 0.5)
	dir := t.TempDir()

	e, err := Open(ctx, dir, m, ds.Len(), WithProjDim(64))
	require.NoError(t, err)
	require.NoError(t, e.LoadCheckpoint(ctx, params, 0))
	featurizeRange(t, e, ds, 0, ds.Len(), 8)
	require.NoError(t, e.FinalizeFeatures(ctx))

	st := e.Status()[0]
	assert.Equal(t, StateFinalized, st.State)
	assert.Positive(t, st.Ridge)
	assert.Greater(t, st.Cond, 1e10)

	// Later manifest saves keep working.
	require.NoError(t, e.LoadCheckpoint(ctx, params, 0))
	scoreAll(t, e, qs, 2)
	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	for _, v := range sm.Data {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
	require.NoError(t, e.Close())

	man, err := featurestore.LoadManifest(nil, dir)
	require.NoError(t, err)
	entry, ok := man.Checkpoint(0)
	require.True(t, ok)
	assert.Equal(t, st.Ridge, entry.Ridge)
	assert.Equal(t, st.Cond, entry.Condition())

	e, err = Open(ctx, dir, m, ds.Len(), WithProjDim(64))
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()
	reopened := e.Status()[0]
	assert.Equal(t, StateFinalized, reopened.State)
	assert.Equal(t, st.Cond, reopened.Cond)
	assert.Equal(t, st.Ridge, reopened.Ridge)
	_, err = os.Stat(filepath.Join(dir, featurestore.ManifestFile))
	assert.NoError(t, err)
}

func TestEngine_ConcurrentDisjointBatches(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(21)
	opts := []Option{WithProjDim(8), WithSeed(2), WithWorkers(2)}
	want := runAll(t, t.TempDir(), m, ds, qs, ckpts[:1], opts...)

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), opts...)
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()
	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))

	var wg sync.WaitGroup
	for _, r := range testutil.Ranges(ds.Len(), 15) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := trainBatch(ds, r[0], r[1])
			assert.NoError(t, e.Featurize(ctx, b, nil, b.Len()))
		}()
	}
	wg.Wait()
	require.NoError(t, e.FinalizeFeatures(ctx))
	st := e.Status()[0]
	assert.Equal(t, StateFinalized, st.State)
	assert.Equal(t, ds.Len(), st.Written)

	for _, r := range testutil.Ranges(qs.Len(), 3) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Batch{Inputs: qs.Inputs[r[0]:r[1]], Labels: qs.Labels[r[0]:r[1]], Indices: testutil.Seq(r[0], r[1])}
			assert.NoError(t, e.Score(ctx, b, nil, b.Len()))
		}()
	}
	wg.Wait()
	got, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Cols, got.Cols)

	var scale float64
	for _, v := range want.Data {
		scale = math.Max(scale, math.Abs(float64(v)))
	}
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-4*math.Max(scale, 1))
}

func TestEngine_MemoryLimit(t *testing.T) {
	ctx := context.Background()
	m, ds, qs, ckpts := smallSetup(13)

	_, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8),
		WithProjector(ProjectorDense),
		WithResourceLimits(ResourceLimits{MemoryLimitBytes: 64}))
	require.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)

	// fused projection needs no budget, but score buffers do
	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8),
		WithProjector(ProjectorFused),
		WithResourceLimits(ResourceLimits{MemoryLimitBytes: int64(ds.Len()) * 4 * 2}))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.LoadCheckpoint(ctx, ckpts[0], 0))
	featurizeRange(t, e, ds, 0, ds.Len(), 60)
	require.NoError(t, e.FinalizeFeatures(ctx))

	require.NoError(t, e.Score(ctx, Batch{Inputs: qs.Inputs[:2], Labels: qs.Labels[:2]}, nil, 2))
	err = e.Score(ctx, Batch{Inputs: qs.Inputs[2:3], Labels: qs.Labels[2:3]}, nil, 1)
	require.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)

	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sm.Cols)

	// budget is returned after finalize
	require.NoError(t, e.Score(ctx, Batch{Inputs: qs.Inputs[:2], Labels: qs.Labels[:2]}, nil, 2))
}

func TestEngine_Closed(t *testing.T) {
	ctx := context.Background()
	m, ds, _, ckpts := smallSetup(14)

	e, err := Open(ctx, t.TempDir(), m, ds.Len(), WithProjDim(8))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.LoadCheckpoint(ctx, ckpts[0], 0), ErrClosed)
	assert.ErrorIs(t, e.FinalizeFeatures(ctx), ErrClosed)
	_, err = e.FinalizeScores(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	m := model.NewLinear(2, 1, true)

	_, err := Open(ctx, t.TempDir(), nil, 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Open(ctx, t.TempDir(), m, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Open(ctx, t.TempDir(), m, 10, WithProjDim(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

type recordingArchiver struct {
	mu     sync.Mutex
	ckpts  []int
	scores bytes.Buffer
}

func (a *recordingArchiver) ArchiveCheckpoint(_ context.Context, modelID int, dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	a.ckpts = append(a.ckpts, modelID)
	return nil
}

func (a *recordingArchiver) ArchiveScores(_ context.Context, scores io.WriterTo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := scores.WriteTo(&a.scores)
	return err
}

func TestEngine_ArchiverAndMetrics(t *testing.T) {
	m, ds, qs, ckpts := smallSetup(15)
	arch := &recordingArchiver{}
	mc := &BasicMetricsCollector{}

	sm := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(8), WithArchive(arch), WithMetricsCollector(mc))

	assert.Equal(t, []int{0, 1}, arch.ckpts)
	var got ScoreMatrix
	_, err := got.ReadFrom(&arch.scores)
	require.NoError(t, err)
	assert.Equal(t, sm.Data, got.Data)

	stats := mc.GetStats()
	assert.Equal(t, int64(2*ds.Len()), stats.FeaturizeExamples)
	assert.Equal(t, int64(2*qs.Len()), stats.ScoreExamples)
	assert.Zero(t, stats.FeaturizeErrors)
	assert.Equal(t, int64(2), stats.CorrectionCount)
	assert.Equal(t, int64(1), stats.FinalizeCount)
	assert.Equal(t, int64(1), stats.FinalizeScoresCount)
}

// exactScores computes unprojected scores g_iᵀ(GᵀG)⁻¹g_q averaged over
// checkpoints.
func exactScores(t *testing.T, m model.Model, fn task.Functional, ds, qs testutil.Dataset, ckpts [][]float32) *mat.Dense {
	t.Helper()
	ctx := context.Background()
	ex := gradient.New(m, fn, nil)

	grads := func(p []float32, d testutil.Dataset) *mat.Dense {
		res, err := ex.Compute(ctx, p, d.Inputs, d.Labels)
		require.NoError(t, err)
		g := mat.NewDense(res.Grads.Rows, res.Grads.Cols, nil)
		for i := 0; i < res.Grads.Rows; i++ {
			row := res.Grads.Data[i*res.Grads.Stride : i*res.Grads.Stride+res.Grads.Cols]
			g.SetRow(i, testutil.Float64s(row))
		}
		return g
	}

	sum := mat.NewDense(ds.Len(), qs.Len(), nil)
	for _, p := range ckpts {
		gt, gq := grads(p, ds), grads(p, qs)
		var gram, inv, k, s mat.Dense
		gram.Mul(gt.T(), gt)
		require.NoError(t, inv.Inverse(&gram))
		k.Mul(&inv, gq.T())
		s.Mul(gt, &k)
		sum.Add(sum, &s)
	}
	sum.Scale(1/float64(len(ckpts)), sum)
	return sum
}

func meanSpearman(sm *ScoreMatrix, exact *mat.Dense) float64 {
	var total float64
	for j := 0; j < sm.Cols; j++ {
		total += testutil.Spearman(testutil.Float64s(sm.Column(j)), mat.Col(nil, j, exact))
	}
	return total / float64(sm.Cols)
}

func TestEngine_RankCorrelation(t *testing.T) {
	rng := testutil.NewRNG(21)
	m := model.NewLinear(16, 1, true)
	fn := task.SquaredError{}

	ds := rng.Blobs(300, 16, 4, 1.0)
	qs := rng.Blobs(20, 16, 4, 1.0)
	ckpts := [][]float32{
		rng.Params(m.NumParams(), 0.3),
		rng.Params(m.NumParams(), 0.3),
		rng.Params(m.NumParams(), 0.3),
	}

	sm := runAll(t, t.TempDir(), m, ds, qs, ckpts, WithProjDim(12), WithTask(fn), WithSeed(17))
	rho := meanSpearman(sm, exactScores(t, m, fn, ds, qs, ckpts))
	assert.Greater(t, rho, 0.058)
}

func TestEngine_EndToEndLarge(t *testing.T) {
	if testing.Short() || os.Getenv("TRAKGO_E2E") == "" {
		t.Skip("set TRAKGO_E2E=1 to run the full-size scenario")
	}

	const (
		trainSize = 10000
		numQuery  = 200
		projDim   = 4096
		batch     = 100
	)
	ctx := context.Background()
	rng := testutil.NewRNG(2024)
	m := model.NewMLP(32, 64, 10)
	ds := rng.Blobs(trainSize, 32, 10, 1.0)
	qs := rng.Blobs(numQuery, 32, 10, 1.0)

	e, err := Open(ctx, t.TempDir(), m, trainSize, WithProjDim(projDim), WithSeed(42))
	require.NoError(t, err)
	defer e.Close()

	ckpts := make([][]float32, 3)
	for id := range ckpts {
		ckpts[id] = rng.Params(m.NumParams(), 0.2)
		require.NoError(t, e.LoadCheckpoint(ctx, ckpts[id], id))
		featurizeRange(t, e, ds, 0, trainSize, batch)
	}
	require.NoError(t, e.FinalizeFeatures(ctx))
	for id, p := range ckpts {
		require.NoError(t, e.LoadCheckpoint(ctx, p, id))
		scoreAll(t, e, qs, batch)
	}
	sm, err := e.FinalizeScores(ctx)
	require.NoError(t, err)

	assert.Equal(t, trainSize, sm.Rows)
	assert.Equal(t, numQuery, sm.Cols)
	for _, v := range sm.Data {
		require.False(t, math.IsNaN(float64(v)))
	}
}
