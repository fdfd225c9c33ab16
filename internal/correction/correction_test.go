package correction

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/mat"
)

func randomFeatures(seed int64, rows, cols int) blas32.General {
	rng := rand.New(rand.NewSource(seed))
	g := blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: make([]float32, rows*cols)}
	for i := range g.Data {
		g.Data[i] = float32(rng.NormFloat64())
	}
	return g
}

func naiveGram(f blas32.General) []float64 {
	p := f.Cols
	out := make([]float64, p*p)
	for r := 0; r < f.Rows; r++ {
		row := f.Data[r*f.Stride : r*f.Stride+p]
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				out[i*p+j] += float64(row[i]) * float64(row[j])
			}
		}
	}
	return out
}

func TestGram_MatchesNaive(t *testing.T) {
	f := randomFeatures(1, 37, 6)
	g, err := Gram(context.Background(), f, 8)
	require.NoError(t, err)

	want := naiveGram(f)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			assert.InDelta(t, want[i*6+j], g.At(i, j), 1e-9)
		}
	}
}

func TestCompute_InvertsWellConditionedGram(t *testing.T) {
	f := randomFeatures(2, 200, 12)
	c, err := Compute(context.Background(), f, Config{})
	require.NoError(t, err)
	assert.Zero(t, c.Ridge)
	assert.Equal(t, 12, c.N)
	assert.Greater(t, c.Cond, 1.0)

	gram := mat.NewDense(12, 12, naiveGram(f))
	inv := mat.NewDense(12, 12, c.Data)
	var prod mat.Dense
	prod.Mul(gram, inv)
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, prod.At(i, j), 1e-8)
		}
	}

	// Symmetric.
	for i := 0; i < 12; i++ {
		for j := 0; j < 12; j++ {
			assert.Equal(t, c.Data[i*12+j], c.Data[j*12+i])
		}
	}
}

func TestCompute_RidgeOnRankDeficientFeatures(t *testing.T) {
	// Fewer rows than columns: the Gram matrix is singular.
	f := randomFeatures(3, 4, 10)
	c, err := Compute(context.Background(), f, Config{Threshold: 1e6})
	require.NoError(t, err)
	assert.Greater(t, c.Ridge, 0.0)
	assert.True(t, math.IsInf(c.Cond, 1) || c.Cond > 1e6)

	// The regularized matrix meets the threshold.
	g, err := Gram(context.Background(), f, 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		g.SetSym(i, i, g.At(i, i)+c.Ridge)
	}
	_, _, cond, err := Condition(g)
	require.NoError(t, err)
	assert.LessOrEqual(t, cond, 1e6)

	for _, v := range c.Data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestCompute_SingularWithoutSignal(t *testing.T) {
	f := blas32.General{Rows: 5, Cols: 3, Stride: 3, Data: make([]float32, 15)}
	_, err := Compute(context.Background(), f, Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSingular)

	var se *SingularMatrixError
	require.ErrorAs(t, err, &se)

	_, err = Compute(context.Background(), blas32.General{}, Config{})
	assert.Error(t, err)
}

func TestCompute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, randomFeatures(4, 10, 3), Config{})
	assert.ErrorIs(t, err, context.Canceled)
}
