// Package correction computes the per-checkpoint kernel whitening matrix
// (ΦᵗΦ)⁻¹ from a complete training feature array.
//
// The Gram matrix is accumulated in float64 over row blocks of the float32
// feature array. If its condition number exceeds the configured threshold a
// ridge term λI is added before the Cholesky inverse; λ is chosen so the
// regularized matrix meets the threshold and escalated if the factorization
// still fails.
package correction

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultThreshold is the largest accepted Gram condition number.
	DefaultThreshold = 1e10
	// DefaultBlockRows is the number of feature rows converted per Gram update.
	DefaultBlockRows = 512

	maxRidgeAttempts = 8
)

// ErrSingular is matched by SingularMatrixError.
var ErrSingular = errors.New("correction: singular gram matrix")

// SingularMatrixError is returned when ridge regularization cannot make the
// Gram matrix invertible.
type SingularMatrixError struct {
	Cond  float64
	Ridge float64
}

func (e *SingularMatrixError) Error() string {
	return fmt.Sprintf("correction: gram matrix singular (cond=%g, ridge=%g)", e.Cond, e.Ridge)
}

// Is reports whether target is ErrSingular.
func (e *SingularMatrixError) Is(target error) bool { return target == ErrSingular }

// Matrix is a dense, symmetric N×N correction matrix.
type Matrix struct {
	N int
	// Data is row-major with stride N.
	Data []float64
	// Ridge is the λ added to the Gram diagonal, 0 if none.
	Ridge float64
	// Cond is the condition number of the unregularized Gram matrix.
	Cond float64
}

// General returns a blas64 view of m.
func (m *Matrix) General() blas64.General {
	return blas64.General{Rows: m.N, Cols: m.N, Stride: m.N, Data: m.Data}
}

// Config tunes Compute.
type Config struct {
	Threshold float64
	BlockRows int
}

func (c *Config) normalize() {
	if c.Threshold <= 1 {
		c.Threshold = DefaultThreshold
	}
	if c.BlockRows <= 0 {
		c.BlockRows = DefaultBlockRows
	}
}

// Gram returns ΦᵗΦ for a [rows × p] float32 feature array.
func Gram(ctx context.Context, features blas32.General, blockRows int) (*mat.SymDense, error) {
	if blockRows <= 0 {
		blockRows = DefaultBlockRows
	}
	p := features.Cols
	acc := blas64.General{Rows: p, Cols: p, Stride: p, Data: make([]float64, p*p)}
	blk := make([]float64, blockRows*p)

	for r0 := 0; r0 < features.Rows; r0 += blockRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r1 := min(r0+blockRows, features.Rows)
		n := r1 - r0
		for i := 0; i < n; i++ {
			src := features.Data[(r0+i)*features.Stride : (r0+i)*features.Stride+p]
			dst := blk[i*p : (i+1)*p]
			for j, v := range src {
				dst[j] = float64(v)
			}
		}
		b := blas64.General{Rows: n, Cols: p, Stride: p, Data: blk[:n*p]}
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, b, b, 1, acc)
	}

	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			sym.SetSym(i, j, acc.Data[i*p+j])
		}
	}
	return sym, nil
}

// Condition returns the largest and smallest eigenvalues of g and their
// ratio. A non-positive smallest eigenvalue yields +Inf.
func Condition(g *mat.SymDense) (maxEig, minEig, cond float64, err error) {
	var es mat.EigenSym
	if !es.Factorize(g, false) {
		return 0, 0, math.Inf(1), fmt.Errorf("%w: eigen decomposition failed", ErrSingular)
	}
	vals := es.Values(nil)
	minEig, maxEig = vals[0], vals[len(vals)-1]
	if minEig <= 0 {
		return maxEig, minEig, math.Inf(1), nil
	}
	return maxEig, minEig, maxEig / minEig, nil
}

// Compute returns (ΦᵗΦ + λI)⁻¹ where λ is 0 unless the Gram condition
// number exceeds cfg.Threshold.
func Compute(ctx context.Context, features blas32.General, cfg Config) (*Matrix, error) {
	cfg.normalize()
	if features.Rows == 0 || features.Cols == 0 {
		return nil, fmt.Errorf("correction: empty feature array %dx%d", features.Rows, features.Cols)
	}

	gram, err := Gram(ctx, features, cfg.BlockRows)
	if err != nil {
		return nil, err
	}
	return Invert(gram, cfg.Threshold)
}

// Invert inverts a Gram matrix with the conditioning guard.
func Invert(gram *mat.SymDense, threshold float64) (*Matrix, error) {
	maxEig, minEig, cond, err := Condition(gram)
	if err != nil {
		return nil, err
	}
	if !(maxEig > 0) || math.IsNaN(cond) {
		return nil, &SingularMatrixError{Cond: cond}
	}

	var ridge float64
	if cond > threshold {
		ridge = (maxEig - threshold*minEig) / (threshold - 1)
		ridge = math.Max(ridge*1.01, maxEig*1e-15)
	}

	p := gram.SymmetricDim()
	for attempt := 0; attempt < maxRidgeAttempts; attempt++ {
		g := gram
		if ridge > 0 {
			g = mat.NewSymDense(p, nil)
			g.CopySym(gram)
			for i := 0; i < p; i++ {
				g.SetSym(i, i, g.At(i, i)+ridge)
			}
		}

		var chol mat.Cholesky
		if chol.Factorize(g) {
			var inv mat.SymDense
			if err := chol.InverseTo(&inv); err == nil {
				return &Matrix{N: p, Data: symToRowMajor(&inv), Ridge: ridge, Cond: cond}, nil
			}
		}

		if ridge == 0 {
			ridge = maxEig / threshold
		} else {
			ridge *= 10
		}
	}
	return nil, &SingularMatrixError{Cond: cond, Ridge: ridge}
}

func symToRowMajor(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := s.At(i, j)
			out[i*n+j] = v
			out[j*n+i] = v
		}
	}
	return out
}
