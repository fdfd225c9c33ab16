// Package scorer computes per-checkpoint influence contributions
// Φ·C·Qᵗ from stored training features, a correction matrix and a batch of
// query features.
package scorer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/hupe1980/trakgo/internal/correction"
	"github.com/hupe1980/trakgo/internal/resource"
)

// DefaultBlockRows is the number of training rows scored per task.
const DefaultBlockRows = 1024

// Scorer multiplies features through a correction matrix.
type Scorer struct {
	rc        *resource.Controller
	blockRows int
}

// New returns a Scorer whose row blocks run on rc's worker slots. A nil rc
// runs up to GOMAXPROCS blocks at once; blockRows <= 0 selects the default.
func New(rc *resource.Controller, blockRows int) *Scorer {
	if blockRows <= 0 {
		blockRows = DefaultBlockRows
	}
	return &Scorer{rc: rc, blockRows: blockRows}
}

// Score returns train·C·queryᵗ as a [train.Rows × query.Rows] matrix.
func (s *Scorer) Score(ctx context.Context, train blas32.General, c *correction.Matrix, query blas32.General) (blas32.General, error) {
	p := c.N
	if train.Cols != p || query.Cols != p {
		return blas32.General{}, fmt.Errorf("scorer: feature widths %d/%d do not match correction %d", train.Cols, query.Cols, p)
	}
	nq := query.Rows
	out := blas32.General{Rows: train.Rows, Cols: nq, Stride: nq, Data: make([]float32, train.Rows*nq)}
	if nq == 0 || train.Rows == 0 {
		return out, nil
	}

	// K = C·Qᵗ, [p × nq].
	q := blas64.General{Rows: nq, Cols: p, Stride: p, Data: widen(query, 0, nq)}
	k := blas64.General{Rows: p, Cols: nq, Stride: nq, Data: make([]float64, p*nq)}
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, c.General(), q, 0, k)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.rc.Workers())
	for r0 := 0; r0 < train.Rows; r0 += s.blockRows {
		r1 := min(r0+s.blockRows, train.Rows)
		g.Go(func() error {
			return s.rc.RunWorker(ctx, func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				n := r1 - r0
				phi := blas64.General{Rows: n, Cols: p, Stride: p, Data: widen(train, r0, r1)}
				blk := blas64.General{Rows: n, Cols: nq, Stride: nq, Data: make([]float64, n*nq)}
				blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, phi, k, 0, blk)
				dst := out.Data[r0*nq : r1*nq]
				for i, v := range blk.Data {
					dst[i] = float32(v)
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return blas32.General{}, err
	}
	return out, nil
}

// widen copies rows [r0, r1) of a float32 matrix into a dense float64 slice.
func widen(m blas32.General, r0, r1 int) []float64 {
	out := make([]float64, (r1-r0)*m.Cols)
	for r := r0; r < r1; r++ {
		src := m.Data[r*m.Stride : r*m.Stride+m.Cols]
		dst := out[(r-r0)*m.Cols:]
		for j, v := range src {
			dst[j] = float64(v)
		}
	}
	return out
}
