package projector

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Fused generates projection entries inside the multiply, one column block
// at a time. Peak extra memory is ProjDim×BlockCols float32 across all workers.
type Fused struct {
	cfg    Config
	closed atomic.Bool
}

// NewFused returns a Fused projector.
func NewFused(cfg Config) (*Fused, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Fused{cfg: cfg}, nil
}

// Config implements Projector.
func (f *Fused) Config() Config { return f.cfg }

// Project implements Projector.
func (f *Fused) Project(ctx context.Context, in blas32.General) (blas32.General, error) {
	if err := checkInput(&f.cfg, in); err != nil {
		return blas32.General{}, err
	}
	if f.closed.Load() {
		return blas32.General{}, ErrClosed
	}

	cfg := &f.cfg
	out := newOutput(in.Rows, cfg.ProjDim)
	if in.Rows == 0 {
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, rng := range split(cfg.ProjDim, cfg.Workers) {
		r0, r1 := rng[0], rng[1]
		g.Go(func() error {
			return runTask(ctx, cfg.Pool, func() error {
				return f.projectRows(ctx, in, out, r0, r1)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return blas32.General{}, err
	}
	return out, nil
}

// projectRows accumulates output columns [r0, r1) one column block at a time.
func (f *Fused) projectRows(ctx context.Context, in, out blas32.General, r0, r1 int) error {
	cfg := &f.cfg
	scratch := make([]float32, (r1-r0)*cfg.BlockCols)
	dst := blas32.General{Rows: in.Rows, Cols: r1 - r0, Stride: out.Stride, Data: out.Data[r0:]}
	for b := 0; b < numBlocks(cfg); b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c0 := b * cfg.BlockCols
		c1 := min(c0+cfg.BlockCols, cfg.GradDim)
		for r := r0; r < r1; r++ {
			off := (r - r0) * cfg.BlockCols
			fillBlock(cfg, r, b, scratch[off:off+c1-c0])
		}
		p := blas32.General{Rows: r1 - r0, Cols: c1 - c0, Stride: cfg.BlockCols, Data: scratch}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, colView(in, c0, c1), p, 1, dst)
	}
	return nil
}

// Close implements Projector.
func (f *Fused) Close() error {
	f.closed.Store(true)
	return nil
}
