package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// denseChunkRows bounds the batch rows multiplied per GEMM call.
const denseChunkRows = 256

// ErrClosed is returned when projecting with a closed projector.
var ErrClosed = errors.New("projector: closed")

// Dense holds the full ProjDim×GradDim matrix in memory.
type Dense struct {
	cfg Config

	mu     sync.RWMutex
	p      blas32.General
	closed bool
}

// NewDense materializes the projection matrix. The allocation is charged to
// cfg.Memory when set.
func NewDense(cfg Config) (*Dense, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.Memory != nil {
		if err := cfg.Memory.AcquireMemory(DenseBytes(cfg.ProjDim, cfg.GradDim)); err != nil {
			return nil, fmt.Errorf("projector: dense matrix %dx%d: %w", cfg.ProjDim, cfg.GradDim, err)
		}
	}

	p := newOutput(cfg.ProjDim, cfg.GradDim)
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, rng := range split(cfg.ProjDim, cfg.Workers) {
		g.Go(func() error {
			for r := rng[0]; r < rng[1]; r++ {
				row := p.Data[r*p.Stride : (r+1)*p.Stride]
				for b := 0; b < numBlocks(&cfg); b++ {
					c0 := b * cfg.BlockCols
					c1 := min(c0+cfg.BlockCols, cfg.GradDim)
					fillBlock(&cfg, r, b, row[c0:c1])
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return &Dense{cfg: cfg, p: p}, nil
}

// Config implements Projector.
func (d *Dense) Config() Config { return d.cfg }

// Matrix returns the materialized projection matrix. Callers must not modify it.
func (d *Dense) Matrix() blas32.General {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.p
}

// Project implements Projector.
func (d *Dense) Project(ctx context.Context, in blas32.General) (blas32.General, error) {
	if err := checkInput(&d.cfg, in); err != nil {
		return blas32.General{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return blas32.General{}, ErrClosed
	}

	out := newOutput(in.Rows, d.cfg.ProjDim)
	if in.Rows == 0 {
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for r0 := 0; r0 < in.Rows; r0 += denseChunkRows {
		r1 := min(r0+denseChunkRows, in.Rows)
		g.Go(func() error {
			return runTask(ctx, d.cfg.Pool, func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, rowView(in, r0, r1), d.p, 0, rowView(out, r0, r1))
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return blas32.General{}, err
	}
	return out, nil
}

// Close releases the matrix and its memory reservation.
func (d *Dense) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.p = blas32.General{}
	if d.cfg.Memory != nil {
		d.cfg.Memory.ReleaseMemory(DenseBytes(d.cfg.ProjDim, d.cfg.GradDim))
	}
	return nil
}
