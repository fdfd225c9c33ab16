// Package gradient computes per-example objective gradients for a batch.
//
// The model's forward pass runs once per batch; only the backward pass is
// repeated per example, each seeded with the derivative of that example's
// task objective.
package gradient

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hupe1980/trakgo/internal/resource"
	"github.com/hupe1980/trakgo/model"
	"github.com/hupe1980/trakgo/task"
)

// ErrBatch is returned for malformed batches.
var ErrBatch = errors.New("gradient: malformed batch")

// Extractor computes per-example gradients of a task functional.
type Extractor struct {
	model model.Model
	task  task.Functional
	rc    *resource.Controller
}

// New returns an Extractor whose per-example backward passes run on rc's
// worker slots. A nil rc runs up to GOMAXPROCS at once.
func New(m model.Model, fn task.Functional, rc *resource.Controller) *Extractor {
	return &Extractor{model: m, task: fn, rc: rc}
}

// Dim returns the gradient dimension (the model's parameter count).
func (e *Extractor) Dim() int { return e.model.NumParams() }

// Result holds one batch of gradients.
type Result struct {
	// Grads is [batch × Dim], row i is the gradient of example i.
	Grads blas32.General
	// Objectives holds the per-example objective values.
	Objectives []float64
}

// Compute returns the per-example gradients of the objective for params.
func (e *Extractor) Compute(ctx context.Context, params []float32, inputs [][]float32, labels []float64) (Result, error) {
	if len(labels) != len(inputs) {
		return Result{}, fmt.Errorf("%w: %d inputs, %d labels", ErrBatch, len(inputs), len(labels))
	}

	tape, err := e.model.Forward(params, inputs)
	if err != nil {
		return Result{}, err
	}
	outputs := tape.Outputs()

	dim := e.model.NumParams()
	res := Result{
		Grads:      blas32.General{Rows: len(inputs), Cols: dim, Stride: dim, Data: make([]float32, len(inputs)*dim)},
		Objectives: make([]float64, len(inputs)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.rc.Workers())
	for i := range inputs {
		g.Go(func() error {
			return e.rc.RunWorker(ctx, func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				obj, seed, err := e.task.Objective(outputs[i], labels[i])
				if err != nil {
					return fmt.Errorf("example %d: %w", i, err)
				}
				res.Objectives[i] = obj
				return tape.Backward(i, seed, res.Grads.Data[i*dim:(i+1)*dim])
			})
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}
