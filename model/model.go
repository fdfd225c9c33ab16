package model

import (
	"errors"
	"fmt"

	"github.com/hupe1980/trakgo/internal/hash"
)

var (
	// ErrParamCount is returned when a parameter vector does not match the model.
	ErrParamCount = errors.New("model: parameter count mismatch")

	// ErrInputDim is returned when an input row does not match the model.
	ErrInputDim = errors.New("model: input dimension mismatch")
)

// Model is a differentiable function of (parameters, input).
// Implementations must be safe for concurrent use; all per-call state lives
// in the returned Tape.
type Model interface {
	// NumParams returns the length of the flat parameter vector.
	NumParams() int
	// NumOutputs returns the length of each example's output vector.
	NumOutputs() int
	// InputDim returns the expected length of each input row.
	InputDim() int
	// Forward evaluates the batch once and records what the backward
	// passes need.
	Forward(params []float32, inputs [][]float32) (Tape, error)
}

// Tape holds the result of one batched forward pass.
type Tape interface {
	// Outputs returns the per-example outputs, [batch][NumOutputs].
	Outputs() [][]float64
	// Backward stores d<seed, output_i>/dθ into grad (len NumParams),
	// overwriting its contents. Distinct i may run concurrently.
	Backward(i int, seed []float64, grad []float32) error
}

// Checkpoint is an immutable snapshot of model parameters identified by a
// model id. The engine never mutates Params.
type Checkpoint struct {
	ID     int
	Params []float32
}

// Fingerprint returns a CRC32-C of the parameter vector. Two checkpoints with
// equal fingerprints are treated as the same snapshot on resume.
func (c Checkpoint) Fingerprint() uint32 {
	return hash.Float32s(c.Params)
}

// Validate checks that the checkpoint fits m.
func (c Checkpoint) Validate(m Model) error {
	if c.ID < 0 {
		return fmt.Errorf("model: negative checkpoint id %d", c.ID)
	}
	if len(c.Params) != m.NumParams() {
		return fmt.Errorf("%w: expected %d, got %d", ErrParamCount, m.NumParams(), len(c.Params))
	}
	return nil
}

func checkInputs(inputs [][]float32, dim int) error {
	for i, x := range inputs {
		if len(x) != dim {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrInputDim, i, len(x), dim)
		}
	}
	return nil
}

func checkBackward(i, batch int, seed []float64, outputs int, grad []float32, params int) error {
	if i < 0 || i >= batch {
		return fmt.Errorf("model: example %d out of range [0, %d)", i, batch)
	}
	if len(seed) != outputs {
		return fmt.Errorf("model: seed has %d values, expected %d", len(seed), outputs)
	}
	if len(grad) != params {
		return fmt.Errorf("%w: gradient row has %d values, expected %d", ErrParamCount, len(grad), params)
	}
	return nil
}
