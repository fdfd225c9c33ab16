package trakgo

import "fmt"

// Batch is one slice of a dataset: model inputs, labels and the global
// example index of each row.
type Batch struct {
	Inputs  [][]float32
	Labels  []float64
	Indices []int
}

// Len returns the number of examples.
func (b Batch) Len() int { return len(b.Inputs) }

// validate checks the batch against numSamples and resolves the index set:
// sampleIndices wins over b.Indices.
func (b Batch) validate(sampleIndices []int, numSamples int) ([]int, error) {
	n := b.Len()
	if numSamples != n {
		return nil, fmt.Errorf("%w: num_samples %d, batch has %d examples", ErrInvalidArgument, numSamples, n)
	}
	if len(b.Labels) != n {
		return nil, fmt.Errorf("%w: %d labels for %d examples", ErrInvalidArgument, len(b.Labels), n)
	}
	idx := sampleIndices
	if idx == nil {
		idx = b.Indices
	}
	if idx != nil && len(idx) != n {
		return nil, fmt.Errorf("%w: %d indices for %d examples", ErrInvalidArgument, len(idx), n)
	}
	return idx, nil
}
