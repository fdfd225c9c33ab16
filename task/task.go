// Package task defines the scalar per-example objectives whose parameter
// gradients are attributed.
//
// A Functional maps one example's model output and label to a scalar and the
// derivative of that scalar with respect to the output vector. The derivative
// seeds the model's per-example backward pass.
package task

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrLabel is returned when a label is invalid for the functional.
var ErrLabel = errors.New("task: invalid label")

// Functional is a pluggable task objective.
type Functional interface {
	// Name returns the registry name.
	Name() string
	// Objective returns f(output, label) and df/doutput.
	Objective(output []float64, label float64) (float64, []float64, error)
}

// Registered names.
const (
	Classification       = "classification"
	BinaryClassification = "binary_classification"
	Regression           = "regression"
)

var (
	mu       sync.RWMutex
	registry = map[string]func() Functional{
		Classification:       func() Functional { return ClassificationMargin{} },
		BinaryClassification: func() Functional { return BinaryMargin{} },
		Regression:           func() Functional { return SquaredError{} },
	}
)

// Register adds a named functional constructor. It replaces any existing entry.
func Register(name string, fn func() Functional) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = fn
}

// Lookup returns a new functional by name.
func Lookup(name string) (Functional, error) {
	mu.RLock()
	fn, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: unknown functional %q", name)
	}
	return fn(), nil
}

// Names returns the registered names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ClassificationMargin is the multi-class margin
//
//	f = z_y - log Σ_{k≠y} exp(z_k)
//
// computed with the usual max shift.
type ClassificationMargin struct{}

// Name implements Functional.
func (ClassificationMargin) Name() string { return Classification }

// Objective implements Functional.
func (ClassificationMargin) Objective(z []float64, label float64) (float64, []float64, error) {
	y, err := classIndex(label, len(z))
	if err != nil {
		return 0, nil, err
	}
	grad := make([]float64, len(z))
	if len(z) == 1 {
		grad[0] = 1
		return z[0], grad, nil
	}

	maxOther := math.Inf(-1)
	for k, v := range z {
		if k != y && v > maxOther {
			maxOther = v
		}
	}
	var sum float64
	for k, v := range z {
		if k != y {
			sum += math.Exp(v - maxOther)
		}
	}
	lse := maxOther + math.Log(sum)

	for k, v := range z {
		if k == y {
			grad[k] = 1
			continue
		}
		grad[k] = -math.Exp(v-maxOther) / sum
	}
	return z[y] - lse, grad, nil
}

// BinaryMargin is f = (2y-1)·z for a single logit and y in {0, 1}.
type BinaryMargin struct{}

// Name implements Functional.
func (BinaryMargin) Name() string { return BinaryClassification }

// Objective implements Functional.
func (BinaryMargin) Objective(z []float64, label float64) (float64, []float64, error) {
	if len(z) != 1 {
		return 0, nil, fmt.Errorf("task: binary margin needs 1 output, got %d", len(z))
	}
	if label != 0 && label != 1 {
		return 0, nil, fmt.Errorf("%w: %v is not 0 or 1", ErrLabel, label)
	}
	sign := 2*label - 1
	return sign * z[0], []float64{sign}, nil
}

// SquaredError is f = ½(ŷ-y)² on the first output, with df/dŷ = ŷ-y.
type SquaredError struct{}

// Name implements Functional.
func (SquaredError) Name() string { return Regression }

// Objective implements Functional.
func (SquaredError) Objective(z []float64, label float64) (float64, []float64, error) {
	if len(z) == 0 {
		return 0, nil, errors.New("task: regression needs at least 1 output")
	}
	if math.IsNaN(label) || math.IsInf(label, 0) {
		return 0, nil, fmt.Errorf("%w: %v", ErrLabel, label)
	}
	r := z[0] - label
	grad := make([]float64, len(z))
	grad[0] = r
	return 0.5 * r * r, grad, nil
}

func classIndex(label float64, n int) (int, error) {
	if label != math.Trunc(label) || label < 0 || int(label) >= n {
		return 0, fmt.Errorf("%w: class %v not in [0, %d)", ErrLabel, label, n)
	}
	return int(label), nil
}
