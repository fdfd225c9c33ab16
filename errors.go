package trakgo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/trakgo/internal/correction"
	"github.com/hupe1980/trakgo/internal/featurestore"
	"github.com/hupe1980/trakgo/internal/gradient"
	"github.com/hupe1980/trakgo/model"
	"github.com/hupe1980/trakgo/projector"
	"github.com/hupe1980/trakgo/task"
)

var (
	// ErrInvalidState is matched by InvalidStateError.
	ErrInvalidState = errors.New("invalid checkpoint state")
	// ErrIncompleteFeatures is matched by IncompleteFeaturesError.
	ErrIncompleteFeatures = errors.New("incomplete features")
	// ErrDimensionMismatch is matched by DimensionMismatchError.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrSingularMatrix is matched by SingularMatrixError.
	ErrSingularMatrix = errors.New("singular gram matrix")
	// ErrConfigMismatch is matched by ConfigMismatchError.
	ErrConfigMismatch = errors.New("config mismatch")
	// ErrNoScores is returned by FinalizeScores when no checkpoint was scored.
	ErrNoScores = errors.New("no checkpoint has been scored")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
	// ErrCorrupt is returned when persisted state fails validation.
	ErrCorrupt = errors.New("corrupt persisted state")
	// ErrCheckpointMismatch is returned when a model id is reloaded with
	// different parameters.
	ErrCheckpointMismatch = errors.New("checkpoint parameters differ from the stored fingerprint")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvalidStateError is returned when an operation is not allowed in the
// checkpoint's current lifecycle state.
type InvalidStateError struct {
	ModelID int
	State   State
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: checkpoint %d is %s", e.Op, e.ModelID, e.State)
}

// Is reports whether target is ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// IncompleteFeaturesError is returned when checkpoints lack training rows.
type IncompleteFeaturesError struct {
	ModelIDs []int
	// Missing is the total number of unwritten training rows.
	Missing int
}

func (e *IncompleteFeaturesError) Error() string {
	ids := make([]string, len(e.ModelIDs))
	for i, id := range e.ModelIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("incomplete features for checkpoints [%s]: %d rows missing", strings.Join(ids, ", "), e.Missing)
}

// Is reports whether target is ErrIncompleteFeatures.
func (e *IncompleteFeaturesError) Is(target error) bool { return target == ErrIncompleteFeatures }

// DimensionMismatchError indicates that a gradient or parameter vector does
// not match the configured dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	cause    error
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

func (e *DimensionMismatchError) Unwrap() error { return e.cause }

// SingularMatrixError is returned when ridge regularization could not make a
// checkpoint's Gram matrix invertible.
type SingularMatrixError struct {
	Cond  float64
	Ridge float64
	cause error
}

func (e *SingularMatrixError) Error() string {
	return fmt.Sprintf("singular gram matrix: cond=%g ridge=%g", e.Cond, e.Ridge)
}

// Is reports whether target is ErrSingularMatrix.
func (e *SingularMatrixError) Is(target error) bool { return target == ErrSingularMatrix }

func (e *SingularMatrixError) Unwrap() error { return e.cause }

// ConfigMismatchError is returned when a save directory was created with a
// different projection configuration.
type ConfigMismatchError struct {
	Field     string
	Stored    any
	Requested any
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("config mismatch: %s stored as %v, requested %v", e.Field, e.Stored, e.Requested)
}

// Is reports whether target is ErrConfigMismatch.
func (e *ConfigMismatchError) Is(target error) bool { return target == ErrConfigMismatch }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var se *correction.SingularMatrixError
	if errors.As(err, &se) {
		return &SingularMatrixError{Cond: se.Cond, Ridge: se.Ridge, cause: err}
	}

	switch {
	case errors.Is(err, featurestore.ErrCorrupt),
		errors.Is(err, model.ErrCorruptCheckpoint):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, featurestore.ErrClosed),
		errors.Is(err, projector.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, featurestore.ErrIndex),
		errors.Is(err, gradient.ErrBatch),
		errors.Is(err, task.ErrLabel),
		errors.Is(err, model.ErrInputDim),
		errors.Is(err, projector.ErrConfig):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	return err
}
