package projector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"strings"

	"gonum.org/v1/gonum/blas/blas32"
)

// DefaultBlockCols is the default column block width used to key entries.
const DefaultBlockCols = 1024

var (
	// ErrDimension is returned when an input matrix does not match GradDim.
	ErrDimension = errors.New("projector: gradient dimension mismatch")
	// ErrConfig is returned for invalid configurations.
	ErrConfig = errors.New("projector: invalid config")
)

// Type selects the entry distribution.
type Type int

const (
	// Rademacher draws entries uniformly from {-1, +1}.
	Rademacher Type = iota
	// Normal draws entries from N(0, 1).
	Normal
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case Rademacher:
		return "rademacher"
	case Normal:
		return "normal"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType parses "rademacher" or "normal".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rademacher":
		return Rademacher, nil
	case "normal":
		return Normal, nil
	default:
		return 0, fmt.Errorf("%w: unknown projection type %q", ErrConfig, s)
	}
}

// WorkerPool hands out compute slots shared with other callers. Project
// holds one slot per running task.
type WorkerPool interface {
	RunWorker(ctx context.Context, fn func() error) error
}

// runTask runs fn on pool, or directly without one.
func runTask(ctx context.Context, pool WorkerPool, fn func() error) error {
	if pool == nil {
		return fn()
	}
	return pool.RunWorker(ctx, fn)
}

// MemoryBudget reserves memory for materialized projection matrices.
type MemoryBudget interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Config describes a projection. ProjDim, GradDim, Seed, Type and BlockCols
// together determine every entry of P.
type Config struct {
	ProjDim   int
	GradDim   int
	Seed      uint64
	Type      Type
	BlockCols int
	// Workers bounds the goroutines used per call. 0 means GOMAXPROCS.
	Workers int
	// Memory, if set, is charged for any materialized matrix.
	Memory MemoryBudget
	// Pool, if set, bounds Project's tasks together with its other users.
	Pool WorkerPool
}

func (c *Config) normalize() error {
	if c.ProjDim <= 0 {
		return fmt.Errorf("%w: proj_dim must be positive, got %d", ErrConfig, c.ProjDim)
	}
	if c.GradDim <= 0 {
		return fmt.Errorf("%w: grad_dim must be positive, got %d", ErrConfig, c.GradDim)
	}
	if c.Type != Rademacher && c.Type != Normal {
		return fmt.Errorf("%w: %s", ErrConfig, c.Type)
	}
	if c.BlockCols <= 0 {
		c.BlockCols = DefaultBlockCols
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return nil
}

// Projector maps a [batch × GradDim] matrix to [batch × ProjDim].
type Projector interface {
	// Project returns g·Pᵗ. The input is not modified.
	Project(ctx context.Context, g blas32.General) (blas32.General, error)
	// Config returns the normalized configuration.
	Config() Config
	// Close releases any materialized state.
	Close() error
}

// New returns a Dense or Fused projector depending on fused.
func New(cfg Config, fused bool) (Projector, error) {
	if fused {
		return NewFused(cfg)
	}
	return NewDense(cfg)
}

// DenseBytes returns the size of a materialized projection matrix.
func DenseBytes(projDim, gradDim int) int64 {
	return int64(projDim) * int64(gradDim) * 4
}

// fillBlock writes P[r, c0:c0+len(dst)] for column block b into dst.
func fillBlock(cfg *Config, r, b int, dst []float32) {
	src := rand.New(rand.NewPCG(cfg.Seed, uint64(r)<<32|uint64(b)))
	switch cfg.Type {
	case Rademacher:
		var bits uint64
		for i := range dst {
			if i%64 == 0 {
				bits = src.Uint64()
			}
			if bits&1 == 1 {
				dst[i] = 1
			} else {
				dst[i] = -1
			}
			bits >>= 1
		}
	case Normal:
		for i := range dst {
			dst[i] = float32(src.NormFloat64())
		}
	}
}

func numBlocks(cfg *Config) int {
	return (cfg.GradDim + cfg.BlockCols - 1) / cfg.BlockCols
}

func checkInput(cfg *Config, g blas32.General) error {
	if g.Cols != cfg.GradDim {
		return fmt.Errorf("%w: expected %d columns, got %d", ErrDimension, cfg.GradDim, g.Cols)
	}
	return nil
}

func newOutput(rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: make([]float32, rows*cols)}
}

// colView returns g[:, c0:c1].
func colView(g blas32.General, c0, c1 int) blas32.General {
	return blas32.General{Rows: g.Rows, Cols: c1 - c0, Stride: g.Stride, Data: g.Data[c0:]}
}

// rowView returns g[r0:r1, :].
func rowView(g blas32.General, r0, r1 int) blas32.General {
	return blas32.General{Rows: r1 - r0, Cols: g.Cols, Stride: g.Stride, Data: g.Data[r0*g.Stride:]}
}

// split partitions [0, n) into at most parts contiguous ranges.
func split(n, parts int) [][2]int {
	if parts > n {
		parts = n
	}
	if parts <= 0 {
		return nil
	}
	out := make([][2]int, 0, parts)
	step := (n + parts - 1) / parts
	for lo := 0; lo < n; lo += step {
		out = append(out, [2]int{lo, min(lo+step, n)})
	}
	return out
}
