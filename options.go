package trakgo

import (
	"runtime"

	"github.com/hupe1980/trakgo/internal/correction"
	"github.com/hupe1980/trakgo/internal/fs"
	"github.com/hupe1980/trakgo/projector"
	"github.com/hupe1980/trakgo/task"
)

const (
	// DefaultProjDim is the default sketch dimension.
	DefaultProjDim = 2048

	// autoDenseLimit is the largest projection matrix ProjectorAuto
	// materializes.
	autoDenseLimit = 256 << 20
)

// ProjectorKind selects the projection implementation.
type ProjectorKind int

const (
	// ProjectorAuto picks Dense when the matrix fits autoDenseLimit, else Fused.
	ProjectorAuto ProjectorKind = iota
	// ProjectorDense materializes the projection matrix.
	ProjectorDense
	// ProjectorFused generates projection entries during the multiply.
	ProjectorFused
)

// Durability controls when feature rows and the completeness record are
// flushed to disk.
type Durability int

const (
	// DurabilitySync flushes rows and the completeness record after every
	// featurize batch.
	DurabilitySync Durability = iota
	// DurabilityAsync flushes only at FinalizeFeatures and Close. A crash may
	// lose rows written since the last flush; they are re-featurized on resume.
	DurabilityAsync
)

// ResourceLimits bounds engine resource usage.
type ResourceLimits struct {
	// MemoryLimitBytes caps dense projection matrices and score buffers.
	// 0 means unlimited.
	MemoryLimitBytes int64
}

type options struct {
	projDim       int
	seed          uint64
	projType      projector.Type
	projectorKind ProjectorKind
	gradDim       int
	task          task.Functional
	logger        *Logger
	metrics       MetricsCollector
	workers       int
	limits        ResourceLimits
	durability    Durability
	archiver      Archiver
	condThreshold float64
	fsys          fs.FileSystem
}

// Option configures Open.
type Option func(*options)

func applyOptions(optFns []Option) options {
	o := options{
		projDim:       DefaultProjDim,
		projType:      projector.Rademacher,
		task:          task.ClassificationMargin{},
		logger:        NoopLogger(),
		metrics:       NoopMetricsCollector{},
		workers:       runtime.GOMAXPROCS(0),
		condThreshold: correction.DefaultThreshold,
		fsys:          fs.Default,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}

// WithProjDim sets the sketch dimension. It must match across reopenings of
// the same save directory.
func WithProjDim(dim int) Option {
	return func(o *options) {
		o.projDim = dim
	}
}

// WithSeed sets the projection seed.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithProjectionType sets the entry distribution of the projection.
func WithProjectionType(t projector.Type) Option {
	return func(o *options) {
		o.projType = t
	}
}

// WithProjector forces the projection implementation. Both kinds produce
// interchangeable features.
func WithProjector(kind ProjectorKind) Option {
	return func(o *options) {
		o.projectorKind = kind
	}
}

// WithGradDim sets the projector's input dimension. By default it is the
// model's parameter count; a different value makes every featurize call fail
// with a DimensionMismatchError.
func WithGradDim(dim int) Option {
	return func(o *options) {
		o.gradDim = dim
	}
}

// WithTask sets the task functional. If nil is passed, the multi-class
// margin is used.
func WithTask(fn task.Functional) Option {
	return func(o *options) {
		if fn == nil {
			fn = task.ClassificationMargin{}
		}
		o.task = fn
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example:
//
//	logger := trakgo.NewJSONLogger(slog.LevelInfo)
//	eng, err := trakgo.Open(ctx, "./run", m, 50000, trakgo.WithLogger(logger))
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithWorkers bounds the goroutines used by gradient extraction, projection
// and scoring. Values <= 0 select GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n <= 0 {
			n = runtime.GOMAXPROCS(0)
		}
		o.workers = n
	}
}

// WithResourceLimits configures memory limits.
func WithResourceLimits(l ResourceLimits) Option {
	return func(o *options) {
		o.limits = l
	}
}

// WithDurability selects when featurize writes are flushed.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithArchive pushes finalized checkpoint artifacts and final scores to a.
func WithArchive(a Archiver) Option {
	return func(o *options) {
		o.archiver = a
	}
}

// WithCorrectionThreshold sets the Gram condition number above which a ridge
// term is added before inversion.
func WithCorrectionThreshold(cond float64) Option {
	return func(o *options) {
		o.condThreshold = cond
	}
}

func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}
