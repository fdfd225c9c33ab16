// Package resource implements the Controller for global limits and governance.
//
// The Controller manages three resource types:
//
//   - Memory: fail-fast accounting for large buffers (dense projection
//     matrices, per-checkpoint score buffers)
//   - Workers: bounds the goroutines used for per-example backward passes,
//     projection and scoring
//   - IO: token-bucket rate limit for archive uploads and downloads
//
// Memory:
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 30})
//	if err := rc.AcquireMemory(n); err != nil {
//	    // ErrMemoryLimitExceeded - caller decides what to do
//	}
//	defer rc.ReleaseMemory(n)
//
// IO:
//
//	w := resource.NewRateLimitedWriter(ctx, blob, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
