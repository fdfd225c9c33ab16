// Package fs provides filesystem abstractions for testability and fault injection.
//
// The feature store writes its small metadata files (run manifest,
// completeness bitmaps, correction matrices) through [FileSystem] so that tests
// can inject I/O failures with [FaultyFS] and assert that storage errors are
// surfaced rather than swallowed.
//
//   - [LocalFS]: Production implementation using the os package
//   - [FaultyFS]: Test utility that fails writes, syncs or renames on demand
//
// Large memory-mapped arrays bypass this package; they need a real file
// descriptor.
//
// This package intentionally does NOT include context.Context parameters.
// Local filesystem operations are non-interruptible at the syscall level.
package fs
