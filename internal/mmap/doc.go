// Package mmap provides memory-mapped file access for the feature store.
//
// # Overview
//
// Projected training features for one checkpoint form a
// train_set_size x proj_dim float32 array that is usually far larger than
// what should live on the Go heap. The feature store maps that array with
// [OpenRW] and writes rows in place; the kernel pages data in and out.
//
// # Usage
//
//	m, err := mmap.OpenRW("features.bin", size)
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes()          // read-write view
//	_ = m.SyncRange(off, n)    // flush a written range
//	_ = m.Advise(mmap.AccessSequential)
//
// # Thread Safety
//
// Concurrent writes to disjoint byte ranges of a Mapping are safe and need no
// locking. Close is idempotent; callers must ensure no goroutine touches
// Bytes() after Close returns.
package mmap
