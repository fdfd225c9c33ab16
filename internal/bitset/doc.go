// Package bitset provides a fixed-size lock-free bitset for concurrent access.
//
// Architecture:
//   - Flat []atomic.Uint64 sized once at construction (train_set_size bits)
//   - Lock-free: TestAndSet uses a CAS loop so that exactly one writer observes
//     the transition of each bit from 0 to 1
//
// Used internally for:
//   - Tracking which training indices have a written feature row, so that
//     featurize workers writing disjoint index ranges never need a lock
package bitset
