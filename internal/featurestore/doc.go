// Package featurestore persists projected training features per checkpoint.
//
// Each checkpoint owns a directory holding:
//
//	features.bin    64-byte header + rows×projDim little-endian float32, mmap'd
//	written.roar    roaring bitmap of indices whose rows are durable
//	correction.bin  the finalized correction matrix, once computed
//
// Writes to disjoint index sets proceed concurrently without locks: each
// writer copies its rows into the shared mapping and then marks the indices in
// an atomic bitset. The bitmap file is only rewritten after the corresponding
// rows have been msync'd, so a bitmap on disk never claims rows that are not.
package featurestore
