// Package hash provides CRC32-Castagnoli checksums for on-disk integrity.
//
// Checkpoint files, correction matrices, score files and archived blobs all
// carry a CRC32C. Parameter vectors are fingerprinted with the same
// polynomial so a model id reloaded with different weights is caught on
// resume.
//
//	h := hash.NewCRC32C()
//	_, _ = io.Copy(h, r)
//	sum := h.Sum32()
package hash
