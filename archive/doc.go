// Package archive pushes finalized trakgo artifacts to a blobstore and
// restores them into a save directory on another machine.
//
// Each checkpoint finalized by the engine uploads its feature array,
// completeness record and correction matrix, plus the run manifest. Final
// score matrices are uploaded as scores.bin. Every upload is compressed
// (zstd by default, lz4 optional) and checksummed with CRC32-C, recorded in
// a JSON snapshot, and made visible by rewriting the CURRENT blob. With
// s3.DDBCommitStore the CURRENT update is a conditional DynamoDB write.
//
//	arch := archive.New(store, archive.WithRateLimit(64<<20))
//	eng, err := trakgo.Open(ctx, dir, m, n, trakgo.WithArchive(arch))
//
//	// elsewhere
//	_, err = archive.New(store).Restore(ctx, dir)
package archive
