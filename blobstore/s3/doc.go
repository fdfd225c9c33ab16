// Package s3 stores archived run artifacts in Amazon S3.
//
//	store, err := s3.New(ctx, "my-bucket", "runs/cifar2/")
//	if err != nil {
//		return err
//	}
//	e, err := trakgo.Open(ctx, dir, m, n, trakgo.WithArchive(archive.New(store)))
//
// Feature arrays are streamed through the multipart upload manager; small
// blobs such as snapshots go out in a single PutObject carrying a CRC32C
// checksum. Reads use ranged GetObject calls.
//
// S3 alone cannot compare-and-swap the CURRENT pointer. When several hosts
// archive into one prefix, wrap the Store in a DDBCommitStore so that pointer
// updates become conditional DynamoDB writes.
package s3
