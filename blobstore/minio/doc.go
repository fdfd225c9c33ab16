// Package minio stores archived run artifacts in MinIO or any other
// S3-compatible server (Ceph, Garage, SeaweedFS) through minio-go, without
// pulling in the AWS SDK.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//		Secure: false,
//	})
//	if err != nil {
//		return err
//	}
//	store := minioblob.NewStore(client, "attribution", "runs/cifar2/")
//	e, err := trakgo.Open(ctx, dir, m, n, trakgo.WithArchive(archive.New(store)))
//
// Writable blobs stream through PutObject, so a feature array is never
// buffered in memory. Missing objects map to blobstore.ErrNotFound.
package minio
