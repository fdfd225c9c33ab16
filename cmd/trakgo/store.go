package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/trakgo"
	"github.com/hupe1980/trakgo/archive"
	"github.com/hupe1980/trakgo/blobstore"
	"github.com/hupe1980/trakgo/codec"
	"github.com/hupe1980/trakgo/blobstore/minio"
	"github.com/hupe1980/trakgo/blobstore/s3"
)

// openBlobStore resolves an archive URL to a BlobStore.
func openBlobStore(ctx context.Context, cfg *ArchiveConfig) (blobstore.BlobStore, error) {
	if !strings.Contains(cfg.URL, "://") {
		return blobstore.NewLocalStore(cfg.URL), nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("archive url: %w", err)
	}
	switch u.Scheme {
	case "file":
		return blobstore.NewLocalStore(u.Host + u.Path), nil
	case "s3":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		prefix := strings.TrimPrefix(u.Path, "/")
		store := s3.NewStore(awss3.NewFromConfig(awsCfg), u.Host, prefix)
		if cfg.DynamoDBTable == "" {
			return store, nil
		}
		return s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, cfg.URL), nil
	case "minio":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("archive url %q: missing bucket", cfg.URL)
		}
		client, err := miniogo.New(u.Host, &miniogo.Options{
			Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
			Secure: !cfg.Insecure,
		})
		if err != nil {
			return nil, err
		}
		return minio.NewStore(client, bucket, prefix), nil
	default:
		return nil, fmt.Errorf("archive url %q: unsupported scheme %q", cfg.URL, u.Scheme)
	}
}

func openArchive(ctx context.Context, cfg *ArchiveConfig, logger *trakgo.Logger) (*archive.Archive, error) {
	store, err := openBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []archive.Option{
		archive.WithLogger(logger.Logger),
		archive.WithConcurrency(cfg.Concurrency),
	}
	if cfg.Compression != "" {
		c, err := archive.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		opts = append(opts, archive.WithCompression(c))
	}
	if cfg.Codec != "" {
		c, ok := codec.ByName(cfg.Codec)
		if !ok {
			return nil, fmt.Errorf("archive: unknown codec %q", cfg.Codec)
		}
		opts = append(opts, archive.WithCodec(c))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, archive.WithRateLimit(cfg.RateLimit))
	}
	return archive.New(store, opts...), nil
}
