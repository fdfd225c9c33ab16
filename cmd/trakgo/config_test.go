package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/trakgo/blobstore"
	"github.com/hupe1980/trakgo/blobstore/minio"
	"github.com/hupe1980/trakgo/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_DefaultsAndPaths(t *testing.T) {
	path := writeConfig(t, `
model: {type: mlp, in: 4, hidden: 8, out: 3}
train: data/train.csv
queries: /abs/queries.csv
checkpoints: [c0.bin]
export: {db: out.db}
archive: {url: "s3://bucket/prefix"}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, filepath.Join(base, "trak_results"), cfg.SaveDir)
	assert.Equal(t, filepath.Join(base, "data/train.csv"), cfg.Train)
	assert.Equal(t, "/abs/queries.csv", cfg.Queries)
	assert.Equal(t, []string{filepath.Join(base, "c0.bin")}, cfg.Checkpoints)
	assert.Equal(t, 2048, cfg.ProjDim)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, "s3://bucket/prefix", cfg.Archive.URL)
	assert.Equal(t, 10, cfg.Export.K)
	assert.Equal(t, "trak_results", cfg.Export.Run)

	m, err := cfg.Model.Build()
	require.NoError(t, err)
	assert.IsType(t, &model.MLP{}, m)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 7)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "model: {in: 1, out: 1}\nproj_dims: 4\n", "proj_dims"},
		{"bad model", "model: {type: cnn, in: 1, out: 1}\n", "unknown type"},
		{"missing dims", "model: {type: linear}\n", "in and out must be positive"},
		{"bad task", "model: {in: 1, out: 1}\ntask: ranking\n", "unknown functional"},
		{"bad proj type", "model: {in: 1, out: 1}\nproj_type: sparse\n", "unknown projection type"},
		{"bad durability", "model: {in: 1, out: 1}\ndurability: never\n", "unknown durability"},
		{"bad compression", "model: {in: 1, out: 1}\narchive: {url: x, compression: brotli}\n", "brotli"},
		{"bad codec", "model: {in: 1, out: 1}\narchive: {url: x, codec: msgpack}\n", "unknown codec"},
		{"zero batch", "model: {in: 1, out: 1}\nbatch_size: 0\n", "batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadCSV(t *testing.T) {
	ds, err := ReadCSV(strings.NewReader("a,b,y\n1,2,0\n 3.5, -1 ,1\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3.5, -1}}, ds.Inputs)
	assert.Equal(t, []float64{0, 1}, ds.Labels)

	_, err = ReadCSV(strings.NewReader("1,2,0\n1,x,1\n"), 2)
	assert.ErrorContains(t, err, "line 2")

	_, err = ReadCSV(strings.NewReader("1,2\n"), 2)
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("a,b,y\n"), 2)
	assert.ErrorContains(t, err, "no examples")
}

func TestOpenBlobStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := openBlobStore(ctx, &ArchiveConfig{URL: dir})
	require.NoError(t, err)
	assert.IsType(t, &blobstore.LocalStore{}, s)

	s, err = openBlobStore(ctx, &ArchiveConfig{URL: "file://" + dir})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "x", []byte("1")))
	_, err = os.Stat(filepath.Join(dir, "x"))
	assert.NoError(t, err)

	s, err = openBlobStore(ctx, &ArchiveConfig{URL: "minio://localhost:9000/bucket/runs", Insecure: true})
	require.NoError(t, err)
	assert.IsType(t, &minio.Store{}, s)

	_, err = openBlobStore(ctx, &ArchiveConfig{URL: "minio://localhost:9000"})
	assert.ErrorContains(t, err, "missing bucket")

	_, err = openBlobStore(ctx, &ArchiveConfig{URL: "gs://bucket"})
	assert.ErrorContains(t, err, "unsupported scheme")
}
