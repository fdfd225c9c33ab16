package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"local":  NewLocalStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

func TestBlobStore_Lifecycle(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			blobName := "runs/a/0/features.bin"
			data := []byte("hello world, this is a test blob for trakgo")

			w, err := store.Create(ctx, blobName)
			require.NoError(t, err)
			n, err := w.Write(data)
			require.NoError(t, err)
			require.Equal(t, len(data), n)
			require.NoError(t, w.Sync())
			require.NoError(t, w.Close())

			blob, err := store.Open(ctx, blobName)
			require.NoError(t, err)
			defer blob.Close()
			require.Equal(t, int64(len(data)), blob.Size())

			buf := make([]byte, 5)
			n, err = blob.ReadAt(ctx, buf, 6)
			require.NoError(t, err)
			require.Equal(t, 5, n)
			require.Equal(t, "world", string(buf))

			r, err := blob.ReadRange(ctx, 13, 4)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			require.Equal(t, "this", string(got))

			require.NoError(t, store.Put(ctx, "runs/a/CURRENT", []byte("v1")))
			require.NoError(t, store.Put(ctx, "runs/b/CURRENT", []byte("v1")))

			names, err := store.List(ctx, "runs/a/")
			require.NoError(t, err)
			require.Equal(t, []string{"runs/a/0/features.bin", "runs/a/CURRENT"}, names)

			all, err := ReadAll(ctx, store, blobName)
			require.NoError(t, err)
			assert.Equal(t, data, all)

			require.NoError(t, store.Delete(ctx, blobName))
			require.NoError(t, store.Delete(ctx, blobName))
			names, err = store.List(ctx, "runs/a/")
			require.NoError(t, err)
			require.Equal(t, []string{"runs/a/CURRENT"}, names)

			_, err = store.Open(ctx, blobName)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBlobStore_ReadRange_Boundaries(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("0123456789")
			require.NoError(t, store.Put(ctx, "boundary.bin", data))

			blob, err := store.Open(ctx, "boundary.bin")
			require.NoError(t, err)
			defer blob.Close()

			r, err := blob.ReadRange(ctx, 0, 10)
			require.NoError(t, err)
			content, _ := io.ReadAll(r)
			r.Close()
			require.True(t, bytes.Equal(data, content))

			r, err = blob.ReadRange(ctx, 8, 5)
			require.NoError(t, err)
			content, err = io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, "89", string(content))
			r.Close()

			_, err = blob.ReadRange(ctx, 20, 5)
			require.ErrorIs(t, err, io.EOF)

			buf := make([]byte, 4)
			n, err := blob.ReadAt(ctx, buf, 8)
			require.ErrorIs(t, err, io.EOF)
			require.Equal(t, 2, n)
		})
	}
}

func TestLocalStore_CreateIsAtomic(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewLocalStore(root)

	w, err := store.Create(ctx, "x/y.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "x", "y.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, w.Close())
	assert.Error(t, w.Close())
	_, err = w.Write([]byte("late"))
	assert.Error(t, err)

	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/y.bin"}, names)
}

func TestLocalStore_EmptyBlobAndMissingRoot(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Put(ctx, "empty", nil))
	data, err := ReadAll(ctx, store, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBlobStore_AbortLeavesNothing(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "runs/a/features.bin", []byte("old")))

			w, err := store.Create(ctx, "runs/a/features.bin")
			require.NoError(t, err)
			_, err = w.Write([]byte("half written"))
			require.NoError(t, err)
			require.NoError(t, Abort(w))

			data, err := ReadAll(ctx, store, "runs/a/features.bin")
			require.NoError(t, err)
			assert.Equal(t, "old", string(data))

			names, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"runs/a/features.bin"}, names)
		})
	}
}

func TestMemoryStore_CommitCurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CommitCurrent(ctx, 1, "snapshots/1"))
	require.NoError(t, store.CommitCurrent(ctx, 3, "snapshots/3"))
	require.ErrorIs(t, store.CommitCurrent(ctx, 3, "snapshots/3b"), ErrConflict)
	require.ErrorIs(t, store.CommitCurrent(ctx, 2, "snapshots/2"), ErrConflict)

	data, err := ReadAll(ctx, store, CurrentName)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/3", string(data))
}

func TestMemoryStore_WritersDoNotAlias(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	src := []byte("abc")
	require.NoError(t, store.Put(ctx, "a", src))
	src[0] = 'x'

	w, err := store.Create(ctx, "b")
	require.NoError(t, err)
	_, err = w.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Error(t, w.Close())
	_, err = w.Write([]byte("g"))
	assert.Error(t, err)

	a, err := ReadAll(ctx, store, "a")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(a))
	b, err := ReadAll(ctx, store, "b")
	require.NoError(t, err)
	assert.Equal(t, "def", string(b))
	assert.Equal(t, int64(6), store.Size())
}
