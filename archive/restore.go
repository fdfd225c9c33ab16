package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/trakgo/internal/fs"
	"github.com/hupe1980/trakgo/internal/hash"
	"github.com/hupe1980/trakgo/internal/resource"
)

// Restore downloads the current snapshot into dir so that an engine opened
// on dir resumes where the archived run left off. Existing files with the
// same paths are replaced atomically.
func (a *Archive) Restore(ctx context.Context, dir string) (*Snapshot, error) {
	snap, err := a.Current(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for _, f := range snap.Files {
		g.Go(func() error {
			return a.download(gctx, f, dir)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "snapshot restored",
		"seq", snap.Seq,
		"files", len(snap.Files),
		"dir", dir,
	)
	return snap, nil
}

func (a *Archive) download(ctx context.Context, f File, dir string) error {
	if f.Path == "" || strings.Contains(f.Path, "..") || filepath.IsAbs(filepath.FromSlash(f.Path)) {
		return fmt.Errorf("%w: path %q", ErrCorrupt, f.Path)
	}
	c, err := ParseCompression(f.Compression)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	blob, err := a.store.Open(ctx, f.Blob)
	if err != nil {
		return fmt.Errorf("restore %s: %w", f.Path, err)
	}
	defer blob.Close()
	rc, err := blob.ReadRange(ctx, 0, blob.Size())
	if err != nil {
		return fmt.Errorf("restore %s: %w", f.Path, err)
	}
	defer rc.Close()

	var src io.Reader = rc
	if a.rc != nil {
		src = resource.NewRateLimitedReader(ctx, src, a.rc)
	}
	r, release, err := decompressor(c, src)
	if err != nil {
		return err
	}
	defer release()

	dst := filepath.Join(dir, filepath.FromSlash(f.Path))
	if err := fs.Default.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := fs.Default.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	crc := hash.NewCRC32C()
	n, err := io.Copy(io.MultiWriter(out, crc), r)
	if err == nil && (n != f.Size || crc.Sum32() != f.CRC32C) {
		err = fmt.Errorf("%w: %s: size %d crc %08x, want size %d crc %08x", ErrCorrupt, f.Path, n, crc.Sum32(), f.Size, f.CRC32C)
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Default.Rename(tmp, dst)
	}
	if err != nil {
		_ = fs.Default.Remove(tmp)
		return fmt.Errorf("restore %s: %w", f.Path, err)
	}
	return nil
}
