package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/trakgo/blobstore"
	"github.com/hupe1980/trakgo/codec"
	"github.com/hupe1980/trakgo/internal/featurestore"
	"github.com/hupe1980/trakgo/internal/hash"
	"github.com/hupe1980/trakgo/internal/resource"
)

const (
	// CurrentName holds the blob name of the latest committed snapshot.
	CurrentName = blobstore.CurrentName
	// ScoresFile is the save-dir relative path of archived final scores.
	ScoresFile = "scores.bin"

	snapshotVersion = 1
)

var (
	// ErrNoSnapshot is returned when the store has no committed snapshot.
	ErrNoSnapshot = errors.New("archive: no snapshot committed")
	// ErrCorrupt is returned when a restored file fails its size or checksum.
	ErrCorrupt = errors.New("archive: corrupt blob")
	// ErrConflict is returned when another writer committed the same
	// snapshot sequence first. The caller may retry.
	ErrConflict = blobstore.ErrConflict
)

// Snapshot lists every archived file of a save directory.
type Snapshot struct {
	Version   int       `json:"version"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Files     []File    `json:"files"`
}

// File is one archived file.
type File struct {
	// Path is relative to the save directory, slash separated.
	Path        string `json:"path"`
	Blob        string `json:"blob"`
	Size        int64  `json:"size"`
	CRC32C      uint32 `json:"crc32c"`
	Compression string `json:"compression"`
}

// File returns the entry for p.
func (s *Snapshot) File(p string) (File, bool) {
	i := sort.Search(len(s.Files), func(i int) bool { return s.Files[i].Path >= p })
	if i < len(s.Files) && s.Files[i].Path == p {
		return s.Files[i], true
	}
	return File{}, false
}

func (s *Snapshot) upsert(files ...File) {
	for _, f := range files {
		i := sort.Search(len(s.Files), func(i int) bool { return s.Files[i].Path >= f.Path })
		if i < len(s.Files) && s.Files[i].Path == f.Path {
			s.Files[i] = f
			continue
		}
		s.Files = append(s.Files, File{})
		copy(s.Files[i+1:], s.Files[i:])
		s.Files[i] = f
	}
}

// Archive pushes finalized checkpoint artifacts and final scores to a
// BlobStore. Every call commits a new snapshot and moves CURRENT to it;
// blobs of earlier snapshots are left in place.
//
// Blob names carry a per-Archive writer id, so two processes archiving the
// same run never overwrite each other's blobs. On stores implementing
// blobstore.Committer the loser of a race gets ErrConflict and its blobs
// are deleted.
//
// Archive implements trakgo.Archiver.
type Archive struct {
	mu sync.Mutex

	store       blobstore.BlobStore
	writer      string
	compression Compression
	workers     int
	rc          *resource.Controller
	codec       codec.Codec
	logger      *slog.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithCompression sets the blob compression. Default: CompressionZstd.
func WithCompression(c Compression) Option {
	return func(a *Archive) {
		a.compression = c
	}
}

// WithConcurrency bounds parallel uploads and downloads. Default: 4.
func WithConcurrency(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithRateLimit caps archive IO at bytesPerSec of compressed data.
// 0 means unlimited.
func WithRateLimit(bytesPerSec int64) Option {
	return func(a *Archive) {
		a.rc = resource.NewController(resource.Config{IOLimitBytesPerSec: bytesPerSec})
	}
}

// WithCodec sets the snapshot encoding. Default: codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(a *Archive) {
		if c != nil {
			a.codec = c
		}
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Archive writing to store.
func New(store blobstore.BlobStore, opts ...Option) *Archive {
	a := &Archive{
		store:       store,
		writer:      uuid.NewString()[:8],
		compression: CompressionZstd,
		workers:     4,
		codec:       codec.Default,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveCheckpoint uploads the feature array, completeness record and
// correction matrix in dir together with the run manifest of its parent
// save directory.
func (a *Archive) ArchiveCheckpoint(ctx context.Context, modelID int, dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.current(ctx)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return err
	}
	seq := snap.Seq + 1

	saveDir := filepath.Dir(dir)
	type source struct{ path, file string }
	sources := []source{{featurestore.ManifestFile, filepath.Join(saveDir, featurestore.ManifestFile)}}
	for _, name := range []string{featurestore.FeaturesFile, featurestore.WrittenFile, featurestore.CorrectionFile} {
		sources = append(sources, source{path.Join(strconv.Itoa(modelID), name), filepath.Join(dir, name)})
	}

	start := time.Now()
	files := make([]File, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, src := range sources {
		g.Go(func() error {
			f, err := os.Open(src.file)
			if err != nil {
				return err
			}
			defer f.Close()
			files[i], err = a.upload(gctx, src.path, seq, f)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.discard(ctx, files)
		return fmt.Errorf("archive checkpoint %d: %w", modelID, err)
	}

	if err := a.commit(ctx, snap, seq, files); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "checkpoint archived",
		"model_id", modelID,
		"seq", seq,
		"duration", time.Since(start),
	)
	return nil
}

// ArchiveScores uploads a final score matrix as scores.bin.
func (a *Archive) ArchiveScores(ctx context.Context, scores io.WriterTo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.current(ctx)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return err
	}
	seq := snap.Seq + 1

	pr, pw := io.Pipe()
	go func() {
		_, err := scores.WriteTo(pw)
		_ = pw.CloseWithError(err)
	}()
	f, err := a.upload(ctx, ScoresFile, seq, pr)
	_ = pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("archive scores: %w", err)
	}
	if err := a.commit(ctx, snap, seq, []File{f}); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "scores archived", "seq", seq, "size", f.Size)
	return nil
}

// Current returns the latest committed snapshot.
func (a *Archive) Current(ctx context.Context) (*Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, err := a.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// current returns the committed snapshot, or an empty one with
// ErrNoSnapshot.
func (a *Archive) current(ctx context.Context) (*Snapshot, error) {
	name, err := blobstore.ReadAll(ctx, a.store, CurrentName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return &Snapshot{Version: snapshotVersion}, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	data, err := blobstore.ReadAll(ctx, a.store, string(name))
	if err != nil {
		return nil, fmt.Errorf("archive: read snapshot %s: %w", name, err)
	}
	snap := &Snapshot{}
	if err := a.codec.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %w", ErrCorrupt, name, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d", ErrCorrupt, snap.Version)
	}
	return snap, nil
}

func (a *Archive) commit(ctx context.Context, snap *Snapshot, seq uint64, files []File) error {
	next := &Snapshot{
		Version:   snapshotVersion,
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
		Files:     append([]File(nil), snap.Files...),
	}
	next.upsert(files...)

	data, err := a.codec.Marshal(next)
	if err != nil {
		a.discard(ctx, files)
		return err
	}
	name := fmt.Sprintf("snapshots/%020d-%s.json", seq, a.writer)
	if err := a.store.Put(ctx, name, data); err != nil {
		a.discard(ctx, files)
		return fmt.Errorf("archive: put snapshot: %w", err)
	}
	if c, ok := a.store.(blobstore.Committer); ok {
		err = c.CommitCurrent(ctx, seq, name)
	} else {
		err = a.store.Put(ctx, CurrentName, []byte(name))
	}
	if err != nil {
		a.discard(ctx, files)
		_ = a.store.Delete(ctx, name)
		if errors.Is(err, blobstore.ErrConflict) {
			a.logger.WarnContext(ctx, "snapshot lost commit race", "seq", seq, "writer", a.writer)
		}
		return fmt.Errorf("archive: commit %s: %w", name, err)
	}
	return nil
}

// discard deletes blobs uploaded for a snapshot that was never committed.
func (a *Archive) discard(ctx context.Context, files []File) {
	for _, f := range files {
		if f.Blob != "" {
			_ = a.store.Delete(ctx, f.Blob)
		}
	}
}

// upload streams r through the compressor into a new blob.
func (a *Archive) upload(ctx context.Context, p string, seq uint64, r io.Reader) (File, error) {
	blobName := fmt.Sprintf("data/%s.%06d-%s%s", p, seq, a.writer, a.compression.ext())
	w, err := a.store.Create(ctx, blobName)
	if err != nil {
		return File{}, err
	}

	crc := hash.NewCRC32C()
	cw, err := a.compressor(ctx, w)
	if err != nil {
		_ = blobstore.Abort(w)
		return File{}, err
	}
	n, err := io.Copy(io.MultiWriter(cw, crc), r)
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = blobstore.Abort(w)
		return File{}, fmt.Errorf("upload %s: %w", p, err)
	}
	if err := w.Close(); err != nil {
		return File{}, fmt.Errorf("upload %s: %w", p, err)
	}
	return File{
		Path:        p,
		Blob:        blobName,
		Size:        n,
		CRC32C:      crc.Sum32(),
		Compression: a.compression.String(),
	}, nil
}

func (a *Archive) compressor(ctx context.Context, w io.Writer) (io.WriteCloser, error) {
	if a.rc != nil {
		w = resource.NewRateLimitedWriter(ctx, w, a.rc)
	}
	return compressor(a.compression, w)
}

