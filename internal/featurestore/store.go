package featurestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hupe1980/trakgo/internal/bitset"
	"github.com/hupe1980/trakgo/internal/conv"
	"github.com/hupe1980/trakgo/internal/fs"
	"github.com/hupe1980/trakgo/internal/mmap"
)

const (
	// FeaturesFile holds the feature array.
	FeaturesFile = "features.bin"
	// WrittenFile holds the completeness record.
	WrittenFile = "written.roar"

	// HeaderSize is the size of the features.bin header.
	HeaderSize = 64

	featuresMagic   = "TRKF"
	featuresVersion = 1
)

var (
	// ErrCorrupt is returned when on-disk state fails validation.
	ErrCorrupt = errors.New("featurestore: corrupt store")
	// ErrShape is returned when an existing store has a different shape.
	ErrShape = errors.New("featurestore: shape mismatch")
	// ErrIndex is returned for out-of-range example indices.
	ErrIndex = errors.New("featurestore: index out of range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("featurestore: closed")
)

// Shape is the logical [Rows × ProjDim] size of a store.
type Shape struct {
	Rows    int
	ProjDim int
}

func (s Shape) dataBytes() (int, error) {
	n, err := conv.MulInt(s.Rows, s.ProjDim)
	if err != nil {
		return 0, err
	}
	n, err = conv.MulInt(n, 4)
	if err != nil {
		return 0, err
	}
	return HeaderSize + n, nil
}

// Options configures Open.
type Options struct {
	// FS handles the small metadata files. Defaults to fs.Default.
	FS fs.FileSystem
}

// Store is the feature array of one checkpoint.
type Store struct {
	dir     string
	modelID int
	shape   Shape
	fsys    fs.FileSystem

	// life guards the mapping against Close; writers share it.
	life    sync.RWMutex
	closed  bool
	mapping *mmap.Mapping
	data    []float32

	written *bitset.BitSet
	count   atomic.Int64

	// flushMu guards committed and serializes rewrites of the bitmap file.
	// committed holds only rows whose pages have been synced.
	flushMu   sync.Mutex
	committed *roaring.Bitmap
}

// Open opens or creates the store for modelID under dir.
func Open(dir string, modelID int, shape Shape, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if shape.Rows <= 0 || shape.ProjDim <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrShape, shape.Rows, shape.ProjDim)
	}
	if uint64(shape.Rows) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d rows exceed the bitmap range", ErrShape, shape.Rows)
	}
	size, err := shape.dataBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShape, err)
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("featurestore: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, FeaturesFile)
	existed := false
	if fi, err := os.Stat(path); err == nil {
		existed = true
		if fi.Size() != int64(size) {
			return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrShape, path, fi.Size(), size)
		}
	}

	m, err := mmap.OpenRW(path, size)
	if err != nil {
		return nil, fmt.Errorf("featurestore: %w", err)
	}

	s := &Store{
		dir:     dir,
		modelID: modelID,
		shape:   shape,
		fsys:    opts.FS,
		mapping:   m,
		written:   bitset.New(uint64(shape.Rows)),
		committed: roaring.New(),
	}

	if err := s.initHeader(existed); err != nil {
		_ = m.Close()
		return nil, err
	}
	s.data, err = conv.BytesToFloat32s(m.Bytes()[HeaderSize:])
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	if err := s.loadWritten(); err != nil {
		_ = m.Close()
		return nil, err
	}
	_ = m.Advise(mmap.AccessRandom)
	return s, nil
}

func (s *Store) initHeader(existed bool) error {
	hdr := s.mapping.Bytes()[:HeaderSize]
	if !existed || bytes.Equal(hdr, make([]byte, HeaderSize)) {
		copy(hdr[0:4], featuresMagic)
		binary.LittleEndian.PutUint16(hdr[4:], featuresVersion)
		binary.LittleEndian.PutUint64(hdr[8:], uint64(s.shape.Rows))
		binary.LittleEndian.PutUint64(hdr[16:], uint64(s.shape.ProjDim))
		binary.LittleEndian.PutUint64(hdr[24:], uint64(s.modelID))
		return s.mapping.SyncRange(0, HeaderSize)
	}

	if string(hdr[0:4]) != featuresMagic {
		return fmt.Errorf("%w: bad magic in %s", ErrCorrupt, FeaturesFile)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != featuresVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	rows := binary.LittleEndian.Uint64(hdr[8:])
	dim := binary.LittleEndian.Uint64(hdr[16:])
	id := binary.LittleEndian.Uint64(hdr[24:])
	if rows != uint64(s.shape.Rows) || dim != uint64(s.shape.ProjDim) {
		return fmt.Errorf("%w: stored %dx%d, requested %dx%d", ErrShape, rows, dim, s.shape.Rows, s.shape.ProjDim)
	}
	if id != uint64(s.modelID) {
		return fmt.Errorf("%w: file belongs to model %d, opened as %d", ErrCorrupt, id, s.modelID)
	}
	return nil
}

func (s *Store) loadWritten() error {
	raw, err := s.fsys.ReadFile(filepath.Join(s.dir, WrittenFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("featurestore: read %s: %w", WrittenFile, err)
	}
	rb := roaring.New()
	if _, err := rb.ReadFrom(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, WrittenFile, err)
	}
	if !rb.IsEmpty() && int(rb.Maximum()) >= s.shape.Rows {
		return fmt.Errorf("%w: %s marks index %d of %d", ErrCorrupt, WrittenFile, rb.Maximum(), s.shape.Rows)
	}
	it := rb.Iterator()
	for it.HasNext() {
		s.written.TestAndSet(uint64(it.Next()))
	}
	s.count.Store(int64(rb.GetCardinality()))
	s.committed = rb
	return nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// Shape returns the store shape.
func (s *Store) Shape() Shape { return s.shape }

// Written returns the number of distinct indices written.
func (s *Store) Written() int { return int(s.count.Load()) }

// Complete reports whether every index has been written.
func (s *Store) Complete() bool { return s.Written() == s.shape.Rows }

// Missing returns up to limit unwritten indices in ascending order. A
// non-positive limit returns all of them.
func (s *Store) Missing(limit int) []int {
	if limit <= 0 {
		limit = s.shape.Rows
	}
	var out []int
	for i := 0; i < s.shape.Rows && len(out) < limit; i++ {
		if !s.written.Test(uint64(i)) {
			out = append(out, i)
		}
	}
	return out
}

// Write stores rows.Row(k) at indices[k] and marks the indices written. It
// returns the number of indices that were not previously written. Calls with
// disjoint index sets may run concurrently.
func (s *Store) Write(indices []int, rows blas32.General) (int, error) {
	if rows.Rows != len(indices) {
		return 0, fmt.Errorf("featurestore: %d indices for %d rows", len(indices), rows.Rows)
	}
	if rows.Cols != s.shape.ProjDim {
		return 0, fmt.Errorf("%w: rows have %d columns, store has %d", ErrShape, rows.Cols, s.shape.ProjDim)
	}
	for _, idx := range indices {
		if idx < 0 || idx >= s.shape.Rows {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndex, idx, s.shape.Rows)
		}
	}

	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	p := s.shape.ProjDim
	for k, idx := range indices {
		copy(s.data[idx*p:(idx+1)*p], rows.Data[k*rows.Stride:k*rows.Stride+p])
	}

	added := 0
	for _, idx := range indices {
		if !s.written.TestAndSet(uint64(idx)) {
			added++
		}
	}
	if added > 0 {
		s.count.Add(int64(added))
	}
	return added, nil
}

// Commit makes the rows at indices durable and then records them in the
// completeness file. Rows written by concurrent callers are recorded only by
// their own Commit or by Flush.
func (s *Store) Commit(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	lo, hi := indices[0], indices[0]
	add := roaring.New()
	for _, i := range indices {
		lo, hi = min(lo, i), max(hi, i)
		add.Add(uint32(i))
	}

	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return ErrClosed
	}
	p := s.shape.ProjDim
	if err := s.mapping.SyncRange(HeaderSize+lo*p*4, (hi-lo+1)*p*4); err != nil {
		return fmt.Errorf("featurestore: sync rows: %w", err)
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.persistLocked(add)
}

// Flush makes every written row durable and persists the completeness record.
func (s *Store) Flush() error {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.committed.GetCardinality() == uint64(s.count.Load()) {
		return nil
	}

	// Rows are copied before they are marked, so every row in the snapshot
	// is covered by the sync below.
	snap := roaring.New()
	s.written.ForEach(func(i uint64) bool {
		snap.Add(uint32(i))
		return true
	})
	if err := s.mapping.Sync(); err != nil {
		return fmt.Errorf("featurestore: sync: %w", err)
	}
	return s.persistLocked(snap)
}

// persistLocked rewrites the completeness file as committed ∪ add. committed
// is only advanced once the file is in place.
func (s *Store) persistLocked(add *roaring.Bitmap) error {
	next := roaring.Or(s.committed, add)
	next.RunOptimize()

	var buf bytes.Buffer
	if _, err := next.WriteTo(&buf); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(s.fsys, filepath.Join(s.dir, WrittenFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("featurestore: persist completeness: %w", err)
	}
	s.committed = next
	return nil
}

// Features returns the full [Rows × ProjDim] array. The view is valid until
// Close and must only be read once the store is complete.
func (s *Store) Features() blas32.General {
	p := s.shape.ProjDim
	return blas32.General{Rows: s.shape.Rows, Cols: p, Stride: p, Data: s.data}
}

// Close flushes pending state and unmaps the array. It is idempotent.
func (s *Store) Close() error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ferr := s.flushLocked()
	s.data = nil
	return errors.Join(ferr, s.mapping.Close())
}
