package featurestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/hupe1980/trakgo/internal/conv"
	"github.com/hupe1980/trakgo/internal/correction"
	"github.com/hupe1980/trakgo/internal/fs"
	"github.com/hupe1980/trakgo/internal/hash"
)

const (
	// CorrectionFile holds the finalized correction matrix.
	CorrectionFile = "correction.bin"

	correctionMagic      = "TRKX"
	correctionVersion    = 1
	correctionHeaderSize = 32
)

// WriteCorrection persists c atomically as:
//
//	magic "TRKX" | version u16 | reserved u16 | n u64 | ridge f64 | cond f64 | n*n f64 | crc32c u32
func (s *Store) WriteCorrection(c *correction.Matrix) error {
	if c.N != s.shape.ProjDim || len(c.Data) != c.N*c.N {
		return fmt.Errorf("%w: correction is %d wide, store has %d", ErrShape, c.N, s.shape.ProjDim)
	}
	return writeCorrection(s.fsys, filepath.Join(s.dir, CorrectionFile), c)
}

// ReadCorrection loads the persisted correction matrix. It returns an error
// matching os.ErrNotExist when none has been written.
func (s *Store) ReadCorrection() (*correction.Matrix, error) {
	c, err := readCorrection(s.fsys, filepath.Join(s.dir, CorrectionFile))
	if err != nil {
		return nil, err
	}
	if c.N != s.shape.ProjDim {
		return nil, fmt.Errorf("%w: correction is %d wide, store has %d", ErrShape, c.N, s.shape.ProjDim)
	}
	return c, nil
}

// HasCorrection reports whether a correction matrix is persisted.
func (s *Store) HasCorrection() bool {
	_, err := s.fsys.Stat(filepath.Join(s.dir, CorrectionFile))
	return err == nil
}

// RemoveCorrection deletes the persisted correction matrix, if any.
func (s *Store) RemoveCorrection() error {
	err := s.fsys.Remove(filepath.Join(s.dir, CorrectionFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("featurestore: remove correction: %w", err)
	}
	return nil
}

func writeCorrection(fsys fs.FileSystem, path string, c *correction.Matrix) error {
	buf := make([]byte, correctionHeaderSize, correctionHeaderSize+len(c.Data)*8+4)
	copy(buf[0:4], correctionMagic)
	binary.LittleEndian.PutUint16(buf[4:], correctionVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(c.N))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(c.Ridge))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(c.Cond))
	for _, v := range c.Data {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	buf = binary.LittleEndian.AppendUint32(buf, hash.CRC32C(buf))

	if err := fs.WriteFileAtomic(fsys, path, buf, 0o644); err != nil {
		return fmt.Errorf("featurestore: write correction: %w", err)
	}
	return nil
}

func readCorrection(fsys fs.FileSystem, path string) (*correction.Matrix, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < correctionHeaderSize+4 {
		return nil, fmt.Errorf("%w: %s truncated", ErrCorrupt, CorrectionFile)
	}
	body, sum := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if hash.CRC32C(body) != sum {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, CorrectionFile)
	}
	if string(body[0:4]) != correctionMagic {
		return nil, fmt.Errorf("%w: %s bad magic", ErrCorrupt, CorrectionFile)
	}
	if v := binary.LittleEndian.Uint16(body[4:]); v != correctionVersion {
		return nil, fmt.Errorf("%w: %s version %d", ErrCorrupt, CorrectionFile, v)
	}
	n, err := conv.Uint64ToInt(binary.LittleEndian.Uint64(body[8:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if uint64(len(body)-correctionHeaderSize) != uint64(n)*uint64(n)*8 {
		return nil, fmt.Errorf("%w: %s size does not match n=%d", ErrCorrupt, CorrectionFile, n)
	}

	c := &correction.Matrix{
		N:     n,
		Data:  make([]float64, n*n),
		Ridge: math.Float64frombits(binary.LittleEndian.Uint64(body[16:])),
		Cond:  math.Float64frombits(binary.LittleEndian.Uint64(body[24:])),
	}
	for i := range c.Data {
		c.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[correctionHeaderSize+i*8:]))
	}
	return c, nil
}
