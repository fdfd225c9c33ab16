package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hupe1980/trakgo/internal/conv"
	"github.com/hupe1980/trakgo/internal/hash"
)

const (
	checkpointMagic   = "TRKC"
	checkpointVersion = 1
	// maxCheckpointParams bounds allocations when reading untrusted headers.
	maxCheckpointParams = 1 << 34
)

// ErrCorruptCheckpoint is returned when a checkpoint file fails validation.
var ErrCorruptCheckpoint = errors.New("model: corrupt checkpoint file")

// WriteCheckpoint serializes c as:
//
//	magic "TRKC" | version u16 | reserved u16 | id u64 | count u64 | params f32... | crc32c u32
//
// All integers and floats are little-endian.
func WriteCheckpoint(w io.Writer, c Checkpoint) error {
	if c.ID < 0 {
		return fmt.Errorf("model: negative checkpoint id %d", c.ID)
	}
	var hdr [24]byte
	copy(hdr[0:4], checkpointMagic)
	binary.LittleEndian.PutUint16(hdr[4:], checkpointVersion)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(c.ID))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(len(c.Params)))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	crc := hash.NewCRC32C()
	buf := make([]byte, 4)
	for _, p := range c.Params {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(p))
		_, _ = crc.Write(buf)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(buf, crc.Sum32())
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadCheckpoint parses a checkpoint written by WriteCheckpoint.
func ReadCheckpoint(r io.Reader) (Checkpoint, error) {
	br := bufio.NewReader(r)

	var hdr [24]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: header: %w", ErrCorruptCheckpoint, err)
	}
	if string(hdr[0:4]) != checkpointMagic {
		return Checkpoint{}, fmt.Errorf("%w: bad magic", ErrCorruptCheckpoint)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != checkpointVersion {
		return Checkpoint{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptCheckpoint, v)
	}
	id, err := conv.Uint64ToInt(binary.LittleEndian.Uint64(hdr[8:]))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}
	count := binary.LittleEndian.Uint64(hdr[16:])
	if count > maxCheckpointParams {
		return Checkpoint{}, fmt.Errorf("%w: %d parameters", ErrCorruptCheckpoint, count)
	}
	n, err := conv.Uint64ToInt(count)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}

	raw := make([]byte, n*4)
	if _, err := io.ReadFull(br, raw); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: params: %w", ErrCorruptCheckpoint, err)
	}
	var sum [4]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: checksum: %w", ErrCorruptCheckpoint, err)
	}
	if binary.LittleEndian.Uint32(sum[:]) != hash.CRC32C(raw) {
		return Checkpoint{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptCheckpoint)
	}

	params := make([]float32, n)
	for i := range params {
		params[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return Checkpoint{ID: id, Params: params}, nil
}

// SaveCheckpoint writes c to path.
func SaveCheckpoint(path string, c Checkpoint) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCheckpoint(f, c); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadCheckpoint reads a checkpoint from path.
func LoadCheckpoint(path string) (Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checkpoint{}, err
	}
	defer f.Close()
	return ReadCheckpoint(f)
}
