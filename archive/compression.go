package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the blob compression algorithm.
type Compression uint8

const (
	// CompressionZstd is the default: better ratio for cold artifacts.
	CompressionZstd Compression = iota
	// CompressionLZ4 trades ratio for speed.
	CompressionLZ4
	// CompressionNone stores blobs as is.
	CompressionNone
)

var compressionNames = [...]string{
	CompressionZstd: "zstd",
	CompressionLZ4:  "lz4",
	CompressionNone: "none",
}

// String returns the stable name recorded in snapshots.
func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("Compression(%d)", c)
}

// ext returns the blob name suffix.
func (c Compression) ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	for i, n := range compressionNames {
		if n == name {
			return Compression(i), nil
		}
	}
	return 0, fmt.Errorf("archive: unknown compression %q", name)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressor wraps w. Closing the result flushes the compressed stream but
// does not close w.
func compressor(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("archive: unknown compression %d", c)
	}
}

// decompressor wraps r. The returned close func releases decoder state.
func decompressor(c Compression, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CompressionNone:
		return r, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("archive: unknown compression %d", c)
	}
}
