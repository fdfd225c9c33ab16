package hash

import (
	"hash"
	"hash/crc32"

	"github.com/hupe1980/trakgo/internal/conv"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// Float32s checksums the little-endian encoding of v without copying it.
func Float32s(v []float32) uint32 {
	return CRC32C(conv.Float32sToBytes(v))
}

// Float64s checksums the little-endian encoding of v without copying it.
func Float64s(v []float64) uint32 {
	return CRC32C(conv.Float64sToBytes(v))
}
