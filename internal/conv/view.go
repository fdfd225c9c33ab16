package conv

import (
	"errors"
	"unsafe"
)

// ErrMisaligned is returned when a byte slice cannot be viewed as a wider type.
var ErrMisaligned = errors.New("conv: misaligned byte slice")

// BytesToFloat32s returns a []float32 that aliases b.
// len(b) must be a multiple of 4 and b must be 4-byte aligned.
func BytesToFloat32s(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 || uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4), nil //nolint:gosec // unsafe is required for mmap access
}

// BytesToFloat64s returns a []float64 that aliases b.
// len(b) must be a multiple of 8 and b must be 8-byte aligned.
func BytesToFloat64s(b []byte) ([]float64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%8 != 0 || uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8), nil //nolint:gosec // unsafe is required for mmap access
}

// Float32sToBytes returns the little-endian byte view of v without copying.
func Float32sToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4) //nolint:gosec // zero-copy view
}

// Float64sToBytes returns the little-endian byte view of v without copying.
func Float64sToBytes(v []float64) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8) //nolint:gosec // zero-copy view
}
