//go:build amd64 || arm64

package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntToUint32(t *testing.T) {
	t.Run("valid zero", func(t *testing.T) {
		got, err := IntToUint32(0)
		assert.NoError(t, err)
		assert.Equal(t, uint32(0), got)
	})

	t.Run("invalid negative", func(t *testing.T) {
		_, err := IntToUint32(-1)
		assert.Error(t, err)
	})

	t.Run("invalid too large", func(t *testing.T) {
		_, err := IntToUint32(math.MaxUint32 + 1)
		assert.Error(t, err)
	})
}

func TestUint64ToInt(t *testing.T) {
	got, err := Uint64ToInt(42)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	_, err = Uint64ToInt(math.MaxUint64)
	assert.Error(t, err)
}

func TestMulInt(t *testing.T) {
	got, err := MulInt(10000, 4096)
	require.NoError(t, err)
	assert.Equal(t, 40960000, got)

	_, err = MulInt(math.MaxInt, 2)
	assert.Error(t, err)

	_, err = MulInt(-1, 2)
	assert.Error(t, err)
}

func TestFloatViews(t *testing.T) {
	v := []float32{1, -2.5, 3}
	b := Float32sToBytes(v)
	require.Len(t, b, 12)

	back, err := BytesToFloat32s(b)
	require.NoError(t, err)
	assert.Equal(t, v, back)

	_, err = BytesToFloat32s(b[:5])
	assert.ErrorIs(t, err, ErrMisaligned)

	d := []float64{0.5, 7}
	db := Float64sToBytes(d)
	dback, err := BytesToFloat64s(db)
	require.NoError(t, err)
	assert.Equal(t, d, dback)
}
