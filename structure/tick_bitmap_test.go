package structure

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickBitmap_BasicOperations(t *testing.T) {
	b := NewTickBitmap()

	assert.True(t, b.IsEmpty())
	_, err := b.Highest()
	assert.ErrorIs(t, err, ErrEmptyBitmap)

	require.NoError(t, b.Set(10))
	require.NoError(t, b.Set(-3))
	require.NoError(t, b.Set(700))
	assert.False(t, b.IsEmpty())
	assert.True(t, b.Has(-3))
	assert.False(t, b.Has(-4))
	assert.Equal(t, 3, b.Len())

	high, err := b.Highest()
	require.NoError(t, err)
	assert.Equal(t, int32(700), high)

	next, err := b.MaxLessThan(700)
	require.NoError(t, err)
	assert.Equal(t, int32(10), next)

	next, err = b.MaxLessThan(10)
	require.NoError(t, err)
	assert.Equal(t, int32(-3), next)

	_, err = b.MaxLessThan(-3)
	assert.ErrorIs(t, err, ErrEmptyBitmap)

	// setting twice is harmless
	require.NoError(t, b.Set(10))
	assert.Equal(t, 3, b.Len())
}

func TestTickBitmap_Clear(t *testing.T) {
	b := NewTickBitmap()
	require.NoError(t, b.Set(5))
	require.NoError(t, b.Set(6))

	b.Clear(6)
	assert.False(t, b.Has(6))
	high, err := b.Highest()
	require.NoError(t, err)
	assert.Equal(t, int32(5), high)

	// idempotent
	b.Clear(6)
	b.Clear(123456)
	b.Clear(BitmapMaxTick + 1)

	b.Clear(5)
	assert.True(t, b.IsEmpty())
	for _, level := range b.levels {
		assert.Empty(t, level)
	}
}

func TestTickBitmap_Domain(t *testing.T) {
	b := NewTickBitmap()

	assert.ErrorIs(t, b.Set(BitmapMaxTick+1), ErrTickOutOfDomain)
	assert.ErrorIs(t, b.Set(BitmapMinTick-1), ErrTickOutOfDomain)
	assert.False(t, b.Has(BitmapMaxTick+1))

	require.NoError(t, b.Set(BitmapMinTick))
	require.NoError(t, b.Set(BitmapMaxTick))

	high, err := b.Highest()
	require.NoError(t, err)
	assert.Equal(t, int32(BitmapMaxTick), high)

	low, err := b.MaxLessThan(BitmapMaxTick)
	require.NoError(t, err)
	assert.Equal(t, int32(BitmapMinTick), low)

	// above the domain behaves like Highest
	high, err = b.MaxLessThan(BitmapMaxTick + 10)
	require.NoError(t, err)
	assert.Equal(t, int32(BitmapMaxTick), high)

	_, err = b.MaxLessThan(BitmapMinTick)
	assert.ErrorIs(t, err, ErrEmptyBitmap)
}

func TestTickBitmap_OracleTest(t *testing.T) {
	b := NewTickBitmap()
	oracle := make(map[int32]bool)
	rng := rand.New(rand.NewSource(7))

	randomTick := func() int32 {
		// cluster half the ticks to exercise shared words
		if rng.Intn(2) == 0 {
			return int32(rng.Intn(512)) - 256
		}
		return int32(rng.Intn(BitmapMaxTick-BitmapMinTick+1)) + BitmapMinTick
	}

	for i := 0; i < 5000; i++ {
		tick := randomTick()
		if rng.Intn(3) == 0 {
			b.Clear(tick)
			delete(oracle, tick)
		} else {
			require.NoError(t, b.Set(tick))
			oracle[tick] = true
		}
	}

	sorted := make([]int32, 0, len(oracle))
	for tick := range oracle {
		sorted = append(sorted, tick)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	require.Equal(t, len(sorted), b.Len())

	// walk downward from the highest tick
	tick, err := b.Highest()
	require.NoError(t, err)
	for i, expected := range sorted {
		require.Equal(t, expected, tick, "position %d", i)
		tick, err = b.MaxLessThan(tick)
		if i == len(sorted)-1 {
			assert.ErrorIs(t, err, ErrEmptyBitmap)
		} else {
			require.NoError(t, err)
		}
	}
}

func BenchmarkTickBitmap_MaxLessThan(b *testing.B) {
	bm := NewTickBitmap()
	for i := int32(-1000); i < 1000; i += 97 {
		_ = bm.Set(i)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bm.MaxLessThan(int32(i % 1000))
	}
}
