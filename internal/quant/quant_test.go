package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomWeights(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * 0.02)
	}
	return w
}

// maxGap is half the widest spacing between neighbouring code book levels.
func maxGap(t *testing.T, qt string) float32 {
	code, err := Codebook(qt)
	require.NoError(t, err)
	levels := append([]float32(nil), code[:]...)
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && levels[j] < levels[j-1]; j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
	var g float32
	for i := 1; i < len(levels); i++ {
		g = max(g, levels[i]-levels[i-1])
	}
	return g / 2
}

func TestQuantizeErrorBoundedByCodeSpacing(t *testing.T) {
	for _, qt := range []string{TypeNF4, TypeFP4} {
		w := randomWeights(1000, 7)
		q, err := Quantize(w, []int{10, 100}, Config{QuantType: qt, BlockSize: 64, ComputeDType: DTypeFloat32})
		require.NoError(t, err)
		deq := q.Dequantize()
		require.Len(t, deq, len(w))
		gap := maxGap(t, qt)
		for b := 0; b*64 < len(w); b++ {
			lo, hi := b*64, min((b+1)*64, len(w))
			var absmax float32
			for _, v := range w[lo:hi] {
				absmax = max(absmax, float32(math.Abs(float64(v))))
			}
			err := MaxAbsError(w[lo:hi], deq[lo:hi])
			assert.LessOrEqualf(t, err, absmax*gap+1e-7, "%s block %d", qt, b)
		}
	}
}

func TestQuantizeKeepsBlockExtremesExact(t *testing.T) {
	w := []float32{0.5, -1.5, 0.25, 0, 3, -0.1}
	q, err := Quantize(w, []int{6}, Config{QuantType: TypeNF4, BlockSize: 2})
	require.NoError(t, err)
	deq := q.Dequantize()
	// the element with the largest magnitude in each block maps to +-1 exactly
	assert.InDelta(t, -1.5, deq[1], 1e-6)
	assert.InDelta(t, 3, deq[4], 1e-6)
	assert.Equal(t, float32(0), deq[3])
}

func TestPackingTwoCodesPerByte(t *testing.T) {
	q, err := Quantize(randomWeights(129, 1), []int{129}, Config{QuantType: TypeNF4})
	require.NoError(t, err)
	assert.Len(t, q.Codes, 65)
	assert.Len(t, q.Absmax, 3)
	assert.Less(t, q.Bytes(), 129*4/4+20)
}

func TestDoubleQuantCloseToSingle(t *testing.T) {
	w := randomWeights(64*600, 3)
	single, err := Quantize(w, []int{len(w)}, Config{QuantType: TypeNF4})
	require.NoError(t, err)
	double, err := Quantize(w, []int{len(w)}, Config{QuantType: TypeNF4, DoubleQuant: true})
	require.NoError(t, err)
	assert.Nil(t, double.Absmax)
	assert.Len(t, double.QAbsmax, 600)
	assert.Len(t, double.AbsmaxScale, 3)
	assert.Less(t, double.Bytes(), single.Bytes())

	a, b := single.Dequantize(), double.Dequantize()
	assert.Less(t, MaxAbsError(a, b), float32(0.002))
}

func TestZeroBlockDequantizesToZero(t *testing.T) {
	q, err := Quantize(make([]float32, 10), []int{10}, Config{QuantType: TypeFP4, DoubleQuant: true})
	require.NoError(t, err)
	for _, v := range q.Dequantize() {
		assert.Equal(t, float32(0), v)
	}
}

func TestQuantizeRejectsBadConfig(t *testing.T) {
	_, err := Quantize([]float32{1}, []int{1}, Config{QuantType: "int3"})
	assert.Error(t, err)
	_, err = Quantize([]float32{1}, []int{1}, Config{BlockSize: 3})
	assert.Error(t, err)
	_, err = Quantize([]float32{1}, []int{1}, Config{ComputeDType: "float8"})
	assert.Error(t, err)
	_, err = Quantize([]float32{1, 2}, []int{3}, Config{})
	assert.Error(t, err)
}

func TestComputeDTypeRounding(t *testing.T) {
	assert.Equal(t, float32(1), Round(DTypeBFloat16, 1.001))
	assert.Equal(t, float32(1.0078125), Round(DTypeBFloat16, 1.0078))
	assert.Equal(t, float32(1.0009765625), Round(DTypeFloat16, 1.0009))
	assert.Equal(t, float32(65504), Round(DTypeFloat16, 65510))
	assert.True(t, math.IsInf(float64(Round(DTypeFloat16, 70000)), 1))
	assert.Equal(t, float32(0.1), Round(DTypeFloat32, 0.1))

	assert.Equal(t, float32(3.140625), Round(DTypeBFloat16, 3.14159))
	assert.Equal(t, float32(3.14159), Round("int8", 3.14159))
}
