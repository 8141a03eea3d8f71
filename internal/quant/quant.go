// Package quant implements 4-bit block quantization of frozen base weights
// with NF4 and FP4 code books, optional double quantization of the per-block
// scales, and rounding to the compute dtype used when weights are dequantized.
package quant

import (
	"fmt"
	"math"
	"strings"
)

const (
	TypeNF4 = "nf4"
	TypeFP4 = "fp4"

	DTypeFloat32  = "float32"
	DTypeBFloat16 = "bfloat16"
	DTypeFloat16  = "float16"

	// DefaultBlockSize is the number of weights sharing one absmax scale.
	DefaultBlockSize = 64
	// DoubleQuantBlockSize is the number of absmax values sharing one int8 scale.
	DoubleQuantBlockSize = 256
)

// nf4Code holds the normal-float 4-bit levels, sorted ascending.
var nf4Code = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// fp4Code is e2m1 normalized to [-1, 1]; bit 3 is the sign.
var fp4Code = [16]float32{
	0, 0.0052083333, 0.6666667, 1.0, 0.33333334, 0.5, 0.16666667, 0.25,
	-0, -0.0052083333, -0.6666667, -1.0, -0.33333334, -0.5, -0.16666667, -0.25,
}

// Config selects the quantization scheme.
type Config struct {
	QuantType    string
	BlockSize    int
	DoubleQuant  bool
	ComputeDType string
}

// Codebook returns the 16 levels for a quant type.
func Codebook(quantType string) ([16]float32, error) {
	switch strings.ToLower(quantType) {
	case TypeNF4, "":
		return nf4Code, nil
	case TypeFP4:
		return fp4Code, nil
	default:
		return [16]float32{}, fmt.Errorf("unknown quant type %q", quantType)
	}
}

// Tensor4 is a 4-bit quantized tensor. Element i lives in the high nibble of
// Codes[i/2] when i is even and in the low nibble when odd.
type Tensor4 struct {
	Shape        []int
	N            int
	QuantType    string
	BlockSize    int
	ComputeDType string

	Codes []byte

	// Absmax is set without double quantization.
	Absmax []float32

	// Double quantization: absmax[b] = QAbsmax[b]*AbsmaxScale[b/256] + AbsmaxOffset[b/256].
	QAbsmax      []int8
	AbsmaxScale  []float32
	AbsmaxOffset []float32
}

// Quantize packs w into 4-bit codes.
func Quantize(w []float32, shape []int, cfg Config) (*Tensor4, error) {
	code, err := Codebook(cfg.QuantType)
	if err != nil {
		return nil, err
	}
	bs := cfg.BlockSize
	if bs <= 0 {
		bs = DefaultBlockSize
	}
	if bs%2 != 0 {
		return nil, fmt.Errorf("block size %d must be even", bs)
	}
	if _, err := roundFunc(cfg.ComputeDType); err != nil {
		return nil, err
	}
	n := len(w)
	if want := numElements(shape); want != n {
		return nil, fmt.Errorf("shape %v holds %d elements, got %d", shape, want, n)
	}
	qt := strings.ToLower(cfg.QuantType)
	if qt == "" {
		qt = TypeNF4
	}
	t := &Tensor4{
		Shape:        append([]int(nil), shape...),
		N:            n,
		QuantType:    qt,
		BlockSize:    bs,
		ComputeDType: cfg.ComputeDType,
		Codes:        make([]byte, (n+1)/2),
	}
	nblocks := (n + bs - 1) / bs
	absmax := make([]float32, nblocks)
	for b := 0; b < nblocks; b++ {
		lo, hi := b*bs, min((b+1)*bs, n)
		var m float32
		for _, v := range w[lo:hi] {
			if v < 0 {
				v = -v
			}
			if v > m {
				m = v
			}
		}
		absmax[b] = m
		inv := float32(0)
		if m > 0 {
			inv = 1 / m
		}
		for i := lo; i < hi; i++ {
			t.setCode(i, nearest(&code, w[i]*inv))
		}
	}
	if cfg.DoubleQuant {
		t.QAbsmax, t.AbsmaxScale, t.AbsmaxOffset = quantizeAbsmax(absmax)
	} else {
		t.Absmax = absmax
	}
	return t, nil
}

// Dequantize expands the tensor to float32 rounded to the compute dtype.
func (t *Tensor4) Dequantize() []float32 {
	out := make([]float32, t.N)
	t.DequantizeInto(out)
	return out
}

// DequantizeInto writes the dequantized values into dst, which must hold N values.
func (t *Tensor4) DequantizeInto(dst []float32) {
	code, _ := Codebook(t.QuantType)
	round, _ := roundFunc(t.ComputeDType)
	nblocks := (t.N + t.BlockSize - 1) / t.BlockSize
	for b := 0; b < nblocks; b++ {
		scale := t.blockAbsmax(b)
		lo, hi := b*t.BlockSize, min((b+1)*t.BlockSize, t.N)
		for i := lo; i < hi; i++ {
			dst[i] = round(code[t.code(i)] * scale)
		}
	}
}

// Bytes is the storage footprint of the quantized tensor.
func (t *Tensor4) Bytes() int {
	return len(t.Codes) + 4*len(t.Absmax) + len(t.QAbsmax) + 4*len(t.AbsmaxScale) + 4*len(t.AbsmaxOffset)
}

func (t *Tensor4) blockAbsmax(b int) float32 {
	if t.Absmax != nil {
		return t.Absmax[b]
	}
	g := b / DoubleQuantBlockSize
	return float32(t.QAbsmax[b])*t.AbsmaxScale[g] + t.AbsmaxOffset[g]
}

func (t *Tensor4) code(i int) byte {
	if i%2 == 0 {
		return t.Codes[i/2] >> 4
	}
	return t.Codes[i/2] & 0x0f
}

func (t *Tensor4) setCode(i int, c byte) {
	if i%2 == 0 {
		t.Codes[i/2] = t.Codes[i/2]&0x0f | c<<4
	} else {
		t.Codes[i/2] = t.Codes[i/2]&0xf0 | c&0x0f
	}
}

// nearest returns the index of the code book level closest to v.
func nearest(code *[16]float32, v float32) byte {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, c := range code {
		d := v - c
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return byte(best)
}

// quantizeAbsmax stores absmax values as int8 around the mean of each group
// of DoubleQuantBlockSize scales.
func quantizeAbsmax(absmax []float32) (q []int8, scales, offsets []float32) {
	q = make([]int8, len(absmax))
	groups := (len(absmax) + DoubleQuantBlockSize - 1) / DoubleQuantBlockSize
	scales = make([]float32, groups)
	offsets = make([]float32, groups)
	for g := 0; g < groups; g++ {
		lo, hi := g*DoubleQuantBlockSize, min((g+1)*DoubleQuantBlockSize, len(absmax))
		var mean float64
		for _, v := range absmax[lo:hi] {
			mean += float64(v)
		}
		mean /= float64(hi - lo)
		var m float64
		for _, v := range absmax[lo:hi] {
			m = math.Max(m, math.Abs(float64(v)-mean))
		}
		offsets[g] = float32(mean)
		if m == 0 {
			continue
		}
		scale := m / 127
		scales[g] = float32(scale)
		for i := lo; i < hi; i++ {
			r := math.RoundToEven((float64(absmax[i]) - mean) / scale)
			q[i] = int8(math.Max(-127, math.Min(127, r)))
		}
	}
	return q, scales, offsets
}

// MaxAbsError is the largest elementwise difference between a and b.
func MaxAbsError(a, b []float32) float32 {
	var m float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
