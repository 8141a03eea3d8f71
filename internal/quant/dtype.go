package quant

import (
	"fmt"
	"math"
	"strings"
)

// Round rounds a single value to dtype; unknown dtypes leave it unchanged.
func Round(dtype string, v float32) float32 {
	f, err := roundFunc(dtype)
	if err != nil {
		return v
	}
	return f(v)
}

func roundFunc(dtype string) (func(float32) float32, error) {
	switch strings.ToLower(dtype) {
	case DTypeFloat32, "fp32", "":
		return func(v float32) float32 { return v }, nil
	case DTypeBFloat16, "bf16":
		return roundBF16, nil
	case DTypeFloat16, "fp16":
		return roundFP16, nil
	default:
		return nil, fmt.Errorf("unknown compute dtype %q", dtype)
	}
}

// roundBF16 keeps the top 16 bits with round-half-to-even.
func roundBF16(v float32) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return v
	}
	bits := math.Float32bits(v)
	bits += 0x7fff + (bits>>16)&1
	return math.Float32frombits(bits &^ 0xffff)
}

const (
	fp16Max     = 65504
	fp16MinNorm = -14
)

// roundFP16 rounds to the nearest IEEE binary16 value, saturating to +-Inf.
func roundFP16(v float32) float32 {
	x := float64(v)
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return v
	}
	a := math.Abs(x)
	_, exp := math.Frexp(a)
	e := exp - 1
	if e < fp16MinNorm {
		e = fp16MinNorm
	}
	quantum := math.Ldexp(1, e-10)
	r := math.RoundToEven(a/quantum) * quantum
	if r > fp16Max {
		r = math.Inf(1)
	}
	return float32(math.Copysign(r, x))
}
