package model

import (
	"fmt"
	"sync"

	"instructune/internal/autograd"
	"instructune/internal/quant"
)

// Adapter adds a trainable contribution on top of a frozen Linear.
type Adapter interface {
	// Forward returns the additive delta for x inside a training graph.
	Forward(x *autograd.Vec, train bool) *autograd.Vec
	// Apply returns the delta for the cache-based inference path.
	Apply(x []float64) []float64
}

// Linear is a frozen base projection y = W x with W of shape (Out, In). The
// weight is held either dense or 4-bit quantized.
type Linear struct {
	Name    string
	Out, In int

	dense []float32
	q     *quant.Tensor4

	mu      sync.Mutex
	compute []float64

	Adapter Adapter
}

// NewLinear wraps dense row-major weights.
func NewLinear(name string, out, in int, w []float32) *Linear {
	if len(w) != out*in {
		panic(fmt.Sprintf("linear %s: %d weights for %dx%d", name, len(w), out, in))
	}
	return &Linear{Name: name, Out: out, In: in, dense: w}
}

// Quantize replaces dense storage with 4-bit codes.
func (l *Linear) Quantize(cfg quant.Config) error {
	if l.q != nil {
		return nil
	}
	q, err := quant.Quantize(l.dense, []int{l.Out, l.In}, cfg)
	if err != nil {
		return fmt.Errorf("quantize %s: %w", l.Name, err)
	}
	l.mu.Lock()
	l.q, l.dense, l.compute = q, nil, nil
	l.mu.Unlock()
	return nil
}

// Quantized reports whether the weight is held in 4-bit form.
func (l *Linear) Quantized() bool { return l.q != nil }

// Float32 returns the weight as full-precision values, dequantizing when needed.
func (l *Linear) Float32() []float32 {
	if l.q != nil {
		return l.q.Dequantize()
	}
	return append([]float32(nil), l.dense...)
}

// SetWeights replaces the base weight with dense values.
func (l *Linear) SetWeights(w []float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dense, l.q, l.compute = w, nil, nil
}

// Bytes is the storage size of the base weight.
func (l *Linear) Bytes() int {
	if l.q != nil {
		return l.q.Bytes()
	}
	return 4 * len(l.dense)
}

// NumParams is Out*In.
func (l *Linear) NumParams() int { return l.Out * l.In }

// Weights returns the compute copy of W. Base weights are frozen so the
// dequantized copy is built once.
func (l *Linear) Weights() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.compute == nil {
		src := l.dense
		if l.q != nil {
			src = l.q.Dequantize()
		}
		l.compute = make([]float64, len(src))
		for i, v := range src {
			l.compute[i] = float64(v)
		}
	}
	return l.compute
}

// Forward builds W x (+ adapter delta) in the training graph.
func (l *Linear) Forward(x *autograd.Vec, train bool) *autograd.Vec {
	y := autograd.MatvecConst(l.Weights(), l.Out, l.In, x)
	if l.Adapter != nil {
		y = y.Add(l.Adapter.Forward(x, train))
	}
	return y
}

// Apply computes W x (+ adapter delta) without building a graph.
func (l *Linear) Apply(x []float64) []float64 {
	y := make([]float64, l.Out)
	autograd.MatvecInto(y, l.Weights(), l.Out, l.In, x)
	if l.Adapter != nil {
		for i, d := range l.Adapter.Apply(x) {
			y[i] += d
		}
	}
	return y
}
