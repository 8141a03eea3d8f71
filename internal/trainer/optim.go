package trainer

import (
	"math"

	"instructune/internal/autograd"
)

// AdamW is Adam with bias correction and decoupled weight decay.
type AdamW struct {
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64

	params []*autograd.Vec
	m, v   [][]float64
	t      int
}

// NewAdamW tracks moments for params.
func NewAdamW(params []*autograd.Vec, weightDecay float64) *AdamW {
	o := &AdamW{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: weightDecay, params: params}
	o.m = make([][]float64, len(params))
	o.v = make([][]float64, len(params))
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o
}

// Step applies one update with learning rate lr using the current gradients.
func (o *AdamW) Step(lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g
			mhat := m[j] / bc1
			vhat := v[j] / bc2
			if o.WeightDecay > 0 {
				p.Data[j] -= lr * o.WeightDecay * p.Data[j]
			}
			p.Data[j] -= lr * mhat / (math.Sqrt(vhat) + o.Eps)
		}
	}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }
