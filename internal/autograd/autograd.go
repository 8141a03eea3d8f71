// Package autograd is a small reverse-mode differentiation engine over
// vectors. A Vec is one activation or parameter row; a Scalar is one
// attention logit or loss value. Operations record their inputs and a closure
// that pushes gradients back; Backward walks the graph in reverse topological
// order.
package autograd

import "math"

// Node is anything in the compute graph.
type Node interface {
	getChildren() []Node
	doBackward()
}

// Vec is a differentiable vector.
type Vec struct {
	Data     []float64
	Grad     []float64
	children []Node
	backFn   func()
}

func NewVec(data []float64) *Vec {
	return &Vec{Data: data, Grad: make([]float64, len(data))}
}

func NewVecZero(n int) *Vec {
	return NewVec(make([]float64, n))
}

// Const wraps data as a leaf whose gradient is never read.
func Const(data []float64) *Vec {
	return NewVec(data)
}

func (v *Vec) getChildren() []Node { return v.children }
func (v *Vec) doBackward() {
	if v.backFn != nil {
		v.backFn()
	}
}

// Len is the vector length.
func (v *Vec) Len() int { return len(v.Data) }

// ZeroGrad clears the accumulated gradient.
func (v *Vec) ZeroGrad() {
	for i := range v.Grad {
		v.Grad[i] = 0
	}
}

// Add returns v + other element-wise.
func (v *Vec) Add(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] + other.Data[i]
	}
	out := NewVec(d)
	out.children = []Node{v, other}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += out.Grad[i]
			other.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// Scale returns v * s.
func (v *Vec) Scale(s float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * s
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += s * out.Grad[i]
		}
	}
	return out
}

// Mask multiplies element i by mask[i]; used for dropout.
func (v *Vec) Mask(mask []float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * mask[i]
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += mask[i] * out.Grad[i]
		}
	}
	return out
}

// ReLU applies max(0, x).
func (v *Vec) ReLU() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if v.Data[i] > 0 {
			d[i] = v.Data[i]
		}
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			if v.Data[i] > 0 {
				v.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

// GELUValue is the tanh approximation of GELU.
func GELUValue(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
}

// GELU applies the tanh-approximated GELU element-wise.
func (v *Vec) GELU() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = GELUValue(v.Data[i])
	}
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			x := v.Data[i]
			th := math.Tanh(geluC * (x + 0.044715*x*x*x))
			dx := 0.5*(1+th) + 0.5*x*(1-th*th)*geluC*(1+3*0.044715*x*x)
			v.Grad[i] += dx * out.Grad[i]
		}
	}
	return out
}

// Dot returns the scalar product of v and other.
func (v *Vec) Dot(other *Vec) *Scalar {
	n := len(v.Data)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * other.Data[i]
	}
	out := &Scalar{Data: val}
	out.children = []Node{v, other}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += other.Data[i] * out.Grad
			other.Grad[i] += v.Data[i] * out.Grad
		}
	}
	return out
}

// MeanSq returns the mean of squared elements.
func (v *Vec) MeanSq() *Scalar {
	n := len(v.Data)
	nf := float64(n)
	val := 0.0
	for i := 0; i < n; i++ {
		val += v.Data[i] * v.Data[i]
	}
	out := &Scalar{Data: val / nf}
	out.children = []Node{v}
	out.backFn = func() {
		for i := 0; i < n; i++ {
			v.Grad[i] += (2 * v.Data[i] / nf) * out.Grad
		}
	}
	return out
}

// Slice extracts [start, end).
func (v *Vec) Slice(start, end int) *Vec {
	d := make([]float64, end-start)
	copy(d, v.Data[start:end])
	out := NewVec(d)
	out.children = []Node{v}
	out.backFn = func() {
		for i, j := 0, start; j < end; i, j = i+1, j+1 {
			v.Grad[j] += out.Grad[i]
		}
	}
	return out
}

// Concat joins vectors end to end.
func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	kids := make([]Node, len(vecs))
	for i, v := range vecs {
		d = append(d, v.Data...)
		kids[i] = v
	}
	out := NewVec(d)
	out.children = kids
	out.backFn = func() {
		offset := 0
		for _, v := range vecs {
			for i := range v.Data {
				v.Grad[i] += out.Grad[offset+i]
			}
			offset += len(v.Data)
		}
	}
	return out
}

// Scalar is a differentiable scalar.
type Scalar struct {
	Data     float64
	Grad     float64
	children []Node
	backFn   func()
}

func NewScalar(data float64) *Scalar {
	return &Scalar{Data: data}
}

func (s *Scalar) getChildren() []Node { return s.children }
func (s *Scalar) doBackward() {
	if s.backFn != nil {
		s.backFn()
	}
}

// MulF returns s * f.
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	out.children = []Node{s}
	out.backFn = func() {
		s.Grad += f * out.Grad
	}
	return out
}

// AddS returns s + other.
func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	out.children = []Node{s, other}
	out.backFn = func() {
		s.Grad += out.Grad
		other.Grad += out.Grad
	}
	return out
}

// Mean averages scalars into one node.
func Mean(xs []*Scalar) *Scalar {
	n := float64(len(xs))
	val := 0.0
	kids := make([]Node, len(xs))
	for i, x := range xs {
		val += x.Data
		kids[i] = x
	}
	out := &Scalar{Data: val / n}
	out.children = kids
	out.backFn = func() {
		for _, x := range xs {
			x.Grad += out.Grad / n
		}
	}
	return out
}

// Backward seeds root with gradient 1 and propagates to every reachable node.
func Backward(root Node) {
	topo := topoSort(root)
	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1
		}
	}
	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].doBackward()
	}
}

// topoSort orders the graph children-first without recursion; sequence graphs
// get deep enough to make recursive walks costly.
func topoSort(root Node) []Node {
	type frame struct {
		n    Node
		next int
	}
	visited := map[Node]struct{}{root: {}}
	var topo []Node
	stack := []frame{{n: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := top.n.getChildren()
		if top.next < len(kids) {
			c := kids[top.next]
			top.next++
			if _, ok := visited[c]; !ok {
				visited[c] = struct{}{}
				stack = append(stack, frame{n: c})
			}
			continue
		}
		topo = append(topo, top.n)
		stack = stack[:len(stack)-1]
	}
	return topo
}
