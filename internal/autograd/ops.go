package autograd

import (
	"math"
	"math/rand"
)

// Matrix is a trainable weight matrix stored as rows. Shape (Nout, Nin).
type Matrix struct {
	Rows []*Vec
	Nout int
	Nin  int
}

// NewMatrix allocates a zero matrix.
func NewMatrix(nout, nin int) *Matrix {
	rows := make([]*Vec, nout)
	for i := range rows {
		rows[i] = NewVecZero(nin)
	}
	return &Matrix{Rows: rows, Nout: nout, Nin: nin}
}

// NewMatrixUniform fills a matrix from U(-bound, bound).
func NewMatrixUniform(nout, nin int, bound float64, rng *rand.Rand) *Matrix {
	m := NewMatrix(nout, nin)
	for _, r := range m.Rows {
		for j := range r.Data {
			r.Data[j] = (rng.Float64()*2 - 1) * bound
		}
	}
	return m
}

// Params returns the row vectors for the optimizer.
func (m *Matrix) Params() []*Vec { return m.Rows }

// Flat copies the matrix into a row-major slice.
func (m *Matrix) Flat() []float64 {
	out := make([]float64, 0, m.Nout*m.Nin)
	for _, r := range m.Rows {
		out = append(out, r.Data...)
	}
	return out
}

// SetFlat overwrites the matrix from a row-major slice.
func (m *Matrix) SetFlat(data []float64) {
	for i, r := range m.Rows {
		copy(r.Data, data[i*m.Nin:(i+1)*m.Nin])
	}
}

// Matvec computes m @ x.
func (m *Matrix) Matvec(x *Vec) *Vec {
	nout, nin := m.Nout, len(x.Data)
	d := make([]float64, nout)
	for i := 0; i < nout; i++ {
		row := m.Rows[i].Data
		sum := 0.0
		for j := 0; j < nin; j++ {
			sum += row[j] * x.Data[j]
		}
		d[i] = sum
	}
	kids := make([]Node, nout+1)
	for i := 0; i < nout; i++ {
		kids[i] = m.Rows[i]
	}
	kids[nout] = x
	out := NewVec(d)
	out.children = kids
	rows := m.Rows
	out.backFn = func() {
		for i := 0; i < nout; i++ {
			g := out.Grad[i]
			if g == 0 {
				continue
			}
			r := rows[i]
			for j := 0; j < nin; j++ {
				r.Grad[j] += g * x.Data[j]
				x.Grad[j] += g * r.Data[j]
			}
		}
	}
	return out
}

// MatvecConst computes w @ x for a frozen row-major weight w of shape
// (nout, nin). Gradients flow into x only.
func MatvecConst(w []float64, nout, nin int, x *Vec) *Vec {
	d := make([]float64, nout)
	MatvecInto(d, w, nout, nin, x.Data)
	out := NewVec(d)
	out.children = []Node{x}
	out.backFn = func() {
		for i := 0; i < nout; i++ {
			g := out.Grad[i]
			if g == 0 {
				continue
			}
			row := w[i*nin : (i+1)*nin]
			for j := 0; j < nin; j++ {
				x.Grad[j] += g * row[j]
			}
		}
	}
	return out
}

// MatvecInto is the float kernel behind MatvecConst.
func MatvecInto(dst, w []float64, nout, nin int, x []float64) {
	for i := 0; i < nout; i++ {
		row := w[i*nin : (i+1)*nin]
		sum := 0.0
		for j, v := range row {
			sum += v * x[j]
		}
		dst[i] = sum
	}
}

const rmsEps = 1e-5

// RMSNorm normalizes x by its root mean square.
func RMSNorm(x *Vec) *Vec {
	ms := x.MeanSq()
	scale := math.Pow(ms.Data+rmsEps, -0.5)
	n := len(x.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = x.Data[i] * scale
	}
	out := NewVec(d)
	out.children = []Node{x}
	out.backFn = func() {
		dsDms := -0.5 * math.Pow(ms.Data+rmsEps, -1.5)
		cross := 0.0
		for j := 0; j < n; j++ {
			cross += out.Grad[j] * x.Data[j]
		}
		for i := 0; i < n; i++ {
			x.Grad[i] += scale*out.Grad[i] + cross*dsDms*(2*x.Data[i]/float64(n))
		}
	}
	return out
}

// RMSNormValues is the non-differentiable RMSNorm used by the KV-cache path.
func RMSNormValues(x []float64) []float64 {
	ms := 0.0
	for _, v := range x {
		ms += v * v
	}
	scale := math.Pow(ms/float64(len(x))+rmsEps, -0.5)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * scale
	}
	return out
}

// CrossEntropy computes -log softmax(logits)[target].
func CrossEntropy(logits *Vec, target int) *Scalar {
	probs := SoftmaxProbs(logits.Data)
	out := &Scalar{Data: -math.Log(math.Max(probs[target], 1e-300))}
	out.children = []Node{logits}
	out.backFn = func() {
		g := out.Grad
		for i, p := range probs {
			if i == target {
				p -= 1
			}
			logits.Grad[i] += p * g
		}
	}
	return out
}

// Softmax normalizes attention logits.
func Softmax(logits []*Scalar) []*Scalar {
	n := len(logits)
	raw := make([]float64, n)
	for i, s := range logits {
		raw[i] = s.Data
	}
	probs := SoftmaxProbs(raw)
	kids := make([]Node, n)
	for i := range logits {
		kids[i] = logits[i]
	}
	out := make([]*Scalar, n)
	for i := 0; i < n; i++ {
		ii := i
		sv := &Scalar{Data: probs[i], children: kids}
		sv.backFn = func() {
			g := sv.Grad
			for j := 0; j < n; j++ {
				if j == ii {
					logits[j].Grad += g * probs[ii] * (1 - probs[ii])
				} else {
					logits[j].Grad -= g * probs[ii] * probs[j]
				}
			}
		}
		out[i] = sv
	}
	return out
}

// AttentionWeightedSum computes sum_t weights[t] * values[t].
func AttentionWeightedSum(weights []*Scalar, values []*Vec) *Vec {
	dim := len(values[0].Data)
	d := make([]float64, dim)
	for t, w := range weights {
		for j := 0; j < dim; j++ {
			d[j] += w.Data * values[t].Data[j]
		}
	}
	kids := make([]Node, 0, 2*len(weights))
	for _, w := range weights {
		kids = append(kids, w)
	}
	for _, v := range values {
		kids = append(kids, v)
	}
	out := NewVec(d)
	out.children = kids
	out.backFn = func() {
		for t, w := range weights {
			for j := 0; j < dim; j++ {
				w.Grad += values[t].Data[j] * out.Grad[j]
				values[t].Grad[j] += w.Data * out.Grad[j]
			}
		}
	}
	return out
}

// SoftmaxProbs is a numerically stable softmax over raw values.
func SoftmaxProbs(data []float64) []float64 {
	maxVal := data[0]
	for _, v := range data[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float64, len(data))
	total := 0.0
	for i, v := range data {
		probs[i] = math.Exp(v - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs
}

// DropoutMask draws an inverted-dropout mask: kept entries scale by 1/(1-p).
func DropoutMask(n int, p float64, rng *rand.Rand) []float64 {
	mask := make([]float64, n)
	keep := 1 / (1 - p)
	for i := range mask {
		if rng.Float64() >= p {
			mask[i] = keep
		}
	}
	return mask
}

// ZeroGrads clears gradients on params.
func ZeroGrads(params []*Vec) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// GradNorm is the global L2 norm of gradients across params.
func GradNorm(params []*Vec) float64 {
	s := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			s += g * g
		}
	}
	return math.Sqrt(s)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm measured before clipping.
func ClipGradNorm(params []*Vec, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	c := maxNorm / (norm + 1e-6)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= c
		}
	}
	return norm
}
