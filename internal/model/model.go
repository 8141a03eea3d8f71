// Package model is the decoder-only transformer being tuned: token and
// position embeddings, pre-norm attention and MLP blocks, and a language
// modelling head. Base weights are frozen; only attached adapters train.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"instructune/internal/autograd"
	"instructune/internal/quant"
)

// Projection names inside a block, matching the usual target_modules values.
const (
	QProj    = "q_proj"
	KProj    = "k_proj"
	VProj    = "v_proj"
	OProj    = "o_proj"
	UpProj   = "up_proj"
	DownProj = "down_proj"
)

// Block is one transformer layer.
type Block struct {
	Q, K, V, O *Linear
	Up, Down   *Linear
}

// Model is the full decoder.
type Model struct {
	Config Config

	// Embeddings are row-major (VocabSize, NEmbd) and (BlockSize, NEmbd).
	TokEmb []float64
	PosEmb []float64

	Layers []*Block
	LMHead *Linear
}

// InitRandom builds a base model with N(0, 0.08) projections and embeddings.
func InitRandom(cfg Config, seed int64) (*Model, error) {
	if cfg.MLPRatio == 0 {
		cfg.MLPRatio = 4
	}
	if cfg.ModelType == "" {
		cfg.ModelType = ModelType
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	normal := func(n int, std float64) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * std)
		}
		return out
	}
	const std = 0.08
	tensors := map[string][]float32{
		tokEmbName: normal(cfg.VocabSize*cfg.NEmbd, std),
		posEmbName: normal(cfg.BlockSize*cfg.NEmbd, std),
		lmHeadName: normal(cfg.VocabSize*cfg.NEmbd, std),
	}
	for i := 0; i < cfg.NLayer; i++ {
		for _, p := range projections(cfg, i) {
			tensors[p.name+".weight"] = normal(p.out*p.in, std)
		}
	}
	return fromTensors(cfg, tensors)
}

type projection struct {
	name    string
	out, in int
}

const (
	tokEmbName = "model.embed_tokens.weight"
	posEmbName = "model.embed_positions.weight"
	lmHeadName = "lm_head.weight"
)

// LayerPrefix is the weight-name prefix of layer i.
func LayerPrefix(i int) string { return fmt.Sprintf("model.layers.%d.", i) }

func projections(cfg Config, i int) []projection {
	p, e, h := LayerPrefix(i), cfg.NEmbd, cfg.Hidden()
	return []projection{
		{p + "self_attn." + QProj, e, e},
		{p + "self_attn." + KProj, e, e},
		{p + "self_attn." + VProj, e, e},
		{p + "self_attn." + OProj, e, e},
		{p + "mlp." + UpProj, h, e},
		{p + "mlp." + DownProj, e, h},
	}
}

func fromTensors(cfg Config, t map[string][]float32) (*Model, error) {
	get := func(name string, n int) ([]float32, error) {
		w, ok := t[name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %s", name)
		}
		if len(w) != n {
			return nil, fmt.Errorf("tensor %s: %d values, want %d", name, len(w), n)
		}
		return w, nil
	}
	m := &Model{Config: cfg}
	tok, err := get(tokEmbName, cfg.VocabSize*cfg.NEmbd)
	if err != nil {
		return nil, err
	}
	pos, err := get(posEmbName, cfg.BlockSize*cfg.NEmbd)
	if err != nil {
		return nil, err
	}
	head, err := get(lmHeadName, cfg.VocabSize*cfg.NEmbd)
	if err != nil {
		return nil, err
	}
	m.TokEmb, m.PosEmb = toFloat64(tok), toFloat64(pos)
	m.LMHead = NewLinear(lmHeadName[:len(lmHeadName)-len(".weight")], cfg.VocabSize, cfg.NEmbd, head)
	for i := 0; i < cfg.NLayer; i++ {
		ls := make([]*Linear, 0, 6)
		for _, p := range projections(cfg, i) {
			w, err := get(p.name+".weight", p.out*p.in)
			if err != nil {
				return nil, err
			}
			ls = append(ls, NewLinear(p.name, p.out, p.in, w))
		}
		m.Layers = append(m.Layers, &Block{Q: ls[0], K: ls[1], V: ls[2], O: ls[3], Up: ls[4], Down: ls[5]})
	}
	return m, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Linears lists the block projections in layer order. The LM head is not
// included; it is never quantized or adapted.
func (m *Model) Linears() []*Linear {
	out := make([]*Linear, 0, 6*len(m.Layers))
	for _, b := range m.Layers {
		out = append(out, b.Q, b.K, b.V, b.O, b.Up, b.Down)
	}
	return out
}

// MatchesTarget reports whether a linear name ends in one of the targets.
func MatchesTarget(name string, targets []string) bool {
	for _, t := range targets {
		if name == t || strings.HasSuffix(name, "."+t) {
			return true
		}
	}
	return false
}

// Quantize converts every block projection to 4-bit storage.
func (m *Model) Quantize(cfg quant.Config) error {
	for _, l := range m.Linears() {
		if err := l.Quantize(cfg); err != nil {
			return err
		}
	}
	return nil
}

// NumParams counts base parameters.
func (m *Model) NumParams() int {
	n := len(m.TokEmb) + len(m.PosEmb) + m.LMHead.NumParams()
	for _, l := range m.Linears() {
		n += l.NumParams()
	}
	return n
}

// Bytes is the base weight storage footprint.
func (m *Model) Bytes() int {
	n := 4*(len(m.TokEmb)+len(m.PosEmb)) + m.LMHead.Bytes()
	for _, l := range m.Linears() {
		n += l.Bytes()
	}
	return n
}

// ErrSequenceTooLong is returned when input exceeds the context window.
type ErrSequenceTooLong struct{ Len, Max int }

func (e ErrSequenceTooLong) Error() string {
	return fmt.Sprintf("sequence of %d tokens exceeds block size %d", e.Len, e.Max)
}

// Forward returns logits for every position of tokens.
func (m *Model) Forward(tokens []int, train bool) ([]*autograd.Vec, error) {
	cfg := m.Config
	if len(tokens) > cfg.BlockSize {
		return nil, ErrSequenceTooLong{Len: len(tokens), Max: cfg.BlockSize}
	}
	hd := cfg.HeadDim()
	invSqrt := 1 / math.Sqrt(float64(hd))
	// per layer, per head, per position
	keys := make([][][]*autograd.Vec, cfg.NLayer)
	vals := make([][][]*autograd.Vec, cfg.NLayer)
	for li := range keys {
		keys[li] = make([][]*autograd.Vec, cfg.NHead)
		vals[li] = make([][]*autograd.Vec, cfg.NHead)
	}
	out := make([]*autograd.Vec, len(tokens))
	for pos, tok := range tokens {
		if tok < 0 || tok >= cfg.VocabSize {
			return nil, fmt.Errorf("token %d out of vocabulary (%d)", tok, cfg.VocabSize)
		}
		x := autograd.Const(m.embed(tok, pos))
		for li, b := range m.Layers {
			xn := autograd.RMSNorm(x)
			q := b.Q.Forward(xn, train)
			k := b.K.Forward(xn, train)
			v := b.V.Forward(xn, train)
			heads := make([]*autograd.Vec, cfg.NHead)
			for h := 0; h < cfg.NHead; h++ {
				lo, hi := h*hd, (h+1)*hd
				keys[li][h] = append(keys[li][h], k.Slice(lo, hi))
				vals[li][h] = append(vals[li][h], v.Slice(lo, hi))
				qh := q.Slice(lo, hi)
				logits := make([]*autograd.Scalar, len(keys[li][h]))
				for t, kt := range keys[li][h] {
					logits[t] = qh.Dot(kt).MulF(invSqrt)
				}
				heads[h] = autograd.AttentionWeightedSum(autograd.Softmax(logits), vals[li][h])
			}
			x = x.Add(b.O.Forward(autograd.Concat(heads), train))
			xn = autograd.RMSNorm(x)
			x = x.Add(b.Down.Forward(b.Up.Forward(xn, train).GELU(), train))
		}
		out[pos] = m.LMHead.Forward(autograd.RMSNorm(x), train)
	}
	return out, nil
}

// Loss is the mean next-token cross entropy of seq: inputs seq[:n-1],
// targets seq[1:].
func (m *Model) Loss(seq []int, train bool) (*autograd.Scalar, error) {
	if len(seq) < 2 {
		return nil, fmt.Errorf("sequence needs at least 2 tokens, got %d", len(seq))
	}
	logits, err := m.Forward(seq[:len(seq)-1], train)
	if err != nil {
		return nil, err
	}
	losses := make([]*autograd.Scalar, len(logits))
	for i, l := range logits {
		losses[i] = autograd.CrossEntropy(l, seq[i+1])
	}
	return autograd.Mean(losses), nil
}

func (m *Model) embed(tok, pos int) []float64 {
	e := m.Config.NEmbd
	x := make([]float64, e)
	te := m.TokEmb[tok*e : (tok+1)*e]
	pe := m.PosEmb[pos*e : (pos+1)*e]
	for i := range x {
		x[i] = te[i] + pe[i]
	}
	return x
}
