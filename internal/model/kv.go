package model

import (
	"fmt"
	"math"

	"instructune/internal/autograd"
)

// KVCache holds per-layer keys and values of already processed positions.
type KVCache struct {
	keys [][][]float64
	vals [][][]float64
}

// NewKVCache returns an empty cache sized for m.
func (m *Model) NewKVCache() *KVCache {
	return &KVCache{
		keys: make([][][]float64, m.Config.NLayer),
		vals: make([][][]float64, m.Config.NLayer),
	}
}

// Len is the number of cached positions.
func (c *KVCache) Len() int {
	if len(c.keys) == 0 {
		return 0
	}
	return len(c.keys[0])
}

// Step runs one position through the model, appending to the cache, and
// returns next-token logits. pos must equal cache.Len().
func (m *Model) Step(cache *KVCache, token, pos int) ([]float64, error) {
	cfg := m.Config
	if pos >= cfg.BlockSize {
		return nil, ErrSequenceTooLong{Len: pos + 1, Max: cfg.BlockSize}
	}
	if pos != cache.Len() {
		return nil, fmt.Errorf("step position %d does not follow cached length %d", pos, cache.Len())
	}
	if token < 0 || token >= cfg.VocabSize {
		return nil, fmt.Errorf("token %d out of vocabulary (%d)", token, cfg.VocabSize)
	}
	hd := cfg.HeadDim()
	invSqrt := 1 / math.Sqrt(float64(hd))
	x := m.embed(token, pos)
	for li, b := range m.Layers {
		xn := autograd.RMSNormValues(x)
		q := b.Q.Apply(xn)
		cache.keys[li] = append(cache.keys[li], b.K.Apply(xn))
		cache.vals[li] = append(cache.vals[li], b.V.Apply(xn))
		attn := make([]float64, cfg.NEmbd)
		for h := 0; h < cfg.NHead; h++ {
			lo, hi := h*hd, (h+1)*hd
			scores := make([]float64, len(cache.keys[li]))
			for t, k := range cache.keys[li] {
				s := 0.0
				for j := lo; j < hi; j++ {
					s += q[j] * k[j]
				}
				scores[t] = s * invSqrt
			}
			w := autograd.SoftmaxProbs(scores)
			for t, v := range cache.vals[li] {
				for j := lo; j < hi; j++ {
					attn[j] += w[t] * v[j]
				}
			}
		}
		for i, d := range b.O.Apply(attn) {
			x[i] += d
		}
		up := b.Up.Apply(autograd.RMSNormValues(x))
		for i := range up {
			up[i] = autograd.GELUValue(up[i])
		}
		for i, d := range b.Down.Apply(up) {
			x[i] += d
		}
	}
	return m.LMHead.Apply(autograd.RMSNormValues(x)), nil
}
