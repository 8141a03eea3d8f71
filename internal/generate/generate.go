// Package generate runs sampling-based text continuation on a tuned model.
package generate

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"instructune/internal/autograd"
	"instructune/internal/model"
	"instructune/internal/tokenizer"
)

// Finish reasons reported in Result.
const (
	FinishEOS    = "eos"
	FinishStop   = "stop"
	FinishLength = "length"
	FinishWindow = "context_window"
)

// Params controls sampling. Temperature <= 0 selects greedy decoding.
type Params struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	TopK         int
	// Seed 0 draws a time-based seed.
	Seed int64
	Stop []string
}

// DefaultParams are the sampling settings used for the post-training sample.
func DefaultParams() Params {
	return Params{MaxNewTokens: 100, Temperature: 0.9, TopP: 0.9}
}

// Result summarizes one generation.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Generate continues prompt and streams text pieces to onToken (which may be
// nil). Prompts longer than the context window keep their most recent tokens.
func Generate(ctx context.Context, m *model.Model, tok *tokenizer.Tokenizer, prompt string, p Params, onToken func(string) error) (Result, error) {
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	ids := append([]int{tok.BOS()}, tok.Encode(prompt)...)
	window := m.Config.BlockSize
	if len(ids) > window-1 {
		ids = ids[len(ids)-(window-1):]
	}
	res := Result{PromptTokens: len(ids)}

	cache := m.NewKVCache()
	var logits []float64
	var err error
	for pos, id := range ids {
		if logits, err = m.Step(cache, id, pos); err != nil {
			return res, err
		}
	}

	var out []int
	emitted := 0
	text := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.MaxNewTokens > 0 && len(out) >= p.MaxNewTokens {
			res.FinishReason = FinishLength
			break
		}
		next := Sample(maskSpecial(logits, tok), p, rng)
		if next == tok.EOS() {
			res.FinishReason = FinishEOS
			break
		}
		out = append(out, next)
		text = tok.Decode(out)

		if cut, ok := findStop(text, p.Stop); ok {
			text = text[:cut]
			res.FinishReason = FinishStop
			break
		}
		if end := safeEnd(text, p.Stop); end > emitted {
			if onToken != nil {
				if err := onToken(text[emitted:end]); err != nil {
					return res, err
				}
			}
			emitted = end
		}
		pos := cache.Len()
		if pos >= window {
			res.FinishReason = FinishWindow
			break
		}
		if logits, err = m.Step(cache, next, pos); err != nil {
			return res, err
		}
	}
	if res.FinishReason != FinishStop {
		text = tok.Decode(out)
	}
	if len(text) > emitted && onToken != nil {
		if err := onToken(text[emitted:]); err != nil {
			return res, err
		}
	}
	res.Text = text
	res.CompletionTokens = len(out)
	return res, nil
}

// maskSpecial prevents BOS and UNK from being sampled.
func maskSpecial(logits []float64, tok *tokenizer.Tokenizer) []float64 {
	out := append([]float64(nil), logits...)
	for _, id := range []int{tok.BOS(), tok.UNK()} {
		if id < len(out) {
			out[id] = math.Inf(-1)
		}
	}
	return out
}

// Sample draws a token id: temperature scaling, then top-k, then nucleus
// filtering over the renormalized distribution.
func Sample(logits []float64, p Params, rng *rand.Rand) int {
	if p.Temperature <= 0 {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best
	}
	scaled := make([]float64, len(logits))
	for i, v := range logits {
		scaled[i] = v / p.Temperature
	}
	probs := autograd.SoftmaxProbs(scaled)
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if p.TopK > 0 && p.TopK < len(idx) {
		idx = idx[:p.TopK]
	}
	if p.TopP > 0 && p.TopP < 1 {
		cum := 0.0
		for i, id := range idx {
			cum += probs[id]
			if cum >= p.TopP {
				idx = idx[:i+1]
				break
			}
		}
	}
	mass := 0.0
	for _, id := range idx {
		mass += probs[id]
	}
	r := rng.Float64() * mass
	for _, id := range idx {
		r -= probs[id]
		if r <= 0 {
			return id
		}
	}
	return idx[len(idx)-1]
}

// findStop returns the index of the earliest stop sequence in text.
func findStop(text string, stops []string) (int, bool) {
	cut, found := len(text), false
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && i < cut {
			cut, found = i, true
		}
	}
	return cut, found
}

// safeEnd is how much of text can be emitted: it excludes an incomplete
// trailing rune and any suffix that could still grow into a stop sequence.
func safeEnd(text string, stops []string) int {
	end := len(text)
	for end > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:end])
		if r != utf8.RuneError || size > 1 {
			break
		}
		end -= size
	}
	for _, s := range stops {
		for k := min(len(s)-1, end); k > 0; k-- {
			if strings.HasSuffix(text[:end], s[:k]) {
				end -= k
				break
			}
		}
	}
	return end
}
