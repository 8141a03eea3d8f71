package model

import (
	"fmt"
	"os"
	"path/filepath"

	"instructune/internal/quant"
	"instructune/internal/safetensors"
)

// LoadOptions controls how base weights are materialized.
type LoadOptions struct {
	LoadIn4Bit bool
	Quant      quant.Config
}

// Save writes config.json and model.safetensors into dir. Quantized weights
// are dequantized on the way out.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := SaveConfig(dir, m.Config); err != nil {
		return err
	}
	e := m.Config.NEmbd
	tensors := []safetensors.Tensor{
		safetensors.FromFloat32(tokEmbName, []int{m.Config.VocabSize, e}, toFloat32(m.TokEmb)),
		safetensors.FromFloat32(posEmbName, []int{m.Config.BlockSize, e}, toFloat32(m.PosEmb)),
		safetensors.FromFloat32(lmHeadName, []int{m.LMHead.Out, m.LMHead.In}, m.LMHead.Float32()),
	}
	for _, l := range m.Linears() {
		tensors = append(tensors, safetensors.FromFloat32(l.Name+".weight", []int{l.Out, l.In}, l.Float32()))
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), tensors, map[string]string{"format": "pt"})
}

// Load reads a model saved by Save. With LoadIn4Bit the block projections
// are quantized on load and the dense copies discarded.
func Load(dir string, opts LoadOptions) (*Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	f, err := safetensors.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	tensors := make(map[string][]float32, len(f.Tensors))
	for name, t := range f.Tensors {
		v, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		tensors[name] = v
	}
	m, err := fromTensors(cfg, tensors)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	if opts.LoadIn4Bit {
		if err := m.Quantize(opts.Quant); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Exists reports whether dir holds a saved model.
func Exists(dir string) bool {
	for _, f := range []string{ConfigFile, WeightsFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
