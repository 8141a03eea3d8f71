package lora

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"instructune/internal/autograd"
	"instructune/internal/common/fsutil"
	"instructune/internal/model"
	"instructune/internal/safetensors"
)

const (
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.safetensors"

	keyPrefix = "base_model.model."
	keyA      = ".lora_A.weight"
	keyB      = ".lora_B.weight"
)

// adapterConfig mirrors the peft adapter_config.json keys.
type adapterConfig struct {
	PeftType            string   `json:"peft_type"`
	TaskType            string   `json:"task_type"`
	BaseModelNameOrPath string   `json:"base_model_name_or_path"`
	R                   int      `json:"r"`
	LoraAlpha           int      `json:"lora_alpha"`
	LoraDropout         float64  `json:"lora_dropout"`
	TargetModules       []string `json:"target_modules"`
	Bias                string   `json:"bias"`
	FanInFanOut         bool     `json:"fan_in_fan_out"`
	InferenceMode       bool     `json:"inference_mode"`
}

// Save writes adapter_model.safetensors and adapter_config.json into dir.
func (s *Set) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var tensors []safetensors.Tensor
	for _, name := range s.Names() {
		a := s.Adapters[name]
		tensors = append(tensors,
			safetensors.FromFloat32(keyPrefix+name+keyA, []int{a.A.Nout, a.A.Nin}, toFloat32(a.A.Flat())),
			safetensors.FromFloat32(keyPrefix+name+keyB, []int{a.B.Nout, a.B.Nin}, toFloat32(a.B.Flat())),
		)
	}
	if err := safetensors.WriteFile(filepath.Join(dir, WeightsFile), tensors, map[string]string{"format": "pt"}); err != nil {
		return err
	}
	cfg := adapterConfig{
		PeftType:            "LORA",
		TaskType:            "CAUSAL_LM",
		BaseModelNameOrPath: s.Config.BaseModel,
		R:                   s.Config.R,
		LoraAlpha:           s.Config.Alpha,
		LoraDropout:         s.Config.Dropout,
		TargetModules:       s.Config.TargetModules,
		Bias:                s.Config.Bias,
		InferenceMode:       true,
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, ConfigFile), b, 0o644)
}

// ReadConfig parses adapter_config.json in dir.
func ReadConfig(dir string) (Config, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, err
	}
	var ac adapterConfig
	if err := json.Unmarshal(b, &ac); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if !strings.EqualFold(ac.PeftType, "LORA") {
		return Config{}, fmt.Errorf("unsupported peft_type %q", ac.PeftType)
	}
	return Config{
		R:             ac.R,
		Alpha:         ac.LoraAlpha,
		Dropout:       ac.LoraDropout,
		TargetModules: ac.TargetModules,
		Bias:          ac.Bias,
		BaseModel:     ac.BaseModelNameOrPath,
	}, nil
}

// Load attaches the adapter saved in dir to m.
func Load(m *model.Model, dir string) (*Set, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	f, err := safetensors.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read adapter weights: %w", err)
	}
	s, err := Inject(m, cfg, 0)
	if err != nil {
		return nil, err
	}
	for name, a := range s.Adapters {
		if err := fill(f, keyPrefix+name+keyA, a.A); err != nil {
			s.Detach()
			return nil, err
		}
		if err := fill(f, keyPrefix+name+keyB, a.B); err != nil {
			s.Detach()
			return nil, err
		}
	}
	return s, nil
}

func fill(f *safetensors.File, key string, dst *autograd.Matrix) error {
	t, ok := f.Get(key)
	if !ok {
		return fmt.Errorf("adapter weights missing %s", key)
	}
	if len(t.Shape) != 2 || t.Shape[0] != dst.Nout || t.Shape[1] != dst.Nin {
		return fmt.Errorf("%s: shape %v, want [%d %d]", key, t.Shape, dst.Nout, dst.Nin)
	}
	v, err := t.Float32s()
	if err != nil {
		return err
	}
	dst.SetFlat(toFloat64(v))
	return nil
}

// IsAdapterDir reports whether dir holds a saved adapter.
func IsAdapterDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFile))
	return err == nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
