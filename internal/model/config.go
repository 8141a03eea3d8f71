package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"instructune/internal/common/fsutil"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"

	// ModelType is written into config.json to identify the architecture.
	ModelType = "tiny-gpt"
)

// Config describes the decoder architecture.
type Config struct {
	ModelType string `json:"model_type"`
	VocabSize int    `json:"vocab_size"`
	NLayer    int    `json:"n_layer"`
	NEmbd     int    `json:"n_embd"`
	NHead     int    `json:"n_head"`
	BlockSize int    `json:"block_size"`
	// MLPRatio scales the MLP hidden width relative to NEmbd.
	MLPRatio int `json:"mlp_ratio"`
}

// Validate checks the architecture is buildable.
func (c Config) Validate() error {
	if c.VocabSize < 1 || c.NLayer < 1 || c.NEmbd < 1 || c.NHead < 1 || c.BlockSize < 1 {
		return fmt.Errorf("invalid model config %+v", c)
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead)
	}
	return nil
}

// HeadDim is the per-head attention width.
func (c Config) HeadDim() int { return c.NEmbd / c.NHead }

// Hidden is the MLP hidden width.
func (c Config) Hidden() int {
	r := c.MLPRatio
	if r <= 0 {
		r = 4
	}
	return r * c.NEmbd
}

// LoadConfig reads config.json from dir.
func LoadConfig(dir string) (Config, error) {
	b, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if c.MLPRatio == 0 {
		c.MLPRatio = 4
	}
	return c, c.Validate()
}

// SaveConfig writes config.json into dir.
func SaveConfig(dir string, c Config) error {
	if c.ModelType == "" {
		c.ModelType = ModelType
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, ConfigFile), b, 0o644)
}
