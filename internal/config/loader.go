package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the pipeline, grouped by stage.
// Zero values mean "unspecified" and are replaced by ApplyDefaults. Fields where
// zero is a meaningful setting are pointers; nil means unspecified.
type Config struct {
	Dataset      DatasetConfig      `json:"dataset" yaml:"dataset" toml:"dataset"`
	Model        ModelConfig        `json:"model" yaml:"model" toml:"model"`
	Quantization QuantizationConfig `json:"quantization" yaml:"quantization" toml:"quantization"`
	Lora         LoraConfig         `json:"lora" yaml:"lora" toml:"lora"`
	Training     TrainingConfig     `json:"training" yaml:"training" toml:"training"`
	Generation   GenerationConfig   `json:"generation" yaml:"generation" toml:"generation"`
	Server       ServerConfig       `json:"server" yaml:"server" toml:"server"`
	Ledger       LedgerConfig       `json:"ledger" yaml:"ledger" toml:"ledger"`
}

// DatasetConfig selects the instruction dataset and how it is split.
type DatasetConfig struct {
	Name        string  `json:"name" yaml:"name" toml:"name"`
	File        string  `json:"file" yaml:"file" toml:"file"`
	BaseURL     string  `json:"base_url" yaml:"base_url" toml:"base_url"`
	Path        string  `json:"path" yaml:"path" toml:"path"`
	CacheDir    string  `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	TestSplit   float64 `json:"test_split" yaml:"test_split" toml:"test_split"`
	ShuffleSeed *int64  `json:"shuffle_seed,omitempty" yaml:"shuffle_seed,omitempty" toml:"shuffle_seed,omitempty"`
	Limit       int     `json:"limit" yaml:"limit" toml:"limit"`
}

// ModelConfig names the base model and, for `base init`, its architecture.
type ModelConfig struct {
	Name             string `json:"name" yaml:"name" toml:"name"`
	ModelsDir        string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Tokenizer        string `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer"`
	BPEEncoding      string `json:"bpe_encoding" yaml:"bpe_encoding" toml:"bpe_encoding"`
	NLayer           int    `json:"n_layer" yaml:"n_layer" toml:"n_layer"`
	NEmbd            int    `json:"n_embd" yaml:"n_embd" toml:"n_embd"`
	NHead            int    `json:"n_head" yaml:"n_head" toml:"n_head"`
	BlockSize        int    `json:"block_size" yaml:"block_size" toml:"block_size"`
	Seed             int64  `json:"seed" yaml:"seed" toml:"seed"`
	UseFastAttention bool   `json:"use_fast_attention" yaml:"use_fast_attention" toml:"use_fast_attention"`
}

// QuantizationConfig mirrors the bitsandbytes 4-bit loading options.
type QuantizationConfig struct {
	LoadIn4Bit     *bool  `json:"load_in_4bit,omitempty" yaml:"load_in_4bit,omitempty" toml:"load_in_4bit,omitempty"`
	QuantType      string `json:"bnb_4bit_quant_type" yaml:"bnb_4bit_quant_type" toml:"bnb_4bit_quant_type"`
	UseDoubleQuant *bool  `json:"bnb_4bit_use_double_quant,omitempty" yaml:"bnb_4bit_use_double_quant,omitempty" toml:"bnb_4bit_use_double_quant,omitempty"`
	ComputeDType   string `json:"bnb_4bit_compute_dtype" yaml:"bnb_4bit_compute_dtype" toml:"bnb_4bit_compute_dtype"`
	BlockSize      int    `json:"block_size" yaml:"block_size" toml:"block_size"`
}

// LoraConfig describes the low-rank adapters injected next to frozen linears.
type LoraConfig struct {
	R             int      `json:"r" yaml:"r" toml:"r"`
	Alpha         int      `json:"lora_alpha" yaml:"lora_alpha" toml:"lora_alpha"`
	Dropout       *float64 `json:"lora_dropout,omitempty" yaml:"lora_dropout,omitempty" toml:"lora_dropout,omitempty"`
	Bias          string   `json:"bias" yaml:"bias" toml:"bias"`
	TargetModules []string `json:"target_modules" yaml:"target_modules" toml:"target_modules"`
}

// TrainingConfig holds the supervised fine-tuning hyperparameters.
type TrainingConfig struct {
	OutputDir                 string   `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	NumTrainEpochs            int      `json:"num_train_epochs" yaml:"num_train_epochs" toml:"num_train_epochs"`
	PerDeviceTrainBatchSize   int      `json:"per_device_train_batch_size" yaml:"per_device_train_batch_size" toml:"per_device_train_batch_size"`
	GradientAccumulationSteps int      `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps" toml:"gradient_accumulation_steps"`
	LearningRate              float64  `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate"`
	LRSchedulerType           string   `json:"lr_scheduler_type" yaml:"lr_scheduler_type" toml:"lr_scheduler_type"`
	WarmupRatio               *float64 `json:"warmup_ratio,omitempty" yaml:"warmup_ratio,omitempty" toml:"warmup_ratio,omitempty"`
	WeightDecay               float64  `json:"weight_decay" yaml:"weight_decay" toml:"weight_decay"`
	MaxGradNorm               *float64 `json:"max_grad_norm,omitempty" yaml:"max_grad_norm,omitempty" toml:"max_grad_norm,omitempty"`
	Optim                     string   `json:"optim" yaml:"optim" toml:"optim"`
	LoggingSteps              int      `json:"logging_steps" yaml:"logging_steps" toml:"logging_steps"`
	SaveStrategy              string   `json:"save_strategy" yaml:"save_strategy" toml:"save_strategy"`
	SaveTotalLimit            int      `json:"save_total_limit" yaml:"save_total_limit" toml:"save_total_limit"`
	Seed                      int64    `json:"seed" yaml:"seed" toml:"seed"`
	Precision                 string   `json:"precision" yaml:"precision" toml:"precision"`
	MaxSeqLength              int      `json:"max_seq_length" yaml:"max_seq_length" toml:"max_seq_length"`
	Packing                   *bool    `json:"packing,omitempty" yaml:"packing,omitempty" toml:"packing,omitempty"`
	MetricsAddr               string   `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
}

// GenerationConfig holds the sampling parameters used for inference.
type GenerationConfig struct {
	MaxNewTokens int     `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens"`
	Temperature  float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP         float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK         int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	Seed         int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// ServerConfig holds the HTTP serving parameters.
type ServerConfig struct {
	Addr               string   `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir          string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel       string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	BudgetMB           int      `json:"budget_mb" yaml:"budget_mb" toml:"budget_mb"`
	MarginMB           int      `json:"margin_mb" yaml:"margin_mb" toml:"margin_mb"`
	MaxQueueDepth      int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds     int      `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	GenerateTimeoutSec int64    `json:"generate_timeout_seconds" yaml:"generate_timeout_seconds" toml:"generate_timeout_seconds"`
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
	Swagger            bool     `json:"swagger" yaml:"swagger" toml:"swagger"`
}

// LedgerConfig locates the SQLite run ledger.
type LedgerConfig struct {
	Path     string `json:"path" yaml:"path" toml:"path"`
	Disabled bool   `json:"disabled" yaml:"disabled" toml:"disabled"`
}

// Load reads a configuration file based on its extension and applies defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadOrDefault loads path when non-empty, otherwise returns the defaults.
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
