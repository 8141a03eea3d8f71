package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"instructune/internal/common/fsutil"
)

// Defaults follow the reference instruction-tuning recipe, scaled down where the
// recipe assumes a 7B model (rank, sequence length, architecture).
const (
	DefaultDatasetName  = "databricks/databricks-dolly-15k"
	DefaultDatasetFile  = "databricks-dolly-15k.jsonl"
	DefaultDatasetURL   = "https://huggingface.co/datasets"
	DefaultCacheDir     = "~/.cache/instructune/datasets"
	DefaultModelsDir    = "~/.cache/instructune/models"
	DefaultBaseModel    = "tiny-gpt-base"
	DefaultOutputDir    = "tiny-gpt-int4-dolly"
	DefaultLedgerPath   = "~/.cache/instructune/runs.sqlite3"
	DefaultServerAddr   = ":8080"
	DefaultBPEEncoding  = "cl100k_base"
	DefaultQuantBlock   = 64
	DefaultMaxBodyBytes = 1 << 20
)

var (
	quantTypes     = []string{"nf4", "fp4"}
	computeDTypes  = []string{"float32", "bfloat16", "float16"}
	schedulerTypes = []string{"constant", "constant_with_warmup", "linear", "cosine"}
	optimizers     = []string{"adamw", "adamw_torch", "paged_adamw_32bit"}
	saveStrategies = []string{"epoch", "no"}
	tokenizerModes = []string{"char", "bpe"}
	biasModes      = []string{"none"}
)

// ErrFastAttentionUnsupported is returned when the optional fast attention path
// is requested; the CPU runtime has no such kernel.
var ErrFastAttentionUnsupported = errors.New("fast attention requested but not supported by this runtime")

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unspecified fields in place.
func (c *Config) ApplyDefaults() {
	d := &c.Dataset
	d.Name = orString(d.Name, DefaultDatasetName)
	d.File = orString(d.File, DefaultDatasetFile)
	d.BaseURL = orString(d.BaseURL, DefaultDatasetURL)
	d.CacheDir = orString(d.CacheDir, DefaultCacheDir)
	if d.ShuffleSeed == nil {
		d.ShuffleSeed = lo.ToPtr(int64(42))
	}

	m := &c.Model
	m.Name = orString(m.Name, DefaultBaseModel)
	m.ModelsDir = orString(m.ModelsDir, DefaultModelsDir)
	m.Tokenizer = orString(m.Tokenizer, "char")
	m.BPEEncoding = orString(m.BPEEncoding, DefaultBPEEncoding)
	m.NLayer = orInt(m.NLayer, 2)
	m.NEmbd = orInt(m.NEmbd, 32)
	m.NHead = orInt(m.NHead, 4)
	m.BlockSize = orInt(m.BlockSize, 64)
	if m.Seed == 0 {
		m.Seed = 1337
	}

	q := &c.Quantization
	if q.LoadIn4Bit == nil {
		q.LoadIn4Bit = lo.ToPtr(true)
	}
	q.QuantType = orString(q.QuantType, "nf4")
	if q.UseDoubleQuant == nil {
		q.UseDoubleQuant = lo.ToPtr(true)
	}
	q.ComputeDType = orString(q.ComputeDType, "bfloat16")
	q.BlockSize = orInt(q.BlockSize, DefaultQuantBlock)

	l := &c.Lora
	l.R = orInt(l.R, 8)
	l.Alpha = orInt(l.Alpha, 16)
	if l.Dropout == nil {
		l.Dropout = lo.ToPtr(0.1)
	}
	l.Bias = orString(l.Bias, "none")
	if len(l.TargetModules) == 0 {
		l.TargetModules = []string{"q_proj", "v_proj"}
	}

	t := &c.Training
	t.OutputDir = orString(t.OutputDir, DefaultOutputDir)
	t.NumTrainEpochs = orInt(t.NumTrainEpochs, 3)
	t.PerDeviceTrainBatchSize = orInt(t.PerDeviceTrainBatchSize, 6)
	t.GradientAccumulationSteps = orInt(t.GradientAccumulationSteps, 2)
	if t.LearningRate == 0 {
		t.LearningRate = 2e-4
	}
	t.LRSchedulerType = orString(t.LRSchedulerType, "constant")
	if t.WarmupRatio == nil {
		t.WarmupRatio = lo.ToPtr(0.03)
	}
	if t.MaxGradNorm == nil {
		t.MaxGradNorm = lo.ToPtr(0.3)
	}
	t.Optim = orString(t.Optim, "paged_adamw_32bit")
	t.LoggingSteps = orInt(t.LoggingSteps, 10)
	t.SaveStrategy = orString(t.SaveStrategy, "epoch")
	if t.Seed == 0 {
		t.Seed = 42
	}
	t.Precision = orString(t.Precision, "bfloat16")
	t.MaxSeqLength = orInt(t.MaxSeqLength, m.BlockSize)
	if t.Packing == nil {
		t.Packing = lo.ToPtr(true)
	}

	g := &c.Generation
	g.MaxNewTokens = orInt(g.MaxNewTokens, 100)
	if g.Temperature == 0 {
		g.Temperature = 0.9
	}
	if g.TopP == 0 {
		g.TopP = 0.9
	}

	s := &c.Server
	s.Addr = orString(s.Addr, DefaultServerAddr)
	s.ModelsDir = orString(s.ModelsDir, ".")
	s.MaxQueueDepth = orInt(s.MaxQueueDepth, 32)
	s.MaxWaitSeconds = orInt(s.MaxWaitSeconds, 30)
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(s.CORSAllowedMethods) == 0 {
		s.CORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(s.CORSAllowedHeaders) == 0 {
		s.CORSAllowedHeaders = []string{"Content-Type", "X-Log-Level"}
	}

	c.Ledger.Path = orString(c.Ledger.Path, DefaultLedgerPath)
}

// Validate rejects configurations the pipeline cannot run.
func (c Config) Validate() error {
	var errs []error
	if c.Model.UseFastAttention {
		errs = append(errs, ErrFastAttentionUnsupported)
	}
	if c.Model.NLayer < 1 || c.Model.NEmbd < 1 || c.Model.NHead < 1 || c.Model.BlockSize < 2 {
		errs = append(errs, fmt.Errorf("model: n_layer, n_embd, n_head must be >= 1 and block_size >= 2"))
	} else if c.Model.NEmbd%c.Model.NHead != 0 {
		errs = append(errs, fmt.Errorf("model: n_embd (%d) must be divisible by n_head (%d)", c.Model.NEmbd, c.Model.NHead))
	}
	errs = append(errs, oneOf("model.tokenizer", c.Model.Tokenizer, tokenizerModes))
	errs = append(errs, oneOf("quantization.bnb_4bit_quant_type", c.Quantization.QuantType, quantTypes))
	errs = append(errs, oneOf("quantization.bnb_4bit_compute_dtype", c.Quantization.ComputeDType, computeDTypes))
	if c.Quantization.BlockSize <= 0 || c.Quantization.BlockSize%2 != 0 {
		errs = append(errs, fmt.Errorf("quantization.block_size must be a positive even number"))
	}
	if c.Lora.R < 1 || c.Lora.Alpha < 1 {
		errs = append(errs, fmt.Errorf("lora: r and lora_alpha must be >= 1"))
	}
	if d := lo.FromPtr(c.Lora.Dropout); d < 0 || d >= 1 {
		errs = append(errs, fmt.Errorf("lora.lora_dropout must be in [0,1)"))
	}
	errs = append(errs, oneOf("lora.bias", c.Lora.Bias, biasModes))
	t := c.Training
	if t.NumTrainEpochs < 1 || t.PerDeviceTrainBatchSize < 1 || t.GradientAccumulationSteps < 1 {
		errs = append(errs, fmt.Errorf("training: epochs, batch size and accumulation steps must be >= 1"))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be > 0"))
	}
	if w := lo.FromPtr(t.WarmupRatio); w < 0 || w >= 1 {
		errs = append(errs, fmt.Errorf("training.warmup_ratio must be in [0,1)"))
	}
	if lo.FromPtr(t.MaxGradNorm) < 0 {
		errs = append(errs, fmt.Errorf("training.max_grad_norm must be >= 0 (0 disables clipping)"))
	}
	if t.MaxSeqLength < 2 {
		errs = append(errs, fmt.Errorf("training.max_seq_length must be >= 2"))
	}
	errs = append(errs, oneOf("training.lr_scheduler_type", t.LRSchedulerType, schedulerTypes))
	errs = append(errs, oneOf("training.optim", t.Optim, optimizers))
	errs = append(errs, oneOf("training.save_strategy", t.SaveStrategy, saveStrategies))
	errs = append(errs, oneOf("training.precision", t.Precision, computeDTypes))
	if c.Generation.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("generation.temperature must be > 0"))
	}
	if c.Generation.TopP <= 0 || c.Generation.TopP > 1 {
		errs = append(errs, fmt.Errorf("generation.top_p must be in (0,1]"))
	}
	if c.Dataset.TestSplit < 0 || c.Dataset.TestSplit >= 1 {
		errs = append(errs, fmt.Errorf("dataset.test_split must be in [0,1)"))
	}
	return errors.Join(errs...)
}

// BaseModelDir is the on-disk location of the configured base model.
func (c Config) BaseModelDir() (string, error) {
	dir, err := fsutil.ExpandHome(c.Model.ModelsDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(c.Model.Name)), nil
}

// MergedDir is where `merge` writes the standalone model.
func (c Config) MergedDir() string {
	return strings.TrimRight(c.Training.OutputDir, "/") + "-merged"
}

func oneOf(field, v string, allowed []string) error {
	if lo.Contains(allowed, strings.ToLower(v)) {
		return nil
	}
	return fmt.Errorf("%s: unsupported value %q (allowed: %s)", field, v, strings.Join(allowed, "|"))
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
