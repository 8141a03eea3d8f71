// Package trainer runs supervised fine-tuning of LoRA adapters on a frozen
// base model: micro-batches with gradient accumulation, AdamW with warmup and
// a learning-rate schedule, global-norm clipping, and epoch checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	"instructune/internal/autograd"
	"instructune/internal/config"
	"instructune/internal/lora"
	"instructune/internal/model"
	"instructune/internal/packing"
	"instructune/internal/quant"
	"instructune/internal/tokenizer"
)

// Status is the lifecycle of a run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusTraining Status = "training"
	StatusTrained  Status = "trained"
	StatusMerged   Status = "merged"
	StatusFailed   Status = "failed"
)

// Arguments are the SFT hyperparameters.
type Arguments struct {
	OutputDir                 string
	NumTrainEpochs            int
	PerDeviceTrainBatchSize   int
	GradientAccumulationSteps int
	LearningRate              float64
	LRSchedulerType           string
	WarmupRatio               float64
	WeightDecay               float64
	MaxGradNorm               float64
	Optim                     string
	LoggingSteps              int
	SaveStrategy              string
	SaveTotalLimit            int
	Seed                      int64
	Precision                 string
	MaxSeqLength              int
	Packing                   bool
}

// ArgumentsFromConfig maps the training config section onto Arguments.
func ArgumentsFromConfig(c config.TrainingConfig) Arguments {
	return Arguments{
		OutputDir:                 c.OutputDir,
		NumTrainEpochs:            c.NumTrainEpochs,
		PerDeviceTrainBatchSize:   c.PerDeviceTrainBatchSize,
		GradientAccumulationSteps: c.GradientAccumulationSteps,
		LearningRate:              c.LearningRate,
		LRSchedulerType:           c.LRSchedulerType,
		WarmupRatio:               lo.FromPtr(c.WarmupRatio),
		WeightDecay:               c.WeightDecay,
		MaxGradNorm:               lo.FromPtr(c.MaxGradNorm),
		Optim:                     c.Optim,
		LoggingSteps:              c.LoggingSteps,
		SaveStrategy:              c.SaveStrategy,
		SaveTotalLimit:            c.SaveTotalLimit,
		Seed:                      c.Seed,
		Precision:                 c.Precision,
		MaxSeqLength:              c.MaxSeqLength,
		Packing:                   c.Packing == nil || *c.Packing,
	}
}

// ErrNoTrainableParams is returned when no adapter is attached.
var ErrNoTrainableParams = errors.New("model has no trainable parameters")

// Summary describes a finished run.
type Summary struct {
	RunID       string
	GlobalStep  int
	Epochs      int
	FirstLoss   float64
	FinalLoss   float64
	Tokens      int
	Checkpoints []string
	OutputDir   string
	Duration    time.Duration
}

// Trainer owns one fine-tuning run.
type Trainer struct {
	Model     *model.Model
	Adapters  *lora.Set
	Tokenizer *tokenizer.Tokenizer
	Args      Arguments
	RunID     string

	pub EventPublisher
}

// New returns a trainer for m with adapters s attached.
func New(m *model.Model, s *lora.Set, tok *tokenizer.Tokenizer, args Arguments) *Trainer {
	return &Trainer{Model: m, Adapters: s, Tokenizer: tok, Args: args, pub: noopPublisher{}}
}

// SetEventPublisher installs an event sink; nil restores the no-op default.
func (t *Trainer) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	t.pub = p
}

func (t *Trainer) publish(name string, fields map[string]any) {
	t.pub.Publish(Event{Name: name, RunID: t.RunID, Fields: fields})
}

// BuildSequences tokenizes formatted samples and packs or truncates them to
// MaxSeqLength+1 tokens.
func (t *Trainer) BuildSequences(texts []string) [][]int {
	samples := make([][]int, len(texts))
	for i, s := range texts {
		samples[i] = append([]int{t.Tokenizer.BOS()}, t.Tokenizer.Encode(s)...)
	}
	if t.Args.Packing {
		return packing.Pack(samples, t.Args.MaxSeqLength, t.Tokenizer.EOS())
	}
	return packing.Truncate(samples, t.Args.MaxSeqLength, t.Tokenizer.EOS())
}

func (t *Trainer) validate(seqs [][]int) error {
	a := t.Args
	if a.NumTrainEpochs < 1 || a.PerDeviceTrainBatchSize < 1 || a.GradientAccumulationSteps < 1 {
		return fmt.Errorf("epochs, batch size and accumulation steps must be >= 1")
	}
	if a.MaxSeqLength > t.Model.Config.BlockSize {
		return fmt.Errorf("max_seq_length %d exceeds model block size %d", a.MaxSeqLength, t.Model.Config.BlockSize)
	}
	if len(seqs) == 0 {
		return fmt.Errorf("no training sequences")
	}
	switch strings.ToLower(a.Optim) {
	case "", "adamw", "adamw_torch", "paged_adamw_32bit":
	default:
		return fmt.Errorf("unsupported optimizer %q", a.Optim)
	}
	return nil
}

// Train runs the configured number of epochs over seqs. Only adapter
// parameters are updated. Cancelling ctx stops the run; the output directory
// then holds only what earlier checkpoints wrote.
func (t *Trainer) Train(ctx context.Context, seqs [][]int) (sum Summary, err error) {
	start := time.Now()
	sum = Summary{RunID: t.RunID, OutputDir: t.Args.OutputDir}
	defer func() {
		sum.Duration = time.Since(start)
		if err != nil {
			t.publish(EventFailed, map[string]any{"error": err.Error(), "step": sum.GlobalStep})
			logger().Error().Err(err).Str("run_id", t.RunID).Int("step", sum.GlobalStep).Msg("training failed")
		}
	}()
	if err := t.validate(seqs); err != nil {
		return sum, err
	}
	params := t.Adapters.TrainableParams()
	if len(params) == 0 {
		return sum, ErrNoTrainableParams
	}
	a := t.Args
	batchesPerEpoch := (len(seqs) + a.PerDeviceTrainBatchSize - 1) / a.PerDeviceTrainBatchSize
	stepsPerEpoch := (batchesPerEpoch + a.GradientAccumulationSteps - 1) / a.GradientAccumulationSteps
	totalSteps := stepsPerEpoch * a.NumTrainEpochs
	sched, err := NewSchedule(a.LRSchedulerType, a.LearningRate, a.WarmupRatio, totalSteps)
	if err != nil {
		return sum, err
	}
	opt := NewAdamW(params, a.WeightDecay)
	rng := rand.New(rand.NewSource(a.Seed))
	state := State{RunID: t.RunID, MaxSteps: totalSteps, NumTrainEpochs: a.NumTrainEpochs, TrainBatchSize: a.PerDeviceTrainBatchSize}

	trainable, total := t.Adapters.CountParams(t.Model)
	logger().Info().
		Str("run_id", t.RunID).
		Int("sequences", len(seqs)).
		Int("max_steps", totalSteps).
		Int("trainable_params", trainable).
		Int("all_params", total).
		Float64("trainable_pct", 100*float64(trainable)/float64(total)).
		Msg("training start")
	t.publish(EventStart, map[string]any{"max_steps": totalSteps, "sequences": len(seqs), "trainable_params": trainable})

	autograd.ZeroGrads(params)
	var micro, groupSeqs, logSteps int
	var groupLoss, logLoss float64
	stepStart := time.Now()
	step := func(epochFrac float64) {
		if micro > 1 {
			for _, p := range params {
				for i := range p.Grad {
					p.Grad[i] /= float64(micro)
				}
			}
		}
		t.roundGrads(params)
		norm := autograd.ClipGradNorm(params, a.MaxGradNorm)
		lr := sched.LR(state.GlobalStep)
		opt.Step(lr)
		autograd.ZeroGrads(params)

		loss := groupLoss / float64(groupSeqs)
		state.GlobalStep++
		state.Epoch = epochFrac
		sum.GlobalStep = state.GlobalStep
		if state.GlobalStep == 1 {
			sum.FirstLoss = loss
		}
		sum.FinalLoss = loss
		logLoss += loss
		logSteps++

		trainLoss.Set(loss)
		trainLearningRate.Set(lr)
		trainGradNorm.Set(norm)
		trainEpoch.Set(epochFrac)
		trainStepsTotal.Inc()
		trainStepDuration.Observe(time.Since(stepStart).Seconds())

		if (a.LoggingSteps > 0 && state.GlobalStep%a.LoggingSteps == 0) || state.GlobalStep == totalSteps {
			entry := LogEntry{Step: state.GlobalStep, Epoch: round4(epochFrac), Loss: round4(logLoss / float64(logSteps)), LearningRate: lr, GradNorm: norm}
			state.LogHistory = append(state.LogHistory, entry)
			logger().Info().Int("step", entry.Step).Float64("epoch", entry.Epoch).Float64("loss", entry.Loss).
				Float64("lr", lr).Float64("grad_norm", norm).Msg("train step")
			t.publish(EventStep, map[string]any{"step": entry.Step, "epoch": entry.Epoch, "loss": entry.Loss, "learning_rate": lr, "grad_norm": norm})
			logLoss, logSteps = 0, 0
		}
		micro, groupLoss, groupSeqs = 0, 0, 0
		stepStart = time.Now()
	}

	order := make([]int, len(seqs))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < a.NumTrainEpochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		shuffled := make([][]int, len(order))
		for i, idx := range order {
			shuffled[i] = seqs[idx]
		}
		batches := packing.Batches(shuffled, a.PerDeviceTrainBatchSize, false)
		for bi, batch := range batches {
			if err := ctx.Err(); err != nil {
				return sum, fmt.Errorf("training interrupted at step %d: %w", state.GlobalStep, err)
			}
			for _, seq := range batch {
				loss, err := t.Model.Loss(seq, true)
				if err != nil {
					return sum, err
				}
				if math.IsNaN(loss.Data) || math.IsInf(loss.Data, 0) {
					return sum, fmt.Errorf("non-finite loss at step %d", state.GlobalStep)
				}
				autograd.Backward(loss.MulF(1 / float64(len(batch))))
				groupLoss += loss.Data
				groupSeqs++
				n := len(seq) - 1
				sum.Tokens += n
				state.TotalTokens += n
				trainTokensTotal.Add(float64(n))
			}
			micro++
			if micro == a.GradientAccumulationSteps || bi == len(batches)-1 {
				step(float64(epoch) + float64(bi+1)/float64(len(batches)))
			}
		}
		sum.Epochs = epoch + 1
		t.publish(EventEpoch, map[string]any{"epoch": epoch + 1, "step": state.GlobalStep, "loss": sum.FinalLoss})
		if strings.EqualFold(a.SaveStrategy, "epoch") {
			dir, err := t.saveCheckpoint(state)
			if err != nil {
				return sum, err
			}
			sum.Checkpoints = append(sum.Checkpoints, dir)
		}
	}

	if err := t.saveFinal(state); err != nil {
		return sum, err
	}
	if remaining, err := ListCheckpoints(a.OutputDir); err == nil {
		sum.Checkpoints = remaining
	}
	logger().Info().Str("run_id", t.RunID).Int("steps", sum.GlobalStep).Float64("final_loss", sum.FinalLoss).
		Str("output_dir", a.OutputDir).Msg("training done")
	t.publish(EventDone, map[string]any{"step": sum.GlobalStep, "loss": sum.FinalLoss, "tokens": sum.Tokens, "output_dir": a.OutputDir})
	return sum, nil
}

// roundGrads rounds gradients to the training precision; the optimizer keeps
// full-precision master weights.
func (t *Trainer) roundGrads(params []*autograd.Vec) {
	prec := strings.ToLower(t.Args.Precision)
	if prec == "" || prec == quant.DTypeFloat32 {
		return
	}
	for _, p := range params {
		for i, g := range p.Grad {
			p.Grad[i] = float64(quant.Round(prec, float32(g)))
		}
	}
}

func (t *Trainer) saveCheckpoint(state State) (string, error) {
	dir := CheckpointDir(t.Args.OutputDir, state.GlobalStep)
	if err := t.writeArtifacts(dir, state); err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", dir, err)
	}
	checkpointsTotal.Inc()
	removed, err := PruneCheckpoints(t.Args.OutputDir, t.Args.SaveTotalLimit)
	if err != nil {
		return "", err
	}
	logger().Info().Str("dir", dir).Strs("pruned", removed).Msg("checkpoint saved")
	t.publish(EventCheckpoint, map[string]any{"dir": dir, "step": state.GlobalStep})
	return dir, nil
}

func (t *Trainer) saveFinal(state State) error {
	return t.writeArtifacts(t.Args.OutputDir, state)
}

func (t *Trainer) writeArtifacts(dir string, state State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := t.Adapters.Save(dir); err != nil {
		return err
	}
	if err := t.Tokenizer.Save(dir); err != nil {
		return err
	}
	return WriteState(dir, state)
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
