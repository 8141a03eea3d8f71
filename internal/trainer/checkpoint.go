package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"instructune/internal/common/fsutil"
)

const (
	StateFile        = "trainer_state.json"
	checkpointPrefix = "checkpoint-"
)

// LogEntry is one row of the training log history.
type LogEntry struct {
	Step         int     `json:"step"`
	Epoch        float64 `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
	GradNorm     float64 `json:"grad_norm"`
}

// State is persisted as trainer_state.json next to every checkpoint.
type State struct {
	RunID          string     `json:"run_id,omitempty"`
	GlobalStep     int        `json:"global_step"`
	Epoch          float64    `json:"epoch"`
	MaxSteps       int        `json:"max_steps"`
	NumTrainEpochs int        `json:"num_train_epochs"`
	TrainBatchSize int        `json:"train_batch_size"`
	TotalTokens    int        `json:"total_tokens"`
	LogHistory     []LogEntry `json:"log_history"`
}

// WriteState writes trainer_state.json into dir.
func WriteState(dir string, s State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, StateFile), b, 0o644)
}

// ReadState reads trainer_state.json from dir.
func ReadState(dir string) (State, error) {
	b, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", StateFile, err)
	}
	return s, nil
}

// CheckpointDir is outputDir/checkpoint-<step>.
func CheckpointDir(outputDir string, step int) string {
	return filepath.Join(outputDir, checkpointPrefix+strconv.Itoa(step))
}

// ListCheckpoints returns checkpoint directories under outputDir ordered by step.
func ListCheckpoints(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type ckpt struct {
		step int
		path string
	}
	var found []ckpt
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		found = append(found, ckpt{step, filepath.Join(outputDir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = c.path
	}
	return out, nil
}

// PruneCheckpoints removes the oldest checkpoints so at most limit remain.
// limit <= 0 keeps everything.
func PruneCheckpoints(outputDir string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	all, err := ListCheckpoints(outputDir)
	if err != nil || len(all) <= limit {
		return nil, err
	}
	removed := all[:len(all)-limit]
	for _, dir := range removed {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return removed, nil
}
