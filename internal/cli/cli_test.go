package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"instructune/internal/lora"
	"instructune/internal/model"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type workspace struct {
	dir    string
	config string
	out    string
	models string
}

// newWorkspace writes a small Dolly-style dataset and a config sized for a
// model that trains in well under a second per step. extra is appended to
// the ledger section.
func newWorkspace(t *testing.T, extra string) workspace {
	t.Helper()
	dir := t.TempDir()
	recs := []map[string]string{
		{"instruction": "What color is the sky?", "response": "Blue.", "category": "open_qa"},
		{"instruction": "Name a fruit.", "response": "Apple.", "category": "brainstorming"},
		{"instruction": "What is two plus two?", "response": "Four.", "category": "open_qa"},
		{"instruction": "Say hello.", "response": "Hello.", "category": "creative_writing"},
		{"instruction": "Name a colour.", "response": "Red.", "category": "brainstorming"},
		{"instruction": "Is ice cold?", "response": "Yes.", "category": "open_qa"},
		{"instruction": "Count to three.", "response": "One two three.", "category": "open_qa"},
		{"instruction": "Name an animal.", "response": "Cat.", "category": "brainstorming"},
	}
	var data bytes.Buffer
	enc := json.NewEncoder(&data)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			t.Fatal(err)
		}
	}
	dsPath := filepath.Join(dir, "dolly.jsonl")
	if err := os.WriteFile(dsPath, data.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	ws := workspace{
		dir:    dir,
		config: filepath.Join(dir, "instructune.yaml"),
		out:    filepath.Join(dir, "runs", "tiny-dolly"),
		models: filepath.Join(dir, "models"),
	}
	cfg := `dataset:
  path: ` + dsPath + `
  test_split: 0.25
model:
  name: tiny-base
  models_dir: ` + ws.models + `
  n_layer: 1
  n_embd: 16
  n_head: 2
  block_size: 32
lora:
  r: 4
  lora_alpha: 8
  target_modules: [q_proj, v_proj]
training:
  output_dir: ` + ws.out + `
  num_train_epochs: 1
  per_device_train_batch_size: 8
  gradient_accumulation_steps: 1
  learning_rate: 0.01
  logging_steps: 1
generation:
  max_new_tokens: 6
  seed: 3
ledger:
  path: ` + filepath.Join(dir, "runs.sqlite3") + `
` + extra
	if err := os.WriteFile(ws.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestDatasetAndFormatCommands(t *testing.T) {
	ws := newWorkspace(t, "")
	out, err := runCLI(t, "--config", ws.config, "dataset", "fetch")
	if err != nil {
		t.Fatalf("dataset fetch: %v", err)
	}
	if !strings.Contains(out, "8 records (6 train, 2 held out)") {
		t.Fatalf("fetch output: %q", out)
	}
	out, err = runCLI(t, "--config", ws.config, "dataset", "inspect")
	if err != nil {
		t.Fatalf("dataset inspect: %v", err)
	}
	if !strings.Contains(out, "open_qa") || !strings.Contains(out, "total") {
		t.Fatalf("inspect output: %q", out)
	}
	out, err = runCLI(t, "--config", ws.config, "format", "--index", "0")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if strings.Count(out, "### Input:\n") != 1 || !strings.HasSuffix(out, "\n") {
		t.Fatalf("format output: %q", out)
	}
	out, err = runCLI(t, "--config", ws.config, "format", "--prompt", "--index", "1")
	if err != nil || !strings.HasSuffix(out, "### Response:\n") {
		t.Fatalf("format --prompt: %q err=%v", out, err)
	}
	if _, err := runCLI(t, "--config", ws.config, "format", "--index", "99"); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestFastAttentionRejected(t *testing.T) {
	ws := newWorkspace(t, "")
	cfg, err := os.ReadFile(ws.config)
	if err != nil {
		t.Fatal(err)
	}
	cfg = bytes.Replace(cfg, []byte("  n_layer: 1\n"), []byte("  n_layer: 1\n  use_fast_attention: true\n"), 1)
	if err := os.WriteFile(ws.config, cfg, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = runCLI(t, "--config", ws.config, "dataset", "fetch")
	if err == nil || !strings.Contains(err.Error(), "fast attention") {
		t.Fatalf("expected fast attention error, got %v", err)
	}
}

func TestTrainWithoutBaseModelFails(t *testing.T) {
	ws := newWorkspace(t, "")
	_, err := runCLI(t, "--config", ws.config, "train")
	if err == nil || !strings.Contains(err.Error(), "base init") {
		t.Fatalf("expected missing base error, got %v", err)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	ws := newWorkspace(t, "")

	out, err := runCLI(t, "--config", ws.config, "base", "init")
	if err != nil {
		t.Fatalf("base init: %v", err)
	}
	baseDir := filepath.Join(ws.models, "tiny-base")
	if !model.Exists(baseDir) || !strings.Contains(out, baseDir) {
		t.Fatalf("base model not written: %q", out)
	}
	if _, err := runCLI(t, "--config", ws.config, "base", "init"); err == nil {
		t.Fatalf("second base init should require --force")
	}

	out, err = runCLI(t, "--config", ws.config, "train")
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	for _, want := range []string{"adapter saved to " + ws.out, "Prompt:", "Generated instruction:", "Ground truth:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("train output missing %q:\n%s", want, out)
		}
	}
	if !lora.IsAdapterDir(ws.out) {
		t.Fatalf("no adapter in %s", ws.out)
	}
	acfg, err := lora.ReadConfig(ws.out)
	if err != nil || acfg.BaseModel != "tiny-base" {
		t.Fatalf("adapter config: %+v err=%v", acfg, err)
	}

	out, err = runCLI(t, "--config", ws.config, "generate", "--input", "Blue.", "--seed", "9")
	if err != nil || !strings.Contains(out, "Generated instruction:") {
		t.Fatalf("generate: %q err=%v", out, err)
	}

	out, err = runCLI(t, "--config", ws.config, "merge")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	merged := ws.out + "-merged"
	if !model.Exists(merged) {
		t.Fatalf("merged model missing; output %q", out)
	}
	if _, err := runCLI(t, "--config", ws.config, "generate", "--model-dir", merged, "--prompt", "### ", "--max-new-tokens", "3"); err != nil {
		t.Fatalf("generate merged: %v", err)
	}

	out, err = runCLI(t, "--config", ws.config, "runs", "list")
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "merged") || !strings.Contains(lines[1], ws.out) {
		t.Fatalf("runs list: %q", out)
	}
	id := strings.Fields(lines[1])[0]
	out, err = runCLI(t, "--config", ws.config, "runs", "show", id)
	if err != nil || !strings.Contains(out, "STEP") || !strings.Contains(out, "tiny-base") {
		t.Fatalf("runs show: %q err=%v", out, err)
	}
}

func TestRunsWithDisabledLedger(t *testing.T) {
	ws := newWorkspace(t, "  disabled: true\n")
	if _, err := runCLI(t, "--config", ws.config, "runs", "list"); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("expected disabled ledger error, got %v", err)
	}
}

func TestGroupCommandsRequireSubcommand(t *testing.T) {
	for _, group := range []string{"dataset", "base", "runs"} {
		if _, err := runCLI(t, group); err == nil {
			t.Fatalf("%s without subcommand should fail", group)
		}
	}
}
