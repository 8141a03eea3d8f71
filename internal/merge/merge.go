// Package merge folds trained adapters into base weights, producing a dense
// model that needs no adapter at inference time.
package merge

import (
	"fmt"
	"os"
	"path/filepath"

	"instructune/internal/common/fsutil"
	"instructune/internal/lora"
	"instructune/internal/model"
	"instructune/internal/tokenizer"
)

// Merge replaces W with dequant(W) + scaling*B*A for every adapter in s and
// detaches the adapters. It returns the number of merged layers.
func Merge(s *lora.Set) (int, error) {
	n := 0
	for _, name := range s.Names() {
		l, ok := s.Linear(name)
		if !ok {
			return n, fmt.Errorf("adapter %s is not attached", name)
		}
		a := s.Adapters[name]
		w := l.Float32()
		for i, d := range a.Delta() {
			w[i] += float32(d)
		}
		l.SetWeights(w)
		n++
	}
	s.Detach()
	return n, nil
}

// Result summarizes a MergeAndSave run.
type Result struct {
	OutDir string
	Layers int
	Bytes  int
}

// MergeAndSave loads the base model at full precision, attaches the adapter
// from adapterDir, merges it and writes a standalone model with its tokenizer
// to outDir.
func MergeAndSave(baseDir, adapterDir, outDir string) (Result, error) {
	m, err := model.Load(baseDir, model.LoadOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("load base: %w", err)
	}
	s, err := lora.Load(m, adapterDir)
	if err != nil {
		return Result{}, fmt.Errorf("load adapter: %w", err)
	}
	n, err := Merge(s)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, err
	}
	if err := m.Save(outDir); err != nil {
		return Result{}, fmt.Errorf("save merged model: %w", err)
	}
	if err := copyTokenizer(outDir, adapterDir, baseDir); err != nil {
		return Result{}, err
	}
	return Result{OutDir: outDir, Layers: n, Bytes: m.Bytes()}, nil
}

// copyTokenizer takes tokenizer.json from the first dir that has one.
func copyTokenizer(dst string, dirs ...string) error {
	for _, d := range dirs {
		src := filepath.Join(d, tokenizer.FileName)
		if fsutil.PathExists(src) {
			return fsutil.CopyFile(src, filepath.Join(dst, tokenizer.FileName))
		}
	}
	return fmt.Errorf("no %s found in %v", tokenizer.FileName, dirs)
}
