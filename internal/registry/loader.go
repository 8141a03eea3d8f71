// Package registry discovers servable models on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"

	"instructune/internal/common/fsutil"
	"instructune/internal/lora"
	"instructune/internal/model"
	"instructune/pkg/types"
)

// Scanner discovers models under a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// DirScanner treats dir and each of its immediate subdirectories as a
// candidate: a directory with adapter_config.json is an adapter, one with
// config.json and model.safetensors is a merged model. Adapter takes
// precedence when both are present.
type DirScanner struct{}

// NewDirScanner returns a Scanner for training output directories.
func NewDirScanner() *DirScanner { return &DirScanner{} }

// Scan implements Scanner. Models are sorted by ID.
func (DirScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	candidates := []string{abs}
	for _, e := range entries {
		if e.IsDir() {
			candidates = append(candidates, filepath.Join(abs, e.Name()))
		}
	}
	models := lo.FilterMap(candidates, func(p string, _ int) (types.Model, bool) {
		return Inspect(p)
	})
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Inspect classifies a single directory. The second result is false when dir
// holds neither an adapter nor a merged model.
func Inspect(dir string) (types.Model, bool) {
	id := filepath.Base(dir)
	switch {
	case lora.IsAdapterDir(dir):
		cfg, err := lora.ReadConfig(dir)
		if err != nil {
			return types.Model{}, false
		}
		return types.Model{
			ID:        id,
			Name:      id,
			Path:      dir,
			Kind:      types.KindAdapter,
			BaseModel: cfg.BaseModel,
			SizeBytes: fileSize(filepath.Join(dir, lora.WeightsFile)),
		}, true
	case model.Exists(dir):
		return types.Model{
			ID:        id,
			Name:      id,
			Path:      dir,
			Kind:      types.KindMerged,
			Quant:     "float32",
			SizeBytes: fileSize(filepath.Join(dir, model.WeightsFile)),
		}, true
	}
	return types.Model{}, false
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// LoadDir scans dir with the default DirScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewDirScanner().Scan(dir)
}
