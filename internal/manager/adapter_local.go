package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"instructune/internal/generate"
	"instructune/internal/lora"
	"instructune/internal/model"
	"instructune/internal/tokenizer"
	"instructune/pkg/types"
)

// localAdapter runs the native transformer in process. Adapters are loaded on
// top of their base model; merged models are loaded dense.
type localAdapter struct {
	baseModelsDir string
	baseLoad      model.LoadOptions
}

// NewLocalAdapter returns the in-process runtime. baseModelsDir resolves
// adapter base model names that are not directories themselves.
func NewLocalAdapter(baseModelsDir string, baseLoad model.LoadOptions) InferenceAdapter {
	return &localAdapter{baseModelsDir: baseModelsDir, baseLoad: baseLoad}
}

// ResolveBaseDir locates the base model directory named by an adapter.
func ResolveBaseDir(baseModelsDir, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	candidates := []string{name}
	if !filepath.IsAbs(name) && baseModelsDir != "" {
		candidates = append(candidates, filepath.Join(baseModelsDir, filepath.FromSlash(name)))
	}
	for _, c := range candidates {
		if model.Exists(c) {
			return c, true
		}
	}
	return "", false
}

func (a *localAdapter) Load(ctx context.Context, mdl types.Model) (InferSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch mdl.Kind {
	case types.KindMerged:
		m, err := model.Load(mdl.Path, model.LoadOptions{})
		if err != nil {
			return nil, fmt.Errorf("load merged model %s: %w", mdl.ID, err)
		}
		tok, err := tokenizer.Load(mdl.Path)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer for %s: %w", mdl.ID, err)
		}
		return &localSession{m: m, tok: tok}, nil
	case types.KindAdapter:
		baseDir, ok := ResolveBaseDir(a.baseModelsDir, mdl.BaseModel)
		if !ok {
			return nil, ErrDependencyUnavailable(fmt.Sprintf("base model %q for %s not found", mdl.BaseModel, mdl.ID))
		}
		m, err := model.Load(baseDir, a.baseLoad)
		if err != nil {
			return nil, fmt.Errorf("load base model %s: %w", baseDir, err)
		}
		if _, err := lora.Load(m, mdl.Path); err != nil {
			return nil, fmt.Errorf("attach adapter %s: %w", mdl.ID, err)
		}
		tok, err := tokenizer.Load(mdl.Path)
		if err != nil {
			if tok, err = tokenizer.Load(baseDir); err != nil {
				return nil, fmt.Errorf("load tokenizer for %s: %w", mdl.ID, err)
			}
		}
		return &localSession{m: m, tok: tok}, nil
	default:
		return nil, fmt.Errorf("model %s: unknown kind %q", mdl.ID, mdl.Kind)
	}
}

type localSession struct {
	mu  sync.Mutex
	m   *model.Model
	tok *tokenizer.Tokenizer
}

func (s *localSession) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return FinalResult{}, ErrDependencyUnavailable("session closed")
	}
	res, err := generate.Generate(ctx, s.m, s.tok, prompt, generate.Params{
		MaxNewTokens: params.MaxTokens,
		Temperature:  params.Temperature,
		TopP:         params.TopP,
		TopK:         params.TopK,
		Seed:         params.Seed,
		Stop:         params.Stop,
	}, onToken)
	if err != nil {
		return FinalResult{}, err
	}
	return FinalResult{
		Content:      res.Text,
		FinishReason: res.FinishReason,
		Usage: types.Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
		},
	}, nil
}

func (s *localSession) MemBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return 0
	}
	return s.m.Bytes()
}

func (s *localSession) Close() error {
	s.mu.Lock()
	s.m, s.tok = nil, nil
	s.mu.Unlock()
	return nil
}
