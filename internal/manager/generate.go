package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"instructune/internal/dataset"
	"instructune/internal/prompt"
	"instructune/pkg/types"
)

// Generate ensures the model instance exists, waits for admission and streams
// NDJSON token lines followed by a final done line to w.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flusher func()) error {
	text, templated, err := promptFor(req)
	if err != nil {
		return err
	}
	modelID, err := m.resolveModelID(req.Model)
	if err != nil {
		return err
	}
	inst, release, err := m.admit(ctx, modelID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	sess := inst.Session
	m.mu.RUnlock()
	if sess == nil {
		return ErrDependencyUnavailable("model " + modelID + " was unloaded")
	}

	flush := func() {
		if flusher != nil {
			flusher()
		}
	}
	enc := json.NewEncoder(w)
	onTok := func(tok string) error {
		if err := enc.Encode(types.TokenLine{Token: tok}); err != nil {
			return err
		}
		flush()
		return nil
	}
	final, err := sess.Generate(ctx, text, m.paramsFor(req), onTok)
	if err != nil {
		return err
	}
	done := types.DoneLine{
		Done:         true,
		Content:      final.Content,
		FinishReason: final.FinishReason,
		Usage:        final.Usage,
	}
	if templated {
		done.Response = prompt.ExtractResponse(final.Content)
	}
	if err := enc.Encode(done); err != nil {
		return err
	}
	flush()
	m.publish("generate_done", modelID, map[string]any{
		"finish_reason":     final.FinishReason,
		"completion_tokens": final.Usage.CompletionTokens,
	})
	return nil
}

// admit loads the instance and reserves its generation slot. An instance
// evicted or unloaded in between is loaded once more before giving up.
func (m *Manager) admit(ctx context.Context, modelID string) (*Instance, func(), error) {
	for attempt := 0; ; attempt++ {
		if err := m.EnsureInstance(ctx, modelID); err != nil {
			return nil, func() {}, err
		}
		inst, release, err := m.beginGeneration(ctx, modelID)
		if !errors.Is(err, errInstanceGone) {
			return inst, release, err
		}
		if attempt > 0 {
			return nil, func() {}, ErrDependencyUnavailable("model " + modelID + " was unloaded")
		}
		logger().Debug().Str("model", modelID).Msg("instance gone during admission, reloading")
	}
}

// promptFor returns the text to continue. An input is wrapped in the tuning
// template so the model answers with the instruction.
func promptFor(req types.GenerateRequest) (string, bool, error) {
	switch {
	case strings.TrimSpace(req.Input) != "":
		return prompt.FormatPrompt(dataset.Record{Response: req.Input}), true, nil
	case strings.TrimSpace(req.Prompt) != "":
		return req.Prompt, false, nil
	default:
		return "", false, badRequestError{msg: "prompt or input is required"}
	}
}

func (m *Manager) paramsFor(req types.GenerateRequest) InferParams {
	p := InferParams{
		Temperature: m.defaults.Temperature,
		TopP:        m.defaults.TopP,
		TopK:        m.defaults.TopK,
		MaxTokens:   m.defaults.MaxNewTokens,
		Stop:        m.defaults.Stop,
		Seed:        req.Seed,
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP > 0 {
		p.TopP = req.TopP
	}
	if req.TopK > 0 {
		p.TopK = req.TopK
	}
	if req.MaxNewTokens > 0 {
		p.MaxTokens = req.MaxNewTokens
	}
	if len(req.Stop) > 0 {
		p.Stop = req.Stop
	}
	return p
}
