package manager

import (
	"context"
	"fmt"
	"time"
)

// EnsureInstance loads modelID (the default model when empty) unless it is
// already ready, evicting idle instances first when a budget is configured.
func (m *Manager) EnsureInstance(ctx context.Context, modelID string) error {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return err
	}
	if m.touchReady(modelID) {
		return nil
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	// Another caller may have finished the load while we waited.
	if m.touchReady(modelID) {
		return nil
	}

	m.mu.RLock()
	old := m.instances[modelID]
	m.mu.RUnlock()
	if old != nil && old.State == StateDraining {
		return tooBusyError{modelID: modelID}
	}

	start := time.Now()
	m.publish("ensure_start", modelID, nil)
	mdl, ok := m.getModelByID(modelID)
	if !ok {
		m.publish("ensure_model_not_found", modelID, nil)
		return ErrModelNotFound(modelID)
	}
	reqMB := toMB(mdl.SizeBytes)
	if m.budgetMB > 0 {
		if err := m.evictUntilFits(reqMB); err != nil {
			m.publish("ensure_budget_fail", modelID, map[string]any{"error": err.Error()})
			return err
		}
	}

	m.mu.Lock()
	m.state = StateLoading
	m.err = ""
	inst := &Instance{
		ID:       modelID,
		State:    StateLoading,
		LastUsed: time.Now(),
		EstMemMB: reqMB,
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, m.maxQueueDepth),
	}
	m.instances[modelID] = inst
	m.usedEstMB += reqMB
	m.mu.Unlock()

	sess, err := m.adapter.Load(ctx, mdl)
	if err != nil {
		m.mu.Lock()
		delete(m.instances, modelID)
		m.usedEstMB -= reqMB
		m.state = StateError
		m.err = err.Error()
		m.mu.Unlock()
		logger().Error().Err(err).Str("model", modelID).Msg("model load failed")
		m.publish("ensure_error", modelID, map[string]any{"error": err.Error()})
		return err
	}

	// Replace the size estimate with the resident footprint.
	memMB := reqMB
	if b := sess.MemBytes(); b > 0 {
		memMB = toMB(int64(b))
	}
	m.mu.Lock()
	m.usedEstMB += memMB - reqMB
	inst.EstMemMB = memMB
	inst.Session = sess
	inst.State = StateReady
	inst.LastUsed = time.Now()
	m.cur = &ModelInfo{ID: modelID, Path: mdl.Path, Kind: mdl.Kind}
	m.state = StateReady
	m.err = ""
	m.loadsTotal++
	m.mu.Unlock()

	dur := time.Since(start)
	logger().Info().Str("model", modelID).Str("kind", mdl.Kind).Int("mem_mb", memMB).Dur("dur", dur).Msg("model ready")
	m.publish("ensure_ready", modelID, map[string]any{"dur_ms": int(dur / time.Millisecond), "mem_mb": memMB})
	return nil
}

// touchReady bumps LastUsed and reports true when modelID is ready.
func (m *Manager) touchReady(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[modelID]
	if !ok || inst.State != StateReady {
		return false
	}
	inst.LastUsed = time.Now()
	return true
}

// Switch loads modelID in the background and returns an operation id.
// Callers poll Status to observe the transition.
func (m *Manager) Switch(modelID string) string {
	m.mu.Lock()
	m.opSeq++
	op := fmt.Sprintf("op-%d", m.opSeq)
	m.mu.Unlock()
	go func() {
		if err := m.EnsureInstance(context.Background(), modelID); err != nil {
			logger().Warn().Err(err).Str("op", op).Str("model", modelID).Msg("background load failed")
		}
	}()
	return op
}
