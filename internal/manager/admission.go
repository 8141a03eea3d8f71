package manager

import (
	"context"
	"errors"
	"time"
)

// errInstanceGone is returned by admission when the instance was evicted or
// unloaded before (or while) the request waited for its slot.
var errInstanceGone = errors.New("model instance is no longer loaded")

// beginGeneration reserves a queue slot and then the single in-flight slot.
// Returns the reserved instance and a release func to be deferred.
func (m *Manager) beginGeneration(ctx context.Context, modelID string) (*Instance, func(), error) {
	noop := func() {}
	m.mu.RLock()
	inst := m.instances[modelID]
	draining := inst != nil && inst.State == StateDraining
	m.mu.RUnlock()
	if inst == nil {
		return nil, noop, errInstanceGone
	}
	// Draining instances reject new work so unload can finish.
	if draining {
		return nil, noop, tooBusyError{modelID: modelID}
	}
	if err := ctx.Err(); err != nil {
		return nil, noop, err
	}

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case inst.queueCh <- struct{}{}:
	case <-ctx.Done():
		return nil, noop, ctx.Err()
	case <-timer.C:
		return nil, noop, tooBusyError{modelID: modelID}
	}

	// Wait to acquire the single in-flight slot
	acquired := false
	defer func() {
		if !acquired {
			<-inst.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, noop, err
	}
	timer2 := time.NewTimer(m.maxWait)
	defer timer2.Stop()
	select {
	case inst.genCh <- struct{}{}:
	case <-ctx.Done():
		return nil, noop, ctx.Err()
	case <-timer2.C:
		return nil, noop, tooBusyError{modelID: modelID}
	}

	m.mu.Lock()
	live := m.instances[modelID] == inst && inst.Session != nil
	if live {
		inst.LastUsed = time.Now()
	}
	m.mu.Unlock()
	if !live {
		<-inst.genCh
		return nil, noop, errInstanceGone
	}
	acquired = true
	return inst, func() { <-inst.genCh; <-inst.queueCh }, nil
}
