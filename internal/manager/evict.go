package manager

// evictUntilFits unloads least recently used idle instances until requiredMB
// fits in budget minus margin. Busy instances are never evicted; if nothing
// idle is left the load proceeds over budget.
func (m *Manager) evictUntilFits(requiredMB int) error {
	for {
		m.mu.Lock()
		if m.usedEstMB+requiredMB+m.marginMB <= m.budgetMB {
			m.mu.Unlock()
			return nil
		}
		var lru *Instance
		for _, inst := range m.instances {
			if inst.State != StateReady || len(inst.genCh) > 0 || len(inst.queueCh) > 0 {
				continue
			}
			if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
				lru = inst
			}
		}
		if lru == nil {
			m.mu.Unlock()
			logger().Warn().Int("required_mb", requiredMB).Int("budget_mb", m.budgetMB).Msg("memory budget exceeded, nothing idle to evict")
			return nil
		}
		delete(m.instances, lru.ID)
		m.usedEstMB -= lru.EstMemMB
		m.evictionsTotal++
		if m.cur != nil && m.cur.ID == lru.ID {
			m.cur = nil
		}
		sess := lru.Session
		lru.Session = nil
		m.mu.Unlock()

		if sess != nil {
			_ = sess.Close()
		}
		m.publish("evicted", lru.ID, map[string]any{"mem_mb": lru.EstMemMB})
	}
}
