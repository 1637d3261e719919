package usage

import (
	"time"

	"github.com/majorcontext/relay/internal/log"
)

// Fair-cycle keeps one credential from monopolizing a provider: once a
// credential hits a long cooldown it is marked exhausted for the scope and
// the scheduler skips it until every credential in the scope exhausts, at
// which point the whole set clears in one step.

// cycleScope maps a model to its fair-cycle bookkeeping key: the quota
// group when one exists, the model otherwise. Credential-wide lockouts use
// the credentialWide key directly.
func (m *Manager) cycleScope(model string) string {
	if model == credentialWide {
		return credentialWide
	}
	if g := m.cfg.QuotaGroups[model]; g != "" {
		return g
	}
	return model
}

// cycleStateLocked returns the live cycle entry for a scope, dropping it
// first when the cycle has aged out. Caller holds st.mu.
func (m *Manager) cycleStateLocked(st *credState, scope string, now time.Time) *fairCycleState {
	fc := st.cycle[scope]
	if fc != nil && now.Sub(fc.StartedAt) >= m.cfg.CycleDuration {
		delete(st.cycle, scope)
		return nil
	}
	return fc
}

// maybeExhaustLocked marks the scope exhausted when the applied cooldown is
// long enough. Caller holds st.mu.
func (m *Manager) maybeExhaustLocked(st *credState, model string, length time.Duration, reason string, now time.Time) {
	if !m.cfg.FairCycle || length < m.cfg.ExhaustionThreshold {
		return
	}
	scope := m.cycleScope(model)
	fc := m.cycleStateLocked(st, scope, now)
	if fc == nil {
		fc = &fairCycleState{StartedAt: now}
		st.cycle[scope] = fc
	}
	if !fc.Exhausted {
		fc.Exhausted = true
		fc.ExhaustedAt = now
		fc.Reason = reason
	}
}

// clearExhaustionLocked drops exhaustion for the model's scope, for example
// after a window rollover readmits the credential. Caller holds st.mu.
func (m *Manager) clearExhaustionLocked(st *credState, model string) {
	delete(st.cycle, m.cycleScope(model))
}

// CycleExhausted reports whether the credential is excluded from the
// current fair cycle for the model's scope: either it hit a long cooldown,
// or it already served in this cycle while other credentials had not. An
// exclusion older than CycleDuration no longer holds.
func (m *Manager) CycleExhausted(id, model string) bool {
	if !m.cfg.FairCycle {
		return false
	}
	st, ok := m.state(id)
	if !ok {
		return false
	}
	now := m.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	if fc := m.cycleStateLocked(st, m.cycleScope(model), now); fc != nil && (fc.Exhausted || fc.CycleCount > 0) {
		return true
	}
	if fc := m.cycleStateLocked(st, credentialWide, now); fc != nil && fc.Exhausted {
		return true
	}
	return false
}

// NoteCycleUse counts a selection against the current cycle.
func (m *Manager) NoteCycleUse(id, model string) {
	if !m.cfg.FairCycle {
		return
	}
	st, ok := m.state(id)
	if !ok {
		return
	}
	scope := m.cycleScope(model)
	now := m.now()
	st.mu.Lock()
	fc := m.cycleStateLocked(st, scope, now)
	if fc == nil {
		fc = &fairCycleState{StartedAt: now}
		st.cycle[scope] = fc
	}
	fc.CycleCount++
	st.mu.Unlock()
}

// ResetCycleIfAllExhausted clears exhaustion for the model's scope across
// the given credentials, but only when every one of them is exhausted. The
// reset is a single atomic step under the manager lock so readmitted
// credentials all rejoin the new cycle together.
func (m *Manager) ResetCycleIfAllExhausted(ids []string, model string) bool {
	if !m.cfg.FairCycle || len(ids) == 0 {
		return false
	}
	scope := m.cycleScope(model)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	states := make([]*credState, 0, len(ids))
	for _, id := range ids {
		st, ok := m.creds[id]
		if !ok {
			continue
		}
		states = append(states, st)
	}
	if len(states) == 0 {
		return false
	}

	for _, st := range states {
		st.mu.Lock()
	}
	defer func() {
		for _, st := range states {
			st.mu.Unlock()
		}
	}()

	for _, st := range states {
		fc := m.cycleStateLocked(st, scope, now)
		wide := m.cycleStateLocked(st, credentialWide, now)
		excluded := (fc != nil && (fc.Exhausted || fc.CycleCount > 0)) ||
			(wide != nil && wide.Exhausted)
		if !excluded {
			return false
		}
	}
	for _, st := range states {
		delete(st.cycle, scope)
	}
	log.Debug("fair cycle reset", "provider", m.cfg.Provider, "scope", scope, "credentials", len(states))
	m.notify()
	return true
}
