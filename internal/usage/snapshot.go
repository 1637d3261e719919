package usage

import (
	"sort"
	"time"
)

// CredentialSnapshot is a read-only view of one credential's accounting,
// served by the stats endpoint.
type CredentialSnapshot struct {
	ID        string                   `json:"id"`
	Tier      int                      `json:"tier"`
	InFlight  int                      `json:"in_flight"`
	Totals    TotalStats               `json:"totals"`
	Models    map[string]ModelSnapshot `json:"models"`
	Cooldowns map[string]CooldownView  `json:"cooldowns,omitempty"`
	Exhausted []string                 `json:"exhausted_scopes,omitempty"`
}

// ModelSnapshot pairs the live window with lifetime totals for one model.
type ModelSnapshot struct {
	Window WindowStats `json:"window"`
	Totals TotalStats  `json:"totals"`
}

// CooldownView is the externally visible form of an active cooldown.
type CooldownView struct {
	Reason    string    `json:"reason"`
	Until     time.Time `json:"until"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot returns the current accounting for every credential, masked IDs
// and all, sorted by ID for stable output.
func (m *Manager) Snapshot(mask func(string) string) []CredentialSnapshot {
	now := m.now()

	m.mu.RLock()
	ids := make([]string, 0, len(m.creds))
	for id := range m.creds {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]CredentialSnapshot, 0, len(ids))
	for _, id := range ids {
		st, ok := m.state(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		snap := CredentialSnapshot{
			ID:       id,
			Tier:     st.tier,
			InFlight: st.active,
			Totals:   st.totals,
			Models:   make(map[string]ModelSnapshot, len(st.models)),
		}
		for model, ms := range st.models {
			snap.Models[model] = ModelSnapshot{Window: ms.Window, Totals: ms.Totals}
		}
		for scope, cd := range st.cooldown {
			if !cd.Active(now) {
				continue
			}
			if snap.Cooldowns == nil {
				snap.Cooldowns = make(map[string]CooldownView)
			}
			snap.Cooldowns[scope] = CooldownView{Reason: cd.Reason, Until: cd.Until, StartedAt: cd.StartedAt}
		}
		for scope, fc := range st.cycle {
			if fc.Exhausted {
				snap.Exhausted = append(snap.Exhausted, scope)
			}
		}
		sort.Strings(snap.Exhausted)
		st.mu.Unlock()
		if mask != nil {
			snap.ID = mask(snap.ID)
		}
		out = append(out, snap)
	}
	return out
}
