package usage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/statefile"
)

// schemaVersion is the current usage file layout. Version 1 keyed
// credentials by raw accessor path under "key_states"; version 2 nests them
// under "credentials" with explicit accessor fields.
const schemaVersion = 2

// SaveDebounce is the minimum spacing between usage file writes.
const SaveDebounce = 5 * time.Second

type persister struct {
	mu       sync.Mutex
	writer   *statefile.Writer
	path     string
	lastSave time.Time
	dirty    bool
}

func newPersister(path string) *persister {
	return &persister{writer: statefile.NewWriter(path, false), path: path}
}

// fileDoc is the on-disk shape of the usage store.
type fileDoc struct {
	SchemaVersion int                 `json:"schema_version"`
	UpdatedAt     string              `json:"updated_at"`
	Credentials   map[string]fileCred `json:"credentials"`
}

type fileCred struct {
	Tier        int                     `json:"tier"`
	ModelUsage  map[string]fileModel    `json:"model_usage"`
	Totals      fileTotals              `json:"totals"`
	Cooldowns   map[string]fileCooldown `json:"cooldowns"`
	FairCycle   map[string]fileCycle    `json:"fair_cycle"`
	CreatedAt   float64                 `json:"created_at,omitempty"`
	LastUpdated float64                 `json:"last_updated,omitempty"`
}

type fileModel struct {
	Window fileWindow `json:"window"`
	Totals fileTotals `json:"totals"`
}

type fileWindow struct {
	RequestCount int     `json:"request_count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	ApproxCost   float64 `json:"approx_cost"`
	StartedAt    float64 `json:"started_at,omitempty"`
	StartedHuman string  `json:"started_at_human,omitempty"`
	ResetAt      float64 `json:"reset_at,omitempty"`
	ResetHuman   string  `json:"reset_at_human,omitempty"`
	Limit        int     `json:"limit,omitempty"`
	PeakCount    int     `json:"max_recorded_requests,omitempty"`
	FirstUsed    float64 `json:"first_used_at,omitempty"`
	LastUsed     float64 `json:"last_used_at,omitempty"`
}

type fileTotals struct {
	RequestCount int     `json:"request_count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	ApproxCost   float64 `json:"approx_cost"`
	FirstUsed    float64 `json:"first_used_at,omitempty"`
	LastUsed     float64 `json:"last_used_at,omitempty"`
}

type fileCooldown struct {
	Reason       string  `json:"reason"`
	Until        float64 `json:"until"`
	UntilHuman   string  `json:"until_human,omitempty"`
	StartedAt    float64 `json:"started_at"`
	BackoffCount int     `json:"backoff_count,omitempty"`
}

type fileCycle struct {
	Exhausted   bool    `json:"exhausted"`
	ExhaustedAt float64 `json:"exhausted_at,omitempty"`
	Reason      string  `json:"exhausted_reason,omitempty"`
	CycleCount  int     `json:"cycle_request_count"`
	StartedAt   float64 `json:"cycle_started_at,omitempty"`
}

func unixF(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli()) / 1000.0
}

func fromUnixF(f float64) time.Time {
	if f == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(f * 1000))
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

// markDirty schedules a save. Writes are debounced; the background flusher
// and shutdown pick up whatever the debounce skipped.
func (m *Manager) markDirty() {
	if m.persist == nil {
		return
	}
	m.persist.mu.Lock()
	m.persist.dirty = true
	due := m.now().Sub(m.persist.lastSave) >= SaveDebounce
	m.persist.mu.Unlock()
	if due {
		m.Save()
	}
}

// Save serializes the full state through the resilient writer. The write
// itself never fails; a disk error leaves the payload queued for retry.
func (m *Manager) Save() {
	if m.persist == nil {
		return
	}
	now := m.now()
	doc := m.snapshotDoc(now)

	m.persist.mu.Lock()
	m.persist.lastSave = now
	m.persist.dirty = false
	m.persist.mu.Unlock()

	m.persist.writer.Write(doc)
}

// SaveIfDirty flushes pending changes. Called by the engine's ticker and on
// shutdown.
func (m *Manager) SaveIfDirty() {
	if m.persist == nil {
		return
	}
	m.persist.mu.Lock()
	dirty := m.persist.dirty
	m.persist.mu.Unlock()
	if dirty {
		m.Save()
	}
}

func (m *Manager) snapshotDoc(now time.Time) fileDoc {
	doc := fileDoc{
		SchemaVersion: schemaVersion,
		UpdatedAt:     now.UTC().Format(time.RFC3339),
		Credentials:   make(map[string]fileCred),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, st := range m.creds {
		st.mu.Lock()
		doc.Credentials[id] = serializeCred(st, now)
		st.mu.Unlock()
	}
	return doc
}

func serializeCred(st *credState, now time.Time) fileCred {
	fc := fileCred{
		Tier:        st.tier,
		ModelUsage:  make(map[string]fileModel, len(st.models)),
		Totals:      serializeTotals(st.totals),
		Cooldowns:   make(map[string]fileCooldown),
		FairCycle:   make(map[string]fileCycle, len(st.cycle)),
		CreatedAt:   unixF(st.createdAt),
		LastUpdated: unixF(st.lastUpdated),
	}
	for model, ms := range st.models {
		fc.ModelUsage[model] = fileModel{
			Window: fileWindow{
				RequestCount: ms.Window.RequestCount,
				SuccessCount: ms.Window.SuccessCount,
				FailureCount: ms.Window.FailureCount,
				PromptTokens: ms.Window.PromptTokens,
				OutputTokens: ms.Window.OutputTokens,
				TotalTokens:  ms.Window.TotalTokens,
				ApproxCost:   ms.Window.ApproxCost,
				StartedAt:    unixF(ms.Window.StartedAt),
				StartedHuman: humanTime(ms.Window.StartedAt),
				ResetAt:      unixF(ms.Window.ResetAt),
				ResetHuman:   humanTime(ms.Window.ResetAt),
				Limit:        ms.Window.Limit,
				PeakCount:    ms.Window.PeakCount,
				FirstUsed:    unixF(ms.Window.FirstUsed),
				LastUsed:     unixF(ms.Window.LastUsed),
			},
			Totals: serializeTotals(ms.Totals),
		}
	}
	// Only active cooldowns survive a save; expired ones are noise.
	for scope, cd := range st.cooldown {
		if !cd.Active(now) {
			continue
		}
		fc.Cooldowns[scope] = fileCooldown{
			Reason:       cd.Reason,
			Until:        unixF(cd.Until),
			UntilHuman:   humanTime(cd.Until),
			StartedAt:    unixF(cd.StartedAt),
			BackoffCount: cd.BackoffCount,
		}
	}
	for scope, cyc := range st.cycle {
		fc.FairCycle[scope] = fileCycle{
			Exhausted:   cyc.Exhausted,
			ExhaustedAt: unixF(cyc.ExhaustedAt),
			Reason:      cyc.Reason,
			CycleCount:  cyc.CycleCount,
			StartedAt:   unixF(cyc.StartedAt),
		}
	}
	return fc
}

func serializeTotals(t TotalStats) fileTotals {
	return fileTotals{
		RequestCount: t.RequestCount,
		SuccessCount: t.SuccessCount,
		FailureCount: t.FailureCount,
		PromptTokens: t.PromptTokens,
		OutputTokens: t.OutputTokens,
		TotalTokens:  t.TotalTokens,
		ApproxCost:   t.ApproxCost,
		FirstUsed:    unixF(t.FirstUsed),
		LastUsed:     unixF(t.LastUsed),
	}
}

// Load restores persisted state for known credentials. Unknown schema
// versions are migrated; a corrupt file is logged and treated as empty.
func (m *Manager) Load() error {
	if m.persist == nil {
		return nil
	}
	var raw map[string]any
	if err := statefile.ReadJSON(m.persist.path, &raw); err != nil {
		return nil // missing or unreadable file starts fresh
	}

	creds, _ := raw["credentials"].(map[string]any)
	if creds == nil {
		// v1 kept states under key_states with accessor keys.
		creds, _ = raw["key_states"].(map[string]any)
		if creds != nil {
			log.Info("migrating usage data", "provider", m.cfg.Provider, "from_version", 1, "to_version", schemaVersion)
		}
	}
	if creds == nil {
		return nil
	}

	var doc fileDoc
	doc.Credentials = make(map[string]fileCred, len(creds))
	if err := remarshal(creds, &doc.Credentials); err != nil {
		log.Warn("unreadable usage file, starting fresh", "path", m.persist.path, "error", err)
		return nil
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, fcred := range doc.Credentials {
		st, ok := m.creds[id]
		if !ok {
			// Credential no longer configured; drop its state.
			continue
		}
		st.mu.Lock()
		restoreCred(st, fcred, now)
		st.mu.Unlock()
	}
	return nil
}

func restoreCred(st *credState, fc fileCred, now time.Time) {
	st.totals = restoreTotals(fc.Totals)
	st.createdAt = fromUnixF(fc.CreatedAt)
	st.lastUpdated = fromUnixF(fc.LastUpdated)
	for model, fm := range fc.ModelUsage {
		st.models[model] = &modelStats{
			Window: WindowStats{
				RequestCount: fm.Window.RequestCount,
				SuccessCount: fm.Window.SuccessCount,
				FailureCount: fm.Window.FailureCount,
				PromptTokens: fm.Window.PromptTokens,
				OutputTokens: fm.Window.OutputTokens,
				TotalTokens:  fm.Window.TotalTokens,
				ApproxCost:   fm.Window.ApproxCost,
				StartedAt:    fromUnixF(fm.Window.StartedAt),
				ResetAt:      fromUnixF(fm.Window.ResetAt),
				Limit:        fm.Window.Limit,
				PeakCount:    fm.Window.PeakCount,
				FirstUsed:    fromUnixF(fm.Window.FirstUsed),
				LastUsed:     fromUnixF(fm.Window.LastUsed),
			},
			Totals: restoreTotals(fm.Totals),
		}
	}
	for scope, fcd := range fc.Cooldowns {
		cd := &Cooldown{
			Reason:       fcd.Reason,
			Until:        fromUnixF(fcd.Until),
			StartedAt:    fromUnixF(fcd.StartedAt),
			BackoffCount: fcd.BackoffCount,
		}
		if cd.Active(now) {
			st.cooldown[scope] = cd
		}
	}
	for scope, fcy := range fc.FairCycle {
		st.cycle[scope] = &fairCycleState{
			Exhausted:   fcy.Exhausted,
			ExhaustedAt: fromUnixF(fcy.ExhaustedAt),
			Reason:      fcy.Reason,
			CycleCount:  fcy.CycleCount,
			StartedAt:   fromUnixF(fcy.StartedAt),
		}
	}
}

// remarshal converts a decoded any-tree into a typed structure.
func remarshal(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func restoreTotals(ft fileTotals) TotalStats {
	return TotalStats{
		RequestCount: ft.RequestCount,
		SuccessCount: ft.SuccessCount,
		FailureCount: ft.FailureCount,
		PromptTokens: ft.PromptTokens,
		OutputTokens: ft.OutputTokens,
		TotalTokens:  ft.TotalTokens,
		ApproxCost:   ft.ApproxCost,
		FirstUsed:    fromUnixF(ft.FirstUsed),
		LastUsed:     fromUnixF(ft.LastUsed),
	}
}
