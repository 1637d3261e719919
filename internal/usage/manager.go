package usage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/log"
)

// ErrOverloaded means every concurrency slot for the credential is taken.
// The scheduler retries selection; callers never see this directly.
var ErrOverloaded = errors.New("credential at concurrency limit")

const (
	// AuthLockout is the credential-wide exclusion applied on auth failures
	// and on the dead-key heuristic.
	AuthLockout = 5 * time.Minute

	deadKeyWindow = time.Minute
	deadKeyModels = 3
)

// escalation is the per-(credential, model) cooldown ladder for rate limits
// without an authoritative reset.
var escalation = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second}

// Config describes quota behavior for one provider.
type Config struct {
	Provider      string
	MaxConcurrent int // per credential, before tier multiplier

	TierMultipliers map[int]float64
	ResetModes      map[int]ResetMode // tier -> mode; missing means per_model
	WindowDuration  time.Duration     // credential-mode window length
	DailyResetHour  int               // UTC hour for daily mode

	QuotaGroups map[string]string // model -> group name
	CustomCaps  []CustomCap

	FairCycle           bool
	ExhaustionThreshold time.Duration // cooldown length that marks exhaustion
	CycleDuration       time.Duration // age past which a cycle's exclusions clear

	RotationMode      RotationMode
	RotationTolerance float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 4
	}
	if out.WindowDuration <= 0 {
		out.WindowDuration = 24 * time.Hour
	}
	if out.ExhaustionThreshold <= 0 {
		out.ExhaustionThreshold = 5 * time.Minute
	}
	if out.CycleDuration <= 0 {
		out.CycleDuration = time.Hour
	}
	return out
}

type recentFailure struct {
	model string
	at    time.Time
}

// credState is all mutable accounting for one credential. Guarded by its
// own mutex so hot paths never contend across credentials.
type credState struct {
	mu sync.Mutex

	tier     int
	active   int                    // in-flight attempts, all models
	perModel map[string]int         // in-flight per model
	models   map[string]*modelStats // usage per model
	totals   TotalStats
	cooldown map[string]*Cooldown // model name, group name, or credentialWide
	cycle    map[string]*fairCycleState
	failures []recentFailure

	createdAt   time.Time
	lastUpdated time.Time
}

// Manager is the quota authority for one provider.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	creds map[string]*credState

	persist  *persister
	onChange func()
	now      func() time.Time
}

// NewManager creates a manager. statePath is the usage file location; empty
// disables persistence (tests).
func NewManager(cfg Config, statePath string) *Manager {
	m := &Manager{
		cfg:   cfg.withDefaults(),
		creds: make(map[string]*credState),
		now:   time.Now,
	}
	if statePath != "" {
		m.persist = newPersister(statePath)
	}
	return m
}

// SetNow overrides the clock. For testing.
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }

// OnChange registers a callback fired whenever availability may have
// improved (slot release, cooldown application is excluded). The scheduler
// uses it to wake waiters.
func (m *Manager) OnChange(fn func()) { m.onChange = fn }

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// Register declares a credential and its priority tier. Idempotent; a tier
// change is applied in place.
func (m *Manager) Register(id string, tier int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.creds[id]; ok {
		st.mu.Lock()
		st.tier = tier
		st.mu.Unlock()
		return
	}
	m.creds[id] = &credState{
		tier:      tier,
		perModel:  make(map[string]int),
		models:    make(map[string]*modelStats),
		cooldown:  make(map[string]*Cooldown),
		cycle:     make(map[string]*fairCycleState),
		createdAt: m.now(),
	}
}

// Forget drops a credential's state, for example after deletion.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	delete(m.creds, id)
	m.mu.Unlock()
	m.markDirty()
}

func (m *Manager) state(id string) (*credState, bool) {
	m.mu.RLock()
	st, ok := m.creds[id]
	m.mu.RUnlock()
	return st, ok
}

// Tier returns the registered priority tier for a credential.
func (m *Manager) Tier(id string) int {
	st, ok := m.state(id)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tier
}

// RotationMode returns the provider's configured rotation mode.
func (m *Manager) RotationMode() RotationMode { return m.cfg.RotationMode }

// RotationTolerance returns the balanced-mode randomization bias.
func (m *Manager) RotationTolerance() float64 { return m.cfg.RotationTolerance }

// Group returns the quota group for a model, or "".
func (m *Manager) Group(model string) string { return m.cfg.QuotaGroups[model] }

func (m *Manager) groupMembers(group string) []string {
	var out []string
	for model, g := range m.cfg.QuotaGroups {
		if g == group {
			out = append(out, model)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) effectiveConcurrency(tier int) int {
	mult := 1.0
	if v, ok := m.cfg.TierMultipliers[tier]; ok && v > 0 {
		mult = v
	}
	n := int(math.Ceil(float64(m.cfg.MaxConcurrent) * mult))
	if n < 1 {
		n = 1
	}
	return n
}

func (m *Manager) resetMode(tier int) ResetMode {
	if mode, ok := m.cfg.ResetModes[tier]; ok {
		return mode
	}
	return ResetPerModel
}

// BeginAttempt reserves a concurrency slot. ErrOverloaded when the
// credential is at its effective cap; availability is NOT rechecked here,
// the scheduler does that first.
func (m *Manager) BeginAttempt(id, model string) error {
	st, ok := m.state(id)
	if !ok {
		return fmt.Errorf("unknown credential %s", id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active >= m.effectiveConcurrency(st.tier) {
		return ErrOverloaded
	}
	st.active++
	st.perModel[model]++
	return nil
}

// EndAttempt releases the slot taken by BeginAttempt and applies the
// outcome: counters on success, cooldowns per the failure kind otherwise.
func (m *Manager) EndAttempt(id, model string, out Outcome) {
	st, ok := m.state(id)
	if !ok {
		return
	}
	now := m.now()

	st.mu.Lock()
	if st.active > 0 {
		st.active--
	}
	if st.perModel[model] > 0 {
		st.perModel[model]--
		if st.perModel[model] == 0 {
			delete(st.perModel, model)
		}
	}
	st.lastUpdated = now

	if out.Skip {
		st.mu.Unlock()
		m.notify()
		return
	}
	if out.Success {
		m.recordSuccess(st, model, out.Usage, now)
		st.mu.Unlock()
		m.markDirty()
		m.notify()
		return
	}

	m.recordFailure(st, id, model, out, now)
	st.mu.Unlock()
	m.markDirty()
	// A released slot can still unblock a waiter even after a failure.
	m.notify()
}

// recordSuccess increments window and lifetime counters. Caller holds st.mu.
func (m *Manager) recordSuccess(st *credState, model string, u TokenUsage, now time.Time) {
	ms := m.modelStatsLocked(st, model, now)
	w := &ms.Window
	w.RequestCount++
	w.SuccessCount++
	w.PromptTokens += u.PromptTokens
	w.OutputTokens += u.CompletionTokens + u.ThinkingTokens
	w.TotalTokens += u.TotalTokens
	w.ApproxCost += u.ApproxCost
	if w.FirstUsed.IsZero() {
		w.FirstUsed = now
	}
	w.LastUsed = now
	if w.RequestCount > w.PeakCount {
		w.PeakCount = w.RequestCount
		w.PeakSeenAt = now
	}
	ms.Totals.add(u, true, now)
	st.totals.add(u, true, now)

	// Success clears the escalation ladder for the pair.
	if cd := st.cooldown[model]; cd != nil && !cd.Active(now) {
		delete(st.cooldown, model)
	}
	st.failures = nil
}

// recordFailure applies the taxonomy policy. Caller holds st.mu.
func (m *Manager) recordFailure(st *credState, id, model string, out Outcome, now time.Time) {
	ms := m.modelStatsLocked(st, model, now)
	ms.Window.RequestCount++
	ms.Window.FailureCount++
	ms.Window.LastUsed = now
	ms.Totals.add(TokenUsage{}, false, now)
	st.totals.add(TokenUsage{}, false, now)

	switch out.Kind {
	case apierr.KindAuthentication:
		m.lockCredentialLocked(st, "auth_failure", now)

	case apierr.KindQuota:
		reset := out.ResetAt
		if reset.IsZero() && out.RetryAfter > 0 {
			reset = now.Add(out.RetryAfter)
		}
		if !reset.IsZero() {
			m.applyResetLocked(st, model, reset, now)
		} else {
			m.escalateLocked(st, model, "quota", now)
		}

	case apierr.KindRateLimit:
		if !out.ResetAt.IsZero() {
			m.applyResetLocked(st, model, out.ResetAt, now)
		} else if out.RetryAfter > 0 {
			m.applyResetLocked(st, model, now.Add(out.RetryAfter), now)
		} else {
			m.escalateLocked(st, model, "rate_limit", now)
		}

	case apierr.KindTransientQuota:
		// Bare 429: rotate without a cooldown to preserve throughput.

	case apierr.KindServerError, apierr.KindTimeout, apierr.KindUnknown:
		m.escalateLocked(st, model, "server_error", now)
		m.noteFailureLocked(st, id, model, now)

	default:
		// ContextLength, ContentFilter, NotFound: client-side, no cooldown.
	}
}

// noteFailureLocked feeds the dead-key heuristic: several distinct models
// failing on one credential in quick succession suggests the key itself is
// dead, not the model.
func (m *Manager) noteFailureLocked(st *credState, id, model string, now time.Time) {
	cutoff := now.Add(-deadKeyWindow)
	kept := st.failures[:0]
	for _, f := range st.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	st.failures = append(kept, recentFailure{model: model, at: now})

	distinct := make(map[string]bool, len(st.failures))
	for _, f := range st.failures {
		distinct[f.model] = true
	}
	if len(distinct) >= deadKeyModels {
		log.Warn("credential failing across models, locking out",
			"provider", m.cfg.Provider,
			"credential", log.MaskCredential(id),
			"models", len(distinct))
		m.lockCredentialLocked(st, "dead_key", now)
		st.failures = nil
	}
}

func (m *Manager) lockCredentialLocked(st *credState, reason string, now time.Time) {
	until := now.Add(AuthLockout)
	if cd := st.cooldown[credentialWide]; cd.Active(now) && cd.Until.After(until) {
		return
	}
	st.cooldown[credentialWide] = &Cooldown{Reason: reason, Until: until, StartedAt: now}
	m.maybeExhaustLocked(st, credentialWide, until.Sub(now), reason, now)
}

// escalateLocked applies the next rung of the per-(credential, model)
// ladder. The rung index survives across attempts via BackoffCount.
func (m *Manager) escalateLocked(st *credState, model, reason string, now time.Time) {
	count := 0
	if cd := st.cooldown[model]; cd != nil {
		count = cd.BackoffCount
	}
	if count >= len(escalation) {
		count = len(escalation) - 1
	}
	until := now.Add(escalation[count])
	st.cooldown[model] = &Cooldown{
		Reason:       reason,
		Until:        until,
		StartedAt:    now,
		BackoffCount: count + 1,
	}
	m.maybeExhaustLocked(st, model, escalation[count], reason, now)
}

// ApplyQuotaReset sets the authoritative reset for a model and every member
// of its quota group, preserving any farther-future reset already present.
func (m *Manager) ApplyQuotaReset(id, model string, resetAt time.Time) {
	st, ok := m.state(id)
	if !ok {
		return
	}
	now := m.now()
	st.mu.Lock()
	m.applyResetLocked(st, model, resetAt, now)
	st.mu.Unlock()
	m.markDirty()
}

// applyResetLocked is ApplyQuotaReset under the credential lock.
func (m *Manager) applyResetLocked(st *credState, model string, resetAt, now time.Time) {
	targets := []string{model}
	if group := m.cfg.QuotaGroups[model]; group != "" {
		targets = append(targets, m.groupMembers(group)...)
	}
	for _, t := range targets {
		if cd := st.cooldown[t]; cd.Active(now) && cd.Until.After(resetAt) {
			continue
		}
		st.cooldown[t] = &Cooldown{Reason: "quota_reset", Until: resetAt, StartedAt: now}
		ms := m.modelStatsLocked(st, t, now)
		ms.Window.ResetAt = resetAt
	}
	m.maybeExhaustLocked(st, model, resetAt.Sub(now), "quota_reset", now)
}

// Available reports whether (credential, model) may serve a request at now.
func (m *Manager) Available(id, model string, now time.Time) bool {
	st, ok := m.state(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	m.rolloverLocked(st, model, now)

	if st.cooldown[credentialWide].Active(now) {
		return false
	}
	if st.cooldown[model].Active(now) {
		return false
	}
	if group := m.cfg.QuotaGroups[model]; group != "" && st.cooldown[group].Active(now) {
		return false
	}
	return !m.pastCapLocked(st, model, now)
}

// pastCapLocked enforces custom caps. A model-targeted cap charges the
// model's own window; a group-targeted cap charges the group's shared
// bucket, so every member's window counts against it and a breach closes
// the whole group. Breaching installs the policy cooldown so subsequent
// checks are cheap. Caller holds st.mu.
func (m *Manager) pastCapLocked(st *credState, model string, now time.Time) bool {
	group := m.cfg.QuotaGroups[model]
	cc, ok := resolveCap(m.cfg.CustomCaps, st.tier, model, group)
	if !ok || cc.Cap <= 0 {
		return false
	}

	scope := model
	count, limit := 0, 0
	limited := true
	var windows []*WindowStats
	var windowStart, naturalReset time.Time
	if group != "" && cc.Target == group {
		scope = group
		for _, member := range m.groupMembers(group) {
			m.rolloverLocked(st, member, now)
			ms, ok := st.models[member]
			if !ok {
				continue
			}
			windows = append(windows, &ms.Window)
			count += ms.Window.RequestCount
			if ms.Window.Limit > 0 {
				limit += ms.Window.Limit
			} else {
				limited = false
			}
			if windowStart.IsZero() || ms.Window.StartedAt.Before(windowStart) {
				windowStart = ms.Window.StartedAt
			}
			if !ms.Window.ResetAt.IsZero() && (naturalReset.IsZero() || ms.Window.ResetAt.Before(naturalReset)) {
				naturalReset = ms.Window.ResetAt
			}
		}
	} else {
		ms, ok := st.models[model]
		if !ok {
			return false
		}
		windows = append(windows, &ms.Window)
		count = ms.Window.RequestCount
		limit = ms.Window.Limit
		windowStart = ms.Window.StartedAt
		naturalReset = ms.Window.ResetAt
	}

	// Provider-reported maxima clamp configured caps.
	if limited && limit > 0 && limit < cc.Cap {
		cc.Cap = limit
	}
	if count < cc.Cap {
		return false
	}
	if windowStart.IsZero() {
		windowStart = now
	}
	until := capCooldownUntil(cc.Policy, windowStart, naturalReset, now)
	if until.After(now) {
		if cd := st.cooldown[scope]; !cd.Active(now) || until.After(cd.Until) {
			st.cooldown[scope] = &Cooldown{Reason: "custom_cap", Until: until, StartedAt: now}
		}
		// Without a natural boundary the cap cooldown ends the window, so
		// counters restart when the scope reopens.
		if naturalReset.IsZero() {
			for _, w := range windows {
				w.ResetAt = until
			}
		}
		return true
	}
	return false
}

// SetWindowLimit records the provider-reported request maximum for
// (credential, model). Custom caps clamp to it; the snapshot endpoint
// surfaces it.
func (m *Manager) SetWindowLimit(id, model string, limit int) {
	st, ok := m.state(id)
	if !ok || limit <= 0 {
		return
	}
	now := m.now()
	st.mu.Lock()
	ms := m.modelStatsLocked(st, model, now)
	changed := ms.Window.Limit != limit
	if changed {
		ms.Window.Limit = limit
		st.lastUpdated = now
	}
	st.mu.Unlock()
	if changed {
		m.markDirty()
	}
}

// NextReset returns the earliest instant at which (credential, model) could
// become available again, or zero when it is available now.
func (m *Manager) NextReset(id, model string, now time.Time) time.Time {
	st, ok := m.state(id)
	if !ok {
		return time.Time{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var latest time.Time
	consider := func(cd *Cooldown) {
		if cd.Active(now) && cd.Until.After(latest) {
			latest = cd.Until
		}
	}
	consider(st.cooldown[credentialWide])
	consider(st.cooldown[model])
	if group := m.cfg.QuotaGroups[model]; group != "" {
		consider(st.cooldown[group])
	}
	return latest
}

// EarliestReset returns the soonest reset across all credentials for a
// model. Used for the all-on-cooldown advisory and scheduler deadline waits.
func (m *Manager) EarliestReset(ids []string, model string, now time.Time) (time.Time, bool) {
	var earliest time.Time
	for _, id := range ids {
		next := m.NextReset(id, model, now)
		if next.IsZero() {
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest, !earliest.IsZero()
}

// InFlight returns the credential's current in-flight attempt count.
func (m *Manager) InFlight(id string) int {
	st, ok := m.state(id)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

// WindowCount returns the live window request count for (credential, model).
// The scheduler uses it for usage-weighted selection.
func (m *Manager) WindowCount(id, model string) int {
	st, ok := m.state(id)
	if !ok {
		return 0
	}
	now := m.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	m.rolloverLocked(st, model, now)
	ms, ok := st.models[model]
	if !ok {
		return 0
	}
	return ms.Window.RequestCount
}

// modelStatsLocked returns the stats bucket for a model, creating it with a
// fresh window when absent. Caller holds st.mu.
func (m *Manager) modelStatsLocked(st *credState, model string, now time.Time) *modelStats {
	ms, ok := st.models[model]
	if !ok {
		ms = &modelStats{Window: WindowStats{StartedAt: now}}
		if reset := m.naturalReset(st.tier, now); !reset.IsZero() {
			ms.Window.ResetAt = reset
		}
		st.models[model] = ms
	}
	return ms
}

// naturalReset computes the mode-derived window end for a fresh window.
func (m *Manager) naturalReset(tier int, now time.Time) time.Time {
	switch m.resetMode(tier) {
	case ResetCredential:
		return now.Add(m.cfg.WindowDuration)
	case ResetDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.DailyResetHour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next
	default:
		// per_model windows end only on authoritative resets.
		return time.Time{}
	}
}

// rolloverLocked resets the window when its reset instant has passed.
// Counters drop to zero and the window start advances. Caller holds st.mu.
func (m *Manager) rolloverLocked(st *credState, model string, now time.Time) {
	ms, ok := st.models[model]
	if !ok || ms.Window.ResetAt.IsZero() || ms.Window.ResetAt.After(now) {
		return
	}
	ms.Window = WindowStats{
		StartedAt: now,
		ResetAt:   m.naturalReset(st.tier, now),
		Limit:     ms.Window.Limit,
	}
	if cd := st.cooldown[model]; cd != nil && !cd.Until.After(now) {
		delete(st.cooldown, model)
	}
	m.clearExhaustionLocked(st, model)
}
