// Package usage tracks per-credential, per-model consumption windows,
// cooldowns, quota groups, and fair-cycle exhaustion for one provider.
package usage

import (
	"time"

	"github.com/majorcontext/relay/internal/apierr"
)

// ResetMode selects how a usage window rolls over for a priority tier.
type ResetMode int

const (
	// ResetPerModel keeps an independent window per model, advanced by
	// authoritative quota resets from the provider.
	ResetPerModel ResetMode = iota
	// ResetCredential keeps one window per credential of WindowDuration.
	ResetCredential
	// ResetDaily rolls all windows at a fixed UTC hour.
	ResetDaily
)

func (m ResetMode) String() string {
	switch m {
	case ResetCredential:
		return "credential"
	case ResetDaily:
		return "daily"
	default:
		return "per_model"
	}
}

// RotationMode selects how the scheduler picks among available credentials.
type RotationMode int

const (
	// RotateBalanced picks weighted-random biased toward lowest usage.
	RotateBalanced RotationMode = iota
	// RotateSequential sticks to the most-used credential while it lasts.
	RotateSequential
)

// TokenUsage is the token accounting reported by an upstream response.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	ThinkingTokens   int
	CacheReadTokens  int
	CacheWriteTokens int
	TotalTokens      int
	ApproxCost       float64
}

// WindowStats is the rolling counter set for one usage window.
type WindowStats struct {
	RequestCount int     `json:"request_count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	ApproxCost   float64 `json:"approx_cost"`

	StartedAt  time.Time `json:"-"`
	ResetAt    time.Time `json:"-"`
	FirstUsed  time.Time `json:"-"`
	LastUsed   time.Time `json:"-"`
	Limit      int       `json:"limit,omitempty"`
	PeakCount  int       `json:"max_recorded_requests,omitempty"`
	PeakSeenAt time.Time `json:"-"`
}

// TotalStats accumulates over the credential's lifetime; never reset.
type TotalStats struct {
	RequestCount int     `json:"request_count"`
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	PromptTokens int     `json:"prompt_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	ApproxCost   float64 `json:"approx_cost"`

	FirstUsed time.Time `json:"-"`
	LastUsed  time.Time `json:"-"`
}

func (t *TotalStats) add(u TokenUsage, success bool, now time.Time) {
	t.RequestCount++
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	t.PromptTokens += u.PromptTokens
	t.OutputTokens += u.CompletionTokens + u.ThinkingTokens
	t.TotalTokens += u.TotalTokens
	t.ApproxCost += u.ApproxCost
	if t.FirstUsed.IsZero() {
		t.FirstUsed = now
	}
	t.LastUsed = now
}

// Cooldown excludes a scope (model, group, or the whole credential) from
// selection until its deadline.
type Cooldown struct {
	Reason       string
	Until        time.Time
	StartedAt    time.Time
	BackoffCount int
}

// Active reports whether the cooldown still binds at now.
func (c *Cooldown) Active(now time.Time) bool {
	return c != nil && c.Until.After(now)
}

// credentialWide is the cooldown scope covering every model on a credential.
const credentialWide = "__credential__"

// fairCycleState marks a (credential, scope) pair exhausted for the current
// rotation cycle. StartedAt bounds the cycle's lifetime: past CycleDuration
// the exclusion no longer holds.
type fairCycleState struct {
	Exhausted   bool
	ExhaustedAt time.Time
	Reason      string
	CycleCount  int
	StartedAt   time.Time
}

// modelStats bundles the live window and lifetime totals for one model.
type modelStats struct {
	Window WindowStats
	Totals TotalStats
}

// Outcome describes the result of a finished attempt.
type Outcome struct {
	Success bool
	Usage   TokenUsage
	// Skip releases the slot without counting the attempt, for leases
	// returned unused.
	Skip bool
	// Failure classification. Ignored when Success or Skip.
	Kind       apierr.Kind
	ResetAt    time.Time
	RetryAfter time.Duration
}
