// Package scheduler picks the credential that serves each attempt. It is
// the only component that sees both token freshness and quota state; the
// two managers stay oblivious of each other.
package scheduler

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/majorcontext/relay/internal/apierr"
	"github.com/majorcontext/relay/internal/log"
	"github.com/majorcontext/relay/internal/usage"
)

// TokenSource answers whether a credential can currently produce an auth
// header. Satisfied by the oauth manager.
type TokenSource interface {
	Available(id string) bool
}

// Scheduler selects credentials for one provider.
type Scheduler struct {
	provider string
	creds    func() []string // current credential IDs, stable order
	tokens   TokenSource
	quota    *usage.Manager
	minTier  func(model string) int // adapter's model floor; nil means none

	mu     sync.Mutex
	notify chan struct{}

	rng func() float64
	now func() time.Time
}

// New creates a scheduler. creds lists the provider's credential IDs;
// minTier may be nil when every model is open to every tier.
func New(provider string, creds func() []string, tokens TokenSource, quota *usage.Manager, minTier func(string) int) *Scheduler {
	s := &Scheduler{
		provider: provider,
		creds:    creds,
		tokens:   tokens,
		quota:    quota,
		minTier:  minTier,
		notify:   make(chan struct{}),
		rng:      rand.Float64,
		now:      time.Now,
	}
	quota.OnChange(s.Wake)
	return s
}

// SetNow overrides the clock. For testing.
func (s *Scheduler) SetNow(fn func() time.Time) { s.now = fn }

// SetRand overrides the randomness source. For testing.
func (s *Scheduler) SetRand(fn func() float64) { s.rng = fn }

// Wake re-runs selection for all waiters. Called on slot release, cooldown
// changes, and credential reloads.
func (s *Scheduler) Wake() {
	s.mu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func (s *Scheduler) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Lease is a reserved attempt slot on a credential. Exactly one Release
// call returns it.
type Lease struct {
	ID    string
	Model string

	once  sync.Once
	quota *usage.Manager
}

// Release returns the slot and records the attempt outcome.
func (l *Lease) Release(out usage.Outcome) {
	l.once.Do(func() {
		l.quota.EndAttempt(l.ID, l.Model, out)
	})
}

// Acquire picks an available credential for the model, waiting for releases
// or cooldown expiries when none is immediately usable. It fails with
// apierr.NoCredentialsError once ctx's deadline passes.
func (s *Scheduler) Acquire(ctx context.Context, model string) (*Lease, error) {
	for {
		now := s.now()
		ids := s.creds()
		if len(ids) == 0 {
			return nil, &apierr.NoCredentialsError{Provider: s.provider, Model: model}
		}

		open, cycleBlocked := s.filter(ids, model, now)
		if lease := s.tryAcquire(open, model); lease != nil {
			return lease, nil
		}

		// Everything usable is excluded only by the fair cycle: when no
		// cooldown gates a reset, clear the cycle now; otherwise the cycle
		// turns over at the earliest reset, which the wait below covers.
		if len(open) == 0 && len(cycleBlocked) > 0 {
			if _, gated := s.quota.EarliestReset(ids, model, now); !gated {
				if s.quota.ResetCycleIfAllExhausted(ids, model) {
					continue
				}
			}
		}

		if err := s.wait(ctx, ids, model, now); err != nil {
			return nil, err
		}
		s.quota.ResetCycleIfAllExhausted(ids, model)
	}
}

// filter applies the exclusion rules: token availability, cooldowns, tier
// floors, then fair-cycle exhaustion. It returns the selectable set and the
// set held back only by the fair cycle.
func (s *Scheduler) filter(ids []string, model string, now time.Time) (open, cycleBlocked []string) {
	floor := 0
	if s.minTier != nil {
		floor = s.minTier(model)
	}
	for _, id := range ids {
		if !s.tokens.Available(id) {
			continue
		}
		if !s.quota.Available(id, model, now) {
			continue
		}
		if s.quota.Tier(id) < floor {
			continue
		}
		if s.quota.CycleExhausted(id, model) {
			cycleBlocked = append(cycleBlocked, id)
			continue
		}
		open = append(open, id)
	}
	return open, cycleBlocked
}

// tryAcquire walks tiers in ascending order, idle credentials before busy
// ones, and reserves a slot on the first pick that is not overloaded.
func (s *Scheduler) tryAcquire(open []string, model string) *Lease {
	byTier := make(map[int][]string)
	var tiers []int
	for _, id := range open {
		t := s.quota.Tier(id)
		if _, ok := byTier[t]; !ok {
			tiers = append(tiers, t)
		}
		byTier[t] = append(byTier[t], id)
	}
	sort.Ints(tiers)

	for _, tier := range tiers {
		var idle, busy []string
		for _, id := range byTier[tier] {
			if s.quota.InFlight(id) == 0 {
				idle = append(idle, id)
			} else {
				busy = append(busy, id)
			}
		}
		for _, sub := range [][]string{idle, busy} {
			for len(sub) > 0 {
				i := s.pick(sub, model)
				id := sub[i]
				if err := s.quota.BeginAttempt(id, model); err == nil {
					s.quota.NoteCycleUse(id, model)
					return &Lease{ID: id, Model: model, quota: s.quota}
				}
				sub = append(sub[:i], sub[i+1:]...)
			}
		}
	}
	return nil
}

// pick chooses an index in candidates per the provider's rotation mode.
func (s *Scheduler) pick(candidates []string, model string) int {
	if len(candidates) == 1 {
		return 0
	}
	counts := make([]int, len(candidates))
	for i, id := range candidates {
		counts[i] = s.quota.WindowCount(id, model)
	}

	if s.quota.RotationMode() == usage.RotateSequential {
		// Sticky: stay on the most-used credential while it works.
		best := 0
		for i, c := range counts {
			if c > counts[best] {
				best = i
			}
		}
		return best
	}

	// Balanced: weighted random biased toward lowest usage. Tolerance zero
	// degenerates to strict least-used.
	minCount := counts[0]
	for _, c := range counts {
		if c < minCount {
			minCount = c
		}
	}
	tol := s.quota.RotationTolerance()
	if tol <= 0 {
		best := 0
		for i, c := range counts {
			if c < counts[best] {
				best = i
			}
		}
		return best
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range counts {
		weights[i] = math.Exp(-float64(c-minCount) / tol)
		total += weights[i]
	}
	r := s.rng() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// wait blocks until a wake, the earliest known cooldown reset, or the
// context deadline, whichever comes first.
func (s *Scheduler) wait(ctx context.Context, ids []string, model string, now time.Time) error {
	ch := s.waitCh()

	var resetTimer *time.Timer
	var resetC <-chan time.Time
	earliest, ok := s.quota.EarliestReset(ids, model, now)
	if ok {
		d := earliest.Sub(now)
		if d < 0 {
			d = 0
		}
		resetTimer = time.NewTimer(d)
		resetC = resetTimer.C
		defer resetTimer.Stop()
	}

	select {
	case <-ch:
		return nil
	case <-resetC:
		return nil
	case <-ctx.Done():
		err := &apierr.NoCredentialsError{Provider: s.provider, Model: model}
		if ok {
			err.NextReset = earliest
		}
		log.Debug("no credential available before deadline",
			"provider", s.provider, "model", model, "next_reset", earliest)
		return err
	}
}
