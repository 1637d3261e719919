package usage

import (
	"fmt"
	"strings"
	"time"
)

// CooldownPolicy decides when a capped scope becomes available again.
//
//	quota_reset          wait for the natural window reset
//	offset:<dur>         the breach instant plus a fixed offset
//	fixed:<dur>          the window start plus a fixed offset
type CooldownPolicy struct {
	Mode   string
	Offset time.Duration
}

// ParseCooldownPolicy parses the textual policy form used in config files.
func ParseCooldownPolicy(s string) (CooldownPolicy, error) {
	if s == "" || s == "quota_reset" {
		return CooldownPolicy{Mode: "quota_reset"}, nil
	}
	for _, prefix := range []string{"offset:", "fixed:"} {
		if strings.HasPrefix(s, prefix) {
			d, err := time.ParseDuration(strings.TrimPrefix(s, prefix))
			if err != nil {
				return CooldownPolicy{}, fmt.Errorf("parsing cooldown policy %q: %w", s, err)
			}
			return CooldownPolicy{Mode: strings.TrimSuffix(prefix, ":"), Offset: d}, nil
		}
	}
	return CooldownPolicy{}, fmt.Errorf("unknown cooldown policy %q", s)
}

// CustomCap limits requests for a (tier, model-or-group) pair below the
// provider's real maximum. Tier < 0 matches any tier.
type CustomCap struct {
	Tier   int    // -1 for default
	Target string // model name or quota group name
	Cap    int
	Policy CooldownPolicy
}

// resolveCap finds the cap binding a (tier, model, group) triple.
// Priority: tier+model > tier+group > default+model > default+group.
func resolveCap(caps []CustomCap, tier int, model, group string) (CustomCap, bool) {
	type match struct {
		cap  CustomCap
		rank int
	}
	best := match{rank: -1}
	for _, c := range caps {
		var rank int
		switch {
		case c.Tier == tier && c.Target == model:
			rank = 3
		case c.Tier == tier && group != "" && c.Target == group:
			rank = 2
		case c.Tier < 0 && c.Target == model:
			rank = 1
		case c.Tier < 0 && group != "" && c.Target == group:
			rank = 0
		default:
			continue
		}
		if rank > best.rank {
			best = match{cap: c, rank: rank}
		}
	}
	return best.cap, best.rank >= 0
}

// capCooldownUntil computes when a capped scope reopens. offset anchors at
// the breach instant, fixed at the window start; both are clamped so the
// cooldown never ends before the natural window reset.
func capCooldownUntil(policy CooldownPolicy, windowStart, naturalReset, now time.Time) time.Time {
	var until time.Time
	switch policy.Mode {
	case "offset":
		until = now.Add(policy.Offset)
	case "fixed":
		until = windowStart.Add(policy.Offset)
	default:
		if naturalReset.IsZero() {
			return now.Add(time.Hour)
		}
		return naturalReset
	}
	if until.Before(naturalReset) {
		until = naturalReset
	}
	return until
}
