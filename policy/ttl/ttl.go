// Package ttl implements the age-based sweep rule: rows whose artifact is
// gone are dropped, artifacts older than their max_age_days are evicted.
package ttl

import (
	"time"

	"github.com/IvanBrykalov/diskcache/policy"
	"github.com/IvanBrykalov/diskcache/registry"
)

type ttl struct{}

// New returns the TTL policy.
func New() policy.Policy { return ttl{} }

func (ttl) Name() string { return "ttl" }

func (ttl) Decide(now time.Time, _ string, cands []policy.Candidate) []policy.Decision {
	out := make([]policy.Decision, len(cands))
	for i, c := range cands {
		out[i] = Decide(now, c)
	}
	return out
}

// Decide applies the rule to a single candidate.
func Decide(now time.Time, c policy.Candidate) policy.Decision {
	switch {
	case !c.Exists:
		return policy.DropRow
	case Expired(now, c.ModTime, c.Entry.MaxAgeDays):
		return policy.Evict
	default:
		return policy.Keep
	}
}

// Expired reports whether an artifact last written at mod is past maxAgeDays.
// Age is counted in whole days, so an artifact exactly maxAgeDays old is
// still fresh.
func Expired(now, mod time.Time, maxAgeDays int) bool {
	if maxAgeDays <= registry.Unlimited {
		return false
	}
	return policy.AgeDays(now, mod) > maxAgeDays
}
