// Package policy decides which registry rows survive a sweep.
package policy

import (
	"time"

	"github.com/IvanBrykalov/diskcache/registry"
)

// Candidate is one registry row together with what the sweep found on disk.
type Candidate struct {
	Function string
	Entry    registry.Entry
	Path     string // absolute artifact path
	Exists   bool
	ModTime  time.Time
	Size     int64
}

// AgeDays returns the candidate's age in whole days.
func (c Candidate) AgeDays(now time.Time) int { return AgeDays(now, c.ModTime) }

// Decision is a policy's verdict for one candidate.
type Decision int

const (
	// Keep leaves row and artifact untouched.
	Keep Decision = iota
	// DropRow removes the row only (its artifact is already gone).
	DropRow
	// Evict deletes the artifact and removes the row.
	Evict
)

func (d Decision) String() string {
	switch d {
	case DropRow:
		return "drop"
	case Evict:
		return "evict"
	default:
		return "keep"
	}
}

// Policy is applied per function during a sweep. Decide returns one decision
// per candidate, in order. Policies must not touch the filesystem; the sweep
// performs every deletion.
type Policy interface {
	Name() string
	Decide(now time.Time, fn string, cands []Candidate) []Decision
}

// AgeDays returns the whole days elapsed between mod and now (never negative).
func AgeDays(now, mod time.Time) int {
	d := now.Sub(mod)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// Chain applies policies in order. For each candidate the first decision
// other than Keep wins.
func Chain(ps ...Policy) Policy { return chain(ps) }

type chain []Policy

func (c chain) Name() string {
	name := ""
	for i, p := range c {
		if i > 0 {
			name += "+"
		}
		name += p.Name()
	}
	return name
}

func (c chain) Decide(now time.Time, fn string, cands []Candidate) []Decision {
	out := make([]Decision, len(cands))
	// Later policies only see what earlier ones kept.
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	for _, p := range c {
		if len(idx) == 0 {
			break
		}
		sub := make([]Candidate, len(idx))
		for j, i := range idx {
			sub[j] = cands[i]
		}
		decisions := p.Decide(now, fn, sub)
		next := idx[:0]
		for j, i := range idx {
			if j < len(decisions) && decisions[j] != Keep {
				out[i] = decisions[j]
				continue
			}
			next = append(next, i)
		}
		idx = next
	}
	return out
}
