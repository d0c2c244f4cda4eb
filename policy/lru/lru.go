// Package lru caps the number of rows per function, evicting the
// least-recently-written artifacts first.
package lru

import (
	"sort"
	"time"

	"github.com/IvanBrykalov/diskcache/policy"
)

// lru keeps at most max live rows per function. Recency is the artifact's
// mtime: a recomputation rewrites the file and makes it most recent again.
type lru struct {
	max int
}

// New returns an LRU policy keeping at most maxEntries rows per function.
// maxEntries <= 0 disables the cap.
func New(maxEntries int) policy.Policy { return lru{max: maxEntries} }

func (p lru) Name() string { return "lru" }

// Decide evicts the oldest surplus candidates. Missing artifacts are left to
// other policies and do not count against the cap.
func (p lru) Decide(_ time.Time, _ string, cands []policy.Candidate) []policy.Decision {
	out := make([]policy.Decision, len(cands))
	if p.max <= 0 {
		return out
	}
	live := make([]int, 0, len(cands))
	for i, c := range cands {
		if c.Exists {
			live = append(live, i)
		}
	}
	if len(live) <= p.max {
		return out
	}
	// Newest first; ties keep the later row (the more recent append).
	sort.SliceStable(live, func(a, b int) bool {
		ta, tb := cands[live[a]].ModTime, cands[live[b]].ModTime
		if ta.Equal(tb) {
			return live[a] > live[b]
		}
		return ta.After(tb)
	})
	for _, i := range live[p.max:] {
		out[i] = policy.Evict
	}
	return out
}
