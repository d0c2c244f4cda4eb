package lru

import (
	"testing"
	"time"

	"github.com/IvanBrykalov/diskcache/policy"
)

// --- helpers ---

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func cand(age time.Duration, exists bool) policy.Candidate {
	return policy.Candidate{Function: "f", Exists: exists, ModTime: now.Add(-age)}
}

// --- tests ---

// Under the cap nothing is evicted.
func TestLRU_UnderCapKeepsAll(t *testing.T) {
	t.Parallel()

	p := New(3)
	got := p.Decide(now, "f", []policy.Candidate{cand(time.Hour, true), cand(2*time.Hour, true)})
	for i, d := range got {
		if d != policy.Keep {
			t.Fatalf("candidate %d: want keep, got %s", i, d)
		}
	}
}

// Surplus rows are evicted oldest-mtime first, regardless of row order.
func TestLRU_EvictsOldest(t *testing.T) {
	t.Parallel()

	p := New(2)
	cands := []policy.Candidate{
		cand(3*time.Hour, true), // oldest -> evict
		cand(1*time.Hour, true),
		cand(2*time.Hour, true),
		cand(5*time.Hour, false), // missing, not counted
	}
	got := p.Decide(now, "f", cands)
	want := []policy.Decision{policy.Evict, policy.Keep, policy.Keep, policy.Keep}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

// Equal mtimes keep the most recently appended row.
func TestLRU_TieKeepsLaterRow(t *testing.T) {
	t.Parallel()

	p := New(1)
	got := p.Decide(now, "f", []policy.Candidate{cand(time.Hour, true), cand(time.Hour, true)})
	if got[0] != policy.Evict || got[1] != policy.Keep {
		t.Fatalf("want [evict keep], got %v", got)
	}
}

// A non-positive cap disables the policy.
func TestLRU_Disabled(t *testing.T) {
	t.Parallel()

	got := New(0).Decide(now, "f", []policy.Candidate{cand(time.Hour, true), cand(time.Hour, true)})
	if got[0] != policy.Keep || got[1] != policy.Keep {
		t.Fatalf("disabled policy must keep everything, got %v", got)
	}
}
