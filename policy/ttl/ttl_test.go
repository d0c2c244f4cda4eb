package ttl

import (
	"testing"
	"time"

	"github.com/IvanBrykalov/diskcache/policy"
	"github.com/IvanBrykalov/diskcache/policy/lru"
	"github.com/IvanBrykalov/diskcache/registry"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func cand(age time.Duration, maxAge int, exists bool) policy.Candidate {
	return policy.Candidate{
		Function: "f",
		Entry:    registry.Entry{MaxAgeDays: maxAge},
		Exists:   exists,
		ModTime:  now.Add(-age),
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	day := 24 * time.Hour
	cases := []struct {
		name   string
		age    time.Duration
		maxAge int
		want   bool
	}{
		{"fresh", time.Hour, 2, false},
		{"exactly max", 2 * day, 2, false},
		{"partial day over max", 2*day + 23*time.Hour, 2, false},
		{"three days vs two", 3 * day, 2, true},
		{"unlimited", 1000 * day, registry.Unlimited, false},
		{"future mtime", -day, 1, false},
	}
	for _, tc := range cases {
		if got := Expired(now, now.Add(-tc.age), tc.maxAge); got != tc.want {
			t.Errorf("%s: Expired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestTTL_Decide(t *testing.T) {
	t.Parallel()

	day := 24 * time.Hour
	got := New().Decide(now, "f", []policy.Candidate{
		cand(time.Hour, 2, true),
		cand(3*day, 2, true),
		cand(time.Hour, 2, false),
		cand(400*day, registry.Unlimited, true),
	})
	want := []policy.Decision{policy.Keep, policy.Evict, policy.DropRow, policy.Keep}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

// In a chain the first non-keep verdict wins and later policies only see survivors.
func TestChain_FirstVerdictWins(t *testing.T) {
	t.Parallel()

	day := 24 * time.Hour
	p := policy.Chain(New(), lru.New(1))
	if p.Name() != "ttl+lru" {
		t.Fatalf("unexpected chain name %q", p.Name())
	}
	got := p.Decide(now, "f", []policy.Candidate{
		cand(5*day, 2, true),     // expired -> ttl evicts
		cand(time.Hour, 0, true), // newest live -> kept
		cand(2*time.Hour, 0, true),
		cand(time.Hour, 0, false), // missing -> ttl drops
	})
	want := []policy.Decision{policy.Evict, policy.Keep, policy.Evict, policy.DropRow}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: want %s, got %s", i, want[i], got[i])
		}
	}
}
