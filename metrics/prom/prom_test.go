package prom

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/IvanBrykalov/diskcache/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := New(reg, "diskcache", "test", nil)

	a.Hit("f")
	a.Hit("f")
	a.Miss("f")
	a.NoCache("g")
	a.Evict(cache.EvictTTL)
	a.Evict(cache.EvictOrphan)
	a.Evict(cache.EvictTTL)
	a.Stored("f", 100)
	a.Stored("f", 28)
	a.LockTimeout()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.hits.WithLabelValues("f")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses.WithLabelValues("f")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.nocache.WithLabelValues("g")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.evicts.WithLabelValues("ttl")))
	assert.Equal(t, 128.0, testutil.ToFloat64(a.storedBytes.WithLabelValues("f")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.lockTimeouts))

	expected := `
# HELP diskcache_test_evictions_total Cache evictions by reason
# TYPE diskcache_test_evictions_total counter
diskcache_test_evictions_total{reason="orphan"} 1
diskcache_test_evictions_total{reason="ttl"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "diskcache_test_evictions_total"))
}

// The adapter plugs into a Store and sees real traffic.
func TestAdapter_WithStore(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := New(reg, "diskcache", "", prometheus.Labels{"app": "test"})
	s, err := cache.Open(context.Background(), cache.Options{
		Dir:     t.TempDir(),
		Metrics: a,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := cache.Wrap(s, "double", func(_ context.Context, c cache.Call) (cache.Outcome[int], error) {
		return cache.Computed(2 * c.Args[0].(int)), nil
	})
	for i := 0; i < 3; i++ {
		_, err := f.Call(context.Background(), cache.Args(21))
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(a.hits.WithLabelValues("double")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses.WithLabelValues("double")))
	assert.Positive(t, testutil.ToFloat64(a.storedBytes.WithLabelValues("double")))
}
