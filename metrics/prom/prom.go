// Package prom exports cache.Metrics signals as Prometheus metrics.
package prom

import (
	"github.com/IvanBrykalov/diskcache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter is a cache.Metrics backed by Prometheus counters. Per-function
// series are labeled with the registry function name.
type Adapter struct {
	hits         *prometheus.CounterVec
	misses       *prometheus.CounterVec
	nocache      *prometheus.CounterVec
	evicts       *prometheus.CounterVec
	storedBytes  *prometheus.CounterVec
	lockTimeouts prometheus.Counter
}

// New registers the diskcache counters on reg (prometheus.DefaultRegisterer
// when nil). ns and sub become the metric namespace and subsystem;
// constLabels, which may be nil, is attached to every series.
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels}
	}
	byFunc := []string{"function"}

	a := &Adapter{
		hits:         prometheus.NewCounterVec(opts("hits_total", "Cache hits"), byFunc),
		misses:       prometheus.NewCounterVec(opts("misses_total", "Cache misses"), byFunc),
		nocache:      prometheus.NewCounterVec(opts("nocache_total", "Computed results the function asked not to cache"), byFunc),
		storedBytes:  prometheus.NewCounterVec(opts("stored_bytes_total", "Bytes written to artifact files"), byFunc),
		evicts:       prometheus.NewCounterVec(opts("evictions_total", "Cache evictions by reason"), []string{"reason"}),
		lockTimeouts: prometheus.NewCounter(opts("lock_timeouts_total", "File lock acquisitions that exceeded the wait budget")),
	}
	reg.MustRegister(a.hits, a.misses, a.nocache, a.storedBytes, a.evicts, a.lockTimeouts)
	return a
}

// Hit increments the hit counter of fn.
func (a *Adapter) Hit(fn string) { a.hits.WithLabelValues(fn).Inc() }

// Miss increments the miss counter of fn.
func (a *Adapter) Miss(fn string) { a.misses.WithLabelValues(fn).Inc() }

// NoCache increments the suppressed-result counter of fn.
func (a *Adapter) NoCache(fn string) { a.nocache.WithLabelValues(fn).Inc() }

// Evict counts one removed artifact or row, labeled by reason.
func (a *Adapter) Evict(r cache.EvictReason) { a.evicts.WithLabelValues(r.String()).Inc() }

// Stored adds the size of a newly written artifact.
func (a *Adapter) Stored(fn string, bytes int64) {
	a.storedBytes.WithLabelValues(fn).Add(float64(bytes))
}

// LockTimeout counts a lock acquisition that timed out.
func (a *Adapter) LockTimeout() { a.lockTimeouts.Inc() }

var _ cache.Metrics = (*Adapter)(nil)
