package cache

// EvictReason explains why an artifact or row was removed.
type EvictReason int

const (
	// EvictPolicy: removed by the configured sweep policy (e.g. the LRU cap).
	EvictPolicy EvictReason = iota
	// EvictTTL: the artifact outlived its max_age_days.
	EvictTTL
	// EvictOrphan: the row pointed at an artifact that no longer exists.
	EvictOrphan
	// EvictClear: removed by an explicit per-function clear.
	EvictClear
)

func (r EvictReason) String() string {
	switch r {
	case EvictTTL:
		return "ttl"
	case EvictOrphan:
		return "orphan"
	case EvictClear:
		return "clear"
	default:
		return "policy"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
// Implementations must be safe for concurrent use.
type Metrics interface {
	Hit(fn string)
	Miss(fn string)
	NoCache(fn string)
	Evict(reason EvictReason)
	Stored(fn string, bytes int64)
	LockTimeout()
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit(string)           {}
func (NoopMetrics) Miss(string)          {}
func (NoopMetrics) NoCache(string)       {}
func (NoopMetrics) Evict(EvictReason)    {}
func (NoopMetrics) Stored(string, int64) {}
func (NoopMetrics) LockTimeout()         {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
