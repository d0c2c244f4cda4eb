package cache

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/diskcache/config"
	"github.com/IvanBrykalov/diskcache/policy"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Options configures a Store. Zero values are safe; defaults are applied in Open():
//   - empty Dir            => config.Default().Dir
//   - empty RegistryFile   => cache_to_disk_caches.json
//   - LockMaxWait <= 0     => 10s
//   - LockInterval <= 0    => 100ms
//   - DefaultTTLDays == 0  => 15 (TTLUnlimited: entries never expire)
//   - nil Policy           => ttl.New()
//   - nil Metrics          => NoopMetrics
type Options struct {
	// Dir is the cache directory; it is created if missing.
	Dir string
	// RegistryFile is the registry file name inside Dir.
	RegistryFile string

	// Lock acquisition budget and retry interval.
	LockMaxWait  time.Duration
	LockInterval time.Duration

	// DefaultTTLDays applies to functions wrapped without WithTTL. Zero
	// means unset; use TTLUnlimited for entries that never expire.
	DefaultTTLDays int

	// Policy decides which rows survive a sweep.
	Policy policy.Policy
	// SkipSweep disables the sweep normally run by Open.
	SkipSweep bool

	// ChunkSize bounds single artifact reads and writes (0 = backend default).
	ChunkSize int
	// MinFreeBytes refuses stores that would leave less free space on the volume.
	MinFreeBytes uint64

	// Observability
	Metrics Metrics
	Logger  *slog.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}

// TTLUnlimited as Options.DefaultTTLDays makes entries of functions wrapped
// without WithTTL never expire.
const TTLUnlimited = -1

// OptionsFromConfig maps a resolved configuration onto Options. A configured
// default age of 0 means unlimited, not unset.
func OptionsFromConfig(cfg config.Config) Options {
	days := cfg.DefaultTTLDays
	if days <= 0 {
		days = TTLUnlimited
	}
	return Options{
		Dir:            cfg.Dir,
		RegistryFile:   cfg.RegistryFile,
		LockMaxWait:    cfg.LockMaxWait,
		LockInterval:   cfg.LockInterval,
		DefaultTTLDays: days,
	}
}

// funcOptions holds the per-function settings of Wrap.
type funcOptions struct {
	ttlDays  int
	ttlSet   bool
	exclude  []string
	mmap     bool
	coalesce bool
}

// FuncOption configures a wrapped function.
type FuncOption func(*funcOptions)

// WithTTL sets the entry lifetime in days. Negative values clamp to 0, which
// means entries never expire.
func WithTTL(days int) FuncOption {
	return func(o *funcOptions) {
		o.ttlDays = max(days, 0)
		o.ttlSet = true
	}
}

// WithExclude drops the named arguments from the cache identity. Functions
// with exclusions must be called with named arguments only.
func WithExclude(names ...string) FuncOption {
	return func(o *funcOptions) { o.exclude = append(o.exclude, names...) }
}

// WithMemoryMap controls whether stored arrays are handed back as read-only
// memory-mapped views of their artifact (default true).
func WithMemoryMap(on bool) FuncOption { return func(o *funcOptions) { o.mmap = on } }

// WithCoalesce controls whether concurrent misses for the same key within
// this process share a single computation (default true).
func WithCoalesce(on bool) FuncOption { return func(o *funcOptions) { o.coalesce = on } }
