// Package cache memoizes expensive computations to disk, so results survive
// process restarts and are shared by every process using the same directory.
//
// Design
//
//   - Identity: a call's positional and named arguments are rendered
//     canonically (internal/keys) and hashed together with the function name
//     into a content-addressed key. Identical signatures always resolve to
//     the identical artifact file.
//
//   - Storage: each result is one artifact file in the cache directory
//     (package backend). Arrays (*backend.Array) use the NPY format and come
//     back as read-only memory maps; everything else is msgpack-encoded.
//
//   - Metadata: a single JSON registry (package registry) lists, per
//     function, the stored signatures with their TTL in days. Writes hold an
//     exclusive file lock for the whole read-modify-write and replace the
//     file atomically.
//
//   - Concurrency: processes coordinate through advisory locks with bounded
//     retry (package lock). A lock that cannot be taken within the budget
//     fails the call with lock.ErrTimeout. Within a process, concurrent
//     misses for the same key share one computation (singleflight).
//
//   - Expiry: staleness is checked lazily on lookup and eagerly by Sweep,
//     which Open runs once. The sweep policy is pluggable (package policy);
//     the default drops rows whose artifact vanished and evicts artifacts
//     older than their TTL.
//
//   - Metrics: Options.Metrics receives Hit/Miss/NoCache/Evict/Stored
//     signals. NoopMetrics is the default; metrics/prom exports them to
//     Prometheus.
//
// Basic usage
//
//	s, err := cache.Open(ctx, cache.Options{Dir: "/var/cache/myapp"})
//	if err != nil { ... }
//	square := cache.Wrap(s, "square", func(ctx context.Context, c cache.Call) (cache.Outcome[int], error) {
//	    x := c.Args[0].(int)
//	    return cache.Computed(x * x), nil
//	}, cache.WithTTL(7))
//	v, err := square.Call(ctx, cache.Args(12))
//
// Suppressing a result
//
// Return cache.Suppressed(v) to hand v to the caller without persisting it,
// e.g. for a partial answer that should be recomputed next time.
//
// Excluding arguments
//
//	q := cache.Wrap(s, "query", run, cache.WithExclude("conn"))
//	rows, err := q.Call(ctx, cache.Named(map[string]any{"sql": sql, "conn": db}))
//
// Functions with exclusions must be called with named arguments only.
package cache
