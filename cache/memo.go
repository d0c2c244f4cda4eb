package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/IvanBrykalov/diskcache/backend"
	"github.com/IvanBrykalov/diskcache/internal/keys"
	"github.com/IvanBrykalov/diskcache/internal/util"
	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/IvanBrykalov/diskcache/policy/ttl"
	"github.com/IvanBrykalov/diskcache/registry"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"
)

// Func is a memoized computation bound to a Store. All methods are safe for
// concurrent use by multiple goroutines.
type Func[T any] struct {
	s    *Store
	name string // as given to Wrap
	key  string // filesystem-safe name used in the registry and file names
	fn   Compute[T]
	opt  funcOptions

	stats util.Counters

	// singleflight group for coalescing concurrent misses on the same key.
	sf singleflight.Group
}

// result travels through the singleflight group. Array results also carry
// what a waiter needs to build its own copy: the artifact of a mapped array
// or a private snapshot of an in-memory one.
type result[T any] struct {
	v    T
	err  error
	path string
	snap *backend.Array
}

// Wrap memoizes fn under name. Entries expire after the store's default TTL
// unless WithTTL says otherwise; arrays come back memory-mapped and
// concurrent misses are coalesced unless disabled.
func Wrap[T any](s *Store, name string, fn Compute[T], opts ...FuncOption) *Func[T] {
	o := funcOptions{ttlDays: s.ttlDays, mmap: true, coalesce: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttlDays == registry.Unlimited {
		s.log.Warn("Using an unlimited age cache is not recommended.", "function", name)
	}
	return &Func[T]{s: s, name: name, key: keys.SafeName(name), fn: fn, opt: o}
}

// Name returns the function name given to Wrap.
func (f *Func[T]) Name() string { return f.name }

// Call returns the cached result for call, computing and persisting it on a
// miss. A computation error is returned as is. If the result was computed
// but could not be persisted, Call returns the value together with an error
// matching ErrStore.
func (f *Func[T]) Call(ctx context.Context, call Call) (T, error) {
	var zero T
	if f.s.closed.Load() {
		return zero, ErrClosed
	}
	if f.key == registry.TotalKey {
		return zero, ErrReservedName
	}
	if err := keys.CheckExclusions(call.Args, f.opt.exclude); err != nil {
		return zero, err
	}
	args := keys.Repr(call.Args)
	kwargs := keys.ReprNamed(keys.Strip(call.Named, f.opt.exclude))
	key := keys.Derive(f.key, args, kwargs)

	if !f.opt.coalesce {
		return f.do(ctx, call, args, kwargs, key)
	}
	leader := false
	v, _, shared := f.sf.Do(key, func() (any, error) {
		leader = true
		out, err := f.do(ctx, call, args, kwargs, key)
		r := result[T]{v: out, err: err}
		if arr, ok := any(out).(*backend.Array); ok && arr != nil {
			if r.path = arr.Path(); r.path == "" {
				r.snap = arr.Clone()
			}
		}
		return r, nil
	})
	r := v.(result[T])
	if !shared || leader {
		return r.v, r.err
	}
	return f.own(ctx, r, func() (T, error) { return f.do(ctx, call, args, kwargs, key) })
}

// own hands a waiter of a coalesced call its own array, so one caller
// closing its result never unmaps another's. Other values are shared.
func (f *Func[T]) own(ctx context.Context, r result[T], recompute func() (T, error)) (T, error) {
	switch {
	case r.snap != nil:
		if out, ok := any(r.snap.Clone()).(T); ok {
			return out, r.err
		}
	case r.path != "":
		var out T
		err := f.s.be.Load(ctx, r.path, &out)
		if err == nil {
			return out, r.err
		}
		f.s.log.Debug("Shared array unavailable, recomputing.", "function", f.name, "path", r.path, "error", err)
		return recompute()
	}
	return r.v, r.err
}

func (f *Func[T]) do(ctx context.Context, call Call, args, kwargs, key string) (T, error) {
	var zero T
	v, hit, err := f.lookup(ctx, args, kwargs, key)
	if err != nil {
		return zero, err
	}
	if hit {
		n := f.stats.Hits.Inc()
		f.s.metrics.Hit(f.name)
		f.s.log.Debug("Cache hit.", "function", f.name, "key", key, "hits", n)
		return v, nil
	}

	n := f.stats.Misses.Inc()
	f.s.metrics.Miss(f.name)
	f.s.log.Debug("Cache miss.", "function", f.name, "key", key, "misses", n, "args", args, "kwargs", kwargs)

	out, err := f.fn(ctx, call)
	if err != nil {
		return zero, err
	}
	if out.IsSuppressed() {
		f.stats.NoCache.Inc()
		f.s.metrics.NoCache(f.name)
		f.s.log.Debug("Result suppressed, no new cache entry.", "function", f.name)
		return out.Value(), nil
	}
	return f.persist(ctx, out.Value(), args, kwargs, key)
}

// lookup resolves key to a stored value. Stale artifacts are deleted and
// unreadable ones are treated as misses; only registry and lock failures
// are returned as errors.
func (f *Func[T]) lookup(ctx context.Context, args, kwargs, key string) (T, bool, error) {
	var zero T
	doc, err := f.s.reg.Load(ctx)
	if err != nil {
		return zero, false, err
	}
	if _, ok := doc.Entries(f.key); !ok {
		return zero, false, nil
	}
	path, _, ok := backend.Find(filepath.Join(f.s.dir, key))
	if !ok {
		return zero, false, nil
	}
	maxAge := registry.Unlimited
	if e, ok := doc.Lookup(f.key, args, kwargs); ok {
		maxAge = e.MaxAgeDays
	}

	st, err := os.Stat(path)
	if err != nil {
		return zero, false, nil
	}
	if ttl.Expired(f.s.now(), st.ModTime(), maxAge) {
		// Re-checked under the lock: a writer may have refreshed the file.
		removed, err := f.s.be.Delete(ctx, path, func(fi fs.FileInfo) bool {
			return !ttl.Expired(f.s.now(), fi.ModTime(), maxAge)
		})
		switch {
		case err != nil:
			f.s.log.Warn("Failed to remove stale artifact.", "path", path, "error", err)
		case removed:
			f.s.log.Info("Removed stale cache file.", "function", f.name, "path", path, "maxAgeDays", maxAge)
			f.s.metrics.Evict(EvictTTL)
		}
		return zero, false, nil
	}

	var v T
	if err := f.s.be.Load(ctx, path, &v); err != nil {
		if errors.Is(err, lock.ErrTimeout) || ctx.Err() != nil {
			return zero, false, err
		}
		f.s.log.Warn("Unreadable cache artifact, recomputing.", "function", f.name, "path", path, "error", err)
		return zero, false, nil
	}
	return v, true, nil
}

// persist stores v and records its row. Arrays are swapped for a read-only
// mapped view of the stored artifact when memory-map mode is on.
func (f *Func[T]) persist(ctx context.Context, v T, args, kwargs, key string) (T, error) {
	base := filepath.Join(f.s.dir, key)
	st, err := f.s.be.Store(ctx, v, base)
	if err != nil {
		return v, errors.Mark(errors.Wrapf(err, "cache: store %s", key), ErrStore)
	}
	// A previous result of the other kind would shadow this one on lookup.
	for _, k := range backend.Kinds {
		other := base + k.Ext()
		if k == st.Kind {
			continue
		}
		if _, err := os.Stat(other); err != nil {
			continue
		}
		if _, err := f.s.be.Delete(ctx, other, nil); err != nil {
			f.s.log.Warn("Failed to remove shadowed artifact.", "path", other, "error", err)
		}
	}

	entry := registry.Entry{
		Args:       args,
		Kwargs:     kwargs,
		FileName:   filepath.Base(st.Path),
		MaxAgeDays: f.opt.ttlDays,
	}
	err = f.s.reg.Update(ctx, func(doc *registry.Document) (bool, error) {
		return true, doc.Append(f.key, entry)
	})
	if err != nil {
		return v, errors.Mark(errors.Wrapf(err, "cache: record %s", key), ErrStore)
	}
	f.s.metrics.Stored(f.name, st.Bytes)
	f.s.log.Debug("Added cache entry.", "function", f.name, "file", entry.FileName, "bytes", st.Bytes)

	if st.Kind != backend.KindArray || !f.opt.mmap {
		return v, nil
	}
	view, err := f.s.be.MapArray(ctx, st.Path)
	if err != nil {
		f.s.log.Warn("Failed to map stored array, returning it unmapped.", "path", st.Path, "error", err)
		return v, nil
	}
	out, ok := any(view).(T)
	if !ok {
		_ = view.Close()
		return v, nil
	}
	if arr, ok := any(v).(*backend.Array); ok {
		if err := arr.Close(); err != nil {
			f.s.log.Warn("Failed to close computed array.", "error", err)
		}
	}
	return out, nil
}

// Info reports the runtime counters. They live in memory only.
func (f *Func[T]) Info() Stats {
	return Stats{
		Hits:    f.stats.Hits.Load(),
		Misses:  f.stats.Misses.Load(),
		NoCache: f.stats.NoCache.Load(),
	}
}

// Clear permanently removes every entry of this function from disk.
func (f *Func[T]) Clear(ctx context.Context) error {
	_, err := f.s.ClearFunction(ctx, f.key)
	return err
}

// Size returns the number of registry rows for this function; ok is false
// when the function has none.
func (f *Func[T]) Size(ctx context.Context) (int, bool, error) {
	rows, ok, err := f.entries(ctx)
	return len(rows), ok, err
}

// RawEntries returns the registry rows of this function. The row format is
// an internal interface and may change.
func (f *Func[T]) RawEntries(ctx context.Context) ([]registry.Entry, bool, error) {
	f.s.log.Warn("RawEntries is an internal interface and should not be used lightly.", "function", f.name)
	return f.entries(ctx)
}

func (f *Func[T]) entries(ctx context.Context) ([]registry.Entry, bool, error) {
	if f.s.closed.Load() {
		return nil, false, ErrClosed
	}
	doc, err := f.s.reg.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	rows, ok := doc.Entries(f.key)
	return rows, ok, nil
}
