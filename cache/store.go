package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/diskcache/backend"
	"github.com/IvanBrykalov/diskcache/config"
	"github.com/IvanBrykalov/diskcache/internal/keys"
	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/IvanBrykalov/diskcache/policy"
	"github.com/IvanBrykalov/diskcache/policy/ttl"
	"github.com/IvanBrykalov/diskcache/registry"
	"github.com/cockroachdb/errors"
)

var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("cache: store is closed")
	// ErrStore marks a result that was computed but could not be persisted.
	// The accompanying value is valid.
	ErrStore = errors.New("cache: failed to persist result")
	// ErrReservedName is returned for functions named like the registry counter key.
	ErrReservedName = registry.ErrReservedName
)

// Store ties the registry, the artifact backend and the sweep policy to one
// cache directory. It is safe for concurrent use; functions are attached
// with Wrap.
type Store struct {
	dir     string
	ttlDays int

	locks   *lock.Coordinator
	reg     *registry.Registry
	be      *backend.Backend
	policy  policy.Policy
	metrics Metrics
	log     *slog.Logger
	clock   Clock

	closed atomic.Bool
}

// Open prepares the cache directory, creates the registry when missing and,
// unless opt.SkipSweep is set, sweeps expired and orphaned entries.
func Open(ctx context.Context, opt Options) (*Store, error) {
	if opt.Dir == "" {
		opt.Dir = config.Default().Dir
	}
	if opt.LockMaxWait <= 0 {
		opt.LockMaxWait = lock.DefaultMaxWait
	}
	if opt.LockInterval <= 0 {
		opt.LockInterval = lock.DefaultInterval
	}
	switch {
	case opt.DefaultTTLDays == 0:
		opt.DefaultTTLDays = config.DefaultTTLDays
	case opt.DefaultTTLDays < 0:
		opt.DefaultTTLDays = registry.Unlimited
	}
	if opt.Policy == nil {
		opt.Policy = ttl.New()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Clock == nil {
		opt.Clock = systemClock{}
	}

	if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cache: create %s", opt.Dir)
	}

	m := opt.Metrics
	locks := lock.New(
		lock.WithMaxWait(opt.LockMaxWait),
		lock.WithInterval(opt.LockInterval),
		lock.WithLogger(opt.Logger),
		lock.WithTimeoutHook(func(string) { m.LockTimeout() }),
	)
	s := &Store{
		dir:     opt.Dir,
		ttlDays: opt.DefaultTTLDays,
		locks:   locks,
		reg:     registry.New(opt.Dir, opt.RegistryFile, locks, registry.WithLogger(opt.Logger)),
		be: backend.New(
			backend.WithLocks(locks),
			backend.WithLogger(opt.Logger),
			backend.WithChunkSize(opt.ChunkSize),
			backend.WithMinFreeBytes(opt.MinFreeBytes),
		),
		policy:  opt.Policy,
		metrics: m,
		log:     opt.Logger,
		clock:   opt.Clock,
	}

	doc, err := s.reg.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !opt.SkipSweep {
		if _, err := s.Sweep(ctx); err != nil {
			return nil, err
		}
	}
	s.log.Debug("Opened disk cache.", "dir", s.dir, "registry", s.reg.Path(),
		"functions", len(doc.Functions()), "policy", s.policy.Name(), "lockMaxWait", s.locks.MaxWait())
	return s, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Registry exposes the metadata registry.
func (s *Store) Registry() *registry.Registry { return s.reg }

// Backend exposes the artifact backend.
func (s *Store) Backend() *backend.Backend { return s.be }

// Close marks the store closed. Wrapped functions fail with ErrClosed
// afterwards; nothing on disk changes.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) now() time.Time { return time.Unix(0, s.clock.NowUnixNano()) }

// Functions lists the function names present in the registry.
func (s *Store) Functions(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	doc, err := s.reg.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Functions(), nil
}

// ClearFunction removes every row of fn and deletes the artifacts, including
// artifacts of fn that no row names (left behind by a crash between store and
// record). It returns the number of rows removed.
func (s *Store) ClearFunction(ctx context.Context, fn string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var removed []registry.Entry
	orphans := 0
	err := s.reg.Update(ctx, func(doc *registry.Document) (bool, error) {
		removed = doc.RemoveAll(fn)
		for _, e := range removed {
			if _, err := s.be.Delete(ctx, s.reg.ArtifactPath(e.FileName), nil); err != nil {
				s.log.Warn("Failed to remove artifact.", "function", fn, "file", e.FileName, "error", err)
			}
			s.metrics.Evict(EvictClear)
		}
		names, err := s.artifactsOf(fn)
		if err != nil {
			s.log.Warn("Failed to scan for unrecorded artifacts.", "function", fn, "error", err)
		}
		for _, name := range names {
			ok, err := s.be.Delete(ctx, s.reg.ArtifactPath(name), nil)
			if err != nil {
				s.log.Warn("Failed to remove artifact.", "function", fn, "file", name, "error", err)
				continue
			}
			if ok {
				orphans++
				s.metrics.Evict(EvictClear)
			}
		}
		return len(removed) > 0, nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("Cleared cache entries.", "function", fn, "removed", len(removed), "unrecorded", orphans)
	return len(removed), nil
}

// artifactsOf lists the artifact files in the cache directory whose name was
// derived for fn: fn + "_" + 64 hex digits + extension.
func (s *Store) artifactsOf(fn string) ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !backend.IsArtifact(name) {
			continue
		}
		digest, ok := strings.CutPrefix(strings.TrimSuffix(name, filepath.Ext(name)), fn+"_")
		if !ok || len(digest) != sha256.Size*2 {
			continue
		}
		if _, err := hex.DecodeString(digest); err != nil {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// Migrate renames artifacts whose file name does not match the name derived
// from their signature, and rewrites the rows accordingly. Rows whose
// artifact is missing are left for the sweep. It returns the number of
// renamed artifacts.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	renamed := 0
	err := s.reg.Update(ctx, func(doc *registry.Document) (bool, error) {
		for _, fn := range doc.Functions() {
			rows, _ := doc.Entries(fn)
			for i, e := range rows {
				want := keys.Derive(fn, e.Args, e.Kwargs) + filepath.Ext(e.FileName)
				if e.FileName == want {
					continue
				}
				from, to := s.reg.ArtifactPath(e.FileName), s.reg.ArtifactPath(want)
				err := s.locks.With(ctx, from, lock.Exclusive, func() error {
					return os.Rename(from, to)
				})
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						continue
					}
					return false, errors.Wrapf(err, "cache: rename %s", e.FileName)
				}
				if err := os.Rename(from+backend.SidecarSuffix, to+backend.SidecarSuffix); err != nil &&
					!errors.Is(err, fs.ErrNotExist) {
					s.log.Warn("Failed to rename sidecar.", "file", e.FileName, "error", err)
				}
				s.log.Info("Renamed cache file.", "from", e.FileName, "to", want)
				rows[i].FileName = want
				renamed++
			}
			doc.Set(fn, rows)
		}
		return renamed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return renamed, nil
}
