// Package backend persists single values as artifact files.
//
// Two codecs form a closed set, selected by inspecting the value before the
// first write:
//
//   - KindObject (".pkl"): any msgpack-serializable value. The payload is
//     framed by a small header carrying an xxhash64 checksum and written in
//     bounded chunks, each followed by an fsync.
//   - KindArray (".npy"): *Array values, written in NumPy's NPY format and
//     re-opened as read-only memory maps. An optional JSON sidecar
//     ("<artifact>.json") records dtype, shape and data offset.
//
// Load never fails hard on a damaged artifact: it reports ErrCorrupt or
// ErrAbsent so callers can treat the entry as a cache miss.
package backend

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
)

// MaxChunkBytes is the largest single write or read issued against a file.
const MaxChunkBytes = 1<<31 - 1

// Sidecar suffixes removed together with an artifact.
const (
	SidecarSuffix   = ".json"
	TimestampSuffix = "_timestamp"
)

var (
	// ErrAbsent reports an artifact that is missing or could not be loaded.
	ErrAbsent = errors.New("backend: artifact absent")
	// ErrCorrupt reports an artifact whose bytes fail validation or decoding.
	ErrCorrupt = errors.New("backend: artifact corrupt")
	// ErrNoSpace reports a write refused by the free-space guard.
	ErrNoSpace = errors.New("backend: not enough free disk space")
	// ErrUnsupported reports a value or file shape the codecs cannot handle.
	ErrUnsupported = errors.New("backend: unsupported")
)

// Kind tags the codec used for an artifact.
type Kind int

const (
	KindObject Kind = iota
	KindArray
)

// Kinds lists every codec in lookup order.
var Kinds = []Kind{KindArray, KindObject}

// Ext returns the file extension that encodes the kind.
func (k Kind) Ext() string {
	if k == KindArray {
		return ".npy"
	}
	return ".pkl"
}

func (k Kind) String() string {
	if k == KindArray {
		return "array"
	}
	return "object"
}

// KindOf selects the codec for v.
func KindOf(v any) Kind {
	switch v.(type) {
	case *Array:
		return KindArray
	default:
		return KindObject
	}
}

// KindFromPath infers the codec from an artifact's extension.
func KindFromPath(path string) (Kind, bool) {
	switch filepath.Ext(path) {
	case ".npy":
		return KindArray, true
	case ".pkl":
		return KindObject, true
	}
	return 0, false
}

// Stored describes a committed artifact.
type Stored struct {
	Kind  Kind
	Path  string
	Bytes int64
}

// Backend reads and writes artifacts. It is safe for concurrent use; file
// access is serialized across processes by the lock Coordinator.
type Backend struct {
	locks        *lock.Coordinator
	log          *slog.Logger
	chunkSize    int
	sync         bool
	pollInterval time.Duration
	pollAttempts int
	minFree      uint64
	freeSpace    func(dir string) (uint64, error)
}

// Option configures a Backend.
type Option func(*Backend)

// WithLocks sets the lock coordinator (default: lock.New()).
func WithLocks(c *lock.Coordinator) Option { return func(b *Backend) { b.locks = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Backend) { b.log = l } }

// WithChunkSize bounds single reads and writes; values outside (0, MaxChunkBytes] are ignored.
func WithChunkSize(n int) Option {
	return func(b *Backend) {
		if n > 0 && n <= MaxChunkBytes {
			b.chunkSize = n
		}
	}
}

// WithSync toggles fsync after writes (default on).
func WithSync(on bool) Option { return func(b *Backend) { b.sync = on } }

// WithSizePoll configures the post-write size check.
func WithSizePoll(interval time.Duration, attempts int) Option {
	return func(b *Backend) {
		b.pollInterval = interval
		b.pollAttempts = attempts
	}
}

// WithMinFreeBytes keeps at least n bytes free on the cache volume after a write.
func WithMinFreeBytes(n uint64) Option { return func(b *Backend) { b.minFree = n } }

// New builds a Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		chunkSize:    MaxChunkBytes,
		sync:         true,
		pollInterval: 100 * time.Millisecond,
		pollAttempts: 50,
		freeSpace:    diskFree,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.locks == nil {
		b.locks = lock.New(lock.WithLogger(b.log))
	}
	return b
}

// Store writes v next to base (base + KindOf(v).Ext()) and returns the
// committed artifact. The write is complete and fsynced when Store returns.
func (b *Backend) Store(ctx context.Context, v any, base string) (Stored, error) {
	switch x := v.(type) {
	case *Array:
		return b.storeArray(ctx, x, base+KindArray.Ext())
	default:
		return b.storeObject(ctx, v, base+KindObject.Ext())
	}
}

// Load reads the artifact at path into out. out must be a non-nil pointer:
// *T for objects, **Array, *Array or *any for arrays.
func (b *Backend) Load(ctx context.Context, path string, out any) error {
	kind, ok := KindFromPath(path)
	if !ok {
		return errors.Wrapf(ErrUnsupported, "artifact extension of %s", path)
	}
	if kind == KindArray {
		arr, err := b.loadArray(ctx, path)
		if err != nil {
			b.log.Warn("Failed to load array artifact.", "path", path, "error", err)
			return errors.Mark(errors.Wrapf(err, "load %s", path), ErrAbsent)
		}
		return assignArray(arr, out)
	}
	return b.loadObject(ctx, path, out)
}

// Find returns the path of an existing artifact for base, checking every kind.
func Find(base string) (string, Kind, bool) {
	for _, k := range Kinds {
		p := base + k.Ext()
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, k, true
		}
	}
	return "", 0, false
}

// Delete removes the artifact at path and its sidecars while holding the
// artifact's exclusive lock, so it never races a writer. When keep is
// non-nil it is consulted under the lock and a true result leaves the file
// in place; removed reports whether anything was deleted. The lock file
// itself is never unlinked: another process may hold or be waiting on it.
func (b *Backend) Delete(ctx context.Context, path string, keep func(fs.FileInfo) bool) (removed bool, err error) {
	err = b.locks.With(ctx, path, lock.Exclusive, func() error {
		if keep != nil {
			st, err := os.Stat(path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err == nil && keep(st) {
				return nil
			}
		}
		removed = true
		return removeFiles(path)
	})
	if err != nil {
		return false, errors.Wrapf(err, "backend: delete %s", path)
	}
	return removed, nil
}

// removeFiles deletes an artifact together with its sidecars. Missing files
// are not an error. The caller holds the artifact lock.
func removeFiles(path string) error {
	var errs error
	for _, p := range []string{path, path + SidecarSuffix, path + TimestampSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// ensureSpace refuses writes that would leave less than minFree bytes on the volume.
func (b *Backend) ensureSpace(dir string, need int64) error {
	free, err := b.freeSpace(dir)
	if err != nil {
		b.log.Debug("Free space check unavailable.", "dir", dir, "error", err)
		return nil
	}
	if free < uint64(need)+b.minFree {
		return errors.Wrapf(ErrNoSpace, "need %s (+%s reserve), %s free in %s",
			humanize.IBytes(uint64(need)), humanize.IBytes(b.minFree), humanize.IBytes(free), dir)
	}
	return nil
}

func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// writeChunks writes p in chunkSize pieces, syncing after each one.
func (b *Backend) writeChunks(f *os.File, p []byte) error {
	for off := 0; off < len(p); off += b.chunkSize {
		end := min(off+b.chunkSize, len(p))
		if _, err := f.Write(p[off:end]); err != nil {
			return err
		}
		if b.sync {
			if err := f.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// awaitSize polls until the file reaches want bytes. Some network and FUSE
// filesystems publish the final size late; lagging is logged, not fatal.
func (b *Backend) awaitSize(ctx context.Context, path string, want int64) {
	for attempt := 0; attempt < b.pollAttempts; attempt++ {
		st, err := os.Stat(path)
		if err == nil && st.Size() >= want {
			return
		}
		var have int64
		if st != nil {
			have = st.Size()
		}
		b.log.Warn("Artifact size lags behind payload.", "path", path,
			"have", humanize.IBytes(uint64(have)), "want", humanize.IBytes(uint64(want)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.pollInterval):
		}
	}
	b.log.Warn("Gave up waiting for artifact size.", "path", path, "want", want)
}

// IsArtifact reports whether a directory entry name is an artifact file
// (not a sidecar, lock or scratch file).
func IsArtifact(name string) bool {
	_, ok := KindFromPath(name)
	return ok && !strings.HasPrefix(name, "scratch-")
}
