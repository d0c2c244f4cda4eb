// Package registry persists the metadata document describing every stored
// artifact.
//
// The document is a single JSON file in the cache directory. Reads take a
// shared lock, writes an exclusive one; writes go to a temporary file that is
// fsynced and renamed over the registry, so readers never observe a
// truncated document. Update holds the exclusive lock across the whole
// read-modify-write cycle, which keeps concurrent appends from losing rows.
package registry

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/cockroachdb/errors"
)

// DefaultFileName is the registry file name inside the cache directory.
const DefaultFileName = "cache_to_disk_caches.json"

// ErrCorrupt is returned when the registry file cannot be decoded.
var ErrCorrupt = errors.New("registry: corrupt document")

// Registry reads and writes the document at Dir()/fileName.
type Registry struct {
	dir   string
	path  string
	locks *lock.Coordinator
	log   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// New returns a Registry for dir/fileName. An empty fileName means
// DefaultFileName; a nil coordinator means lock.New().
func New(dir, fileName string, locks *lock.Coordinator, opts ...Option) *Registry {
	if fileName == "" {
		fileName = DefaultFileName
	}
	r := &Registry{dir: dir, path: filepath.Join(dir, fileName), locks: locks}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.locks == nil {
		r.locks = lock.New(lock.WithLogger(r.log))
	}
	return r
}

// Path returns the registry file path.
func (r *Registry) Path() string { return r.path }

// Dir returns the cache directory.
func (r *Registry) Dir() string { return r.dir }

// ArtifactPath resolves an entry's file name against the cache directory.
func (r *Registry) ArtifactPath(fileName string) string { return filepath.Join(r.dir, fileName) }

// Load reads the document under a shared lock. A missing registry is created
// empty and persisted before returning.
func (r *Registry) Load(ctx context.Context) (*Document, error) {
	var doc *Document
	err := r.locks.WithFile(ctx, r.path, lock.Shared, os.O_RDONLY, 0, func(f *os.File) error {
		var err error
		doc, err = decode(f)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return r.create(ctx)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "registry: load %s", r.path)
	}
	return doc, nil
}

// create writes an empty document unless another process got there first.
func (r *Registry) create(ctx context.Context) (*Document, error) {
	var doc *Document
	err := r.locks.With(ctx, r.path, lock.Exclusive, func() error {
		var err error
		doc, err = r.read()
		if errors.Is(err, fs.ErrNotExist) {
			doc = NewDocument()
			r.log.Info("Creating cache registry.", "path", r.path)
			return r.write(doc)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "registry: create %s", r.path)
	}
	return doc, nil
}

// Save replaces the document under an exclusive lock.
func (r *Registry) Save(ctx context.Context, doc *Document) error {
	err := r.locks.With(ctx, r.path, lock.Exclusive, func() error { return r.write(doc) })
	if err != nil {
		return errors.Wrapf(err, "registry: save %s", r.path)
	}
	return nil
}

// Update runs fn on the current document while holding the exclusive lock and
// persists the result if fn reports a change. A missing registry starts empty.
func (r *Registry) Update(ctx context.Context, fn func(doc *Document) (changed bool, err error)) error {
	err := r.locks.With(ctx, r.path, lock.Exclusive, func() error {
		doc, err := r.read()
		if errors.Is(err, fs.ErrNotExist) {
			doc, err = NewDocument(), nil
		}
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil || !changed {
			return err
		}
		return r.write(doc)
	})
	if err != nil {
		return errors.Wrapf(err, "registry: update %s", r.path)
	}
	return nil
}

// read decodes the file without locking; callers hold the lock.
func (r *Registry) read() (*Document, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(f *os.File) (*Document, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return NewDocument(), nil
	}
	doc := NewDocument()
	if err := json.NewDecoder(f).Decode(doc); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s", f.Name()), ErrCorrupt)
	}
	return doc, nil
}

// write replaces the registry atomically: temp file, fsync, rename.
func (r *Registry) write(doc *Document) (err error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}
