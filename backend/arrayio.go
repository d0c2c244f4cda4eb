package backend

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// sidecar describes the payload of an array artifact. Offset is optional for
// sidecars written without it; the NPY header is parsed instead.
type sidecar struct {
	DType  DType `json:"dtype"`
	Shape  []int `json:"shape"`
	Offset *int  `json:"offset,omitempty"`
}

func readSidecar(path string) (*sidecar, error) {
	raw, err := os.ReadFile(path + SidecarSuffix)
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, errors.Wrapf(err, "backend: sidecar %s", path+SidecarSuffix)
	}
	return &sc, nil
}

func writeSidecar(path string, info npyInfo) error {
	off := info.offset
	raw, err := json.Marshal(sidecar{DType: info.dtype, Shape: info.shape, Offset: &off})
	if err != nil {
		return err
	}
	return os.WriteFile(path+SidecarSuffix, raw, 0o644)
}

func (b *Backend) storeArray(ctx context.Context, a *Array, path string) (Stored, error) {
	if a == nil {
		return Stored{}, errors.Wrap(ErrUnsupported, "nil array")
	}
	if err := a.Validate(); err != nil {
		return Stored{}, err
	}
	a.mu.Lock()
	scratch := a.writable && a.mapping != nil
	a.mu.Unlock()
	if scratch {
		return b.commitScratch(ctx, a, path)
	}

	header := npyHeader(a.DType, a.Shape)
	size := int64(len(header)) + a.NBytes()
	if err := b.ensureSpace(filepath.Dir(path), size); err != nil {
		return Stored{}, err
	}
	err := b.locks.WithFile(ctx, path, lock.Exclusive, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644,
		func(f *os.File) error {
			// A sidecar from an earlier store may describe a different layout.
			if err := os.Remove(path + SidecarSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := b.writeChunks(f, header); err != nil {
				return err
			}
			return b.writeChunks(f, a.Data)
		})
	if err != nil {
		return Stored{}, errors.Wrapf(err, "backend: write %s", path)
	}
	b.awaitSize(ctx, path, size)
	b.log.Debug("Stored array artifact.", "path", path, "dtype", a.DType, "shape", a.Shape,
		"size", humanize.IBytes(uint64(size)))
	return Stored{Kind: KindArray, Path: path, Bytes: size}, nil
}

// commitScratch moves a scratch array's backing file into place. The data
// stays raw (offset 0), so a sidecar is always written alongside.
func (b *Backend) commitScratch(ctx context.Context, a *Array, path string) (Stored, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := syncMapping(a.mapping, a.file); err != nil {
		return Stored{}, errors.Wrapf(err, "backend: sync scratch %s", a.path)
	}
	if err := a.file.Sync(); err != nil {
		return Stored{}, errors.Wrapf(err, "backend: sync scratch %s", a.path)
	}
	err := b.locks.With(ctx, path, lock.Exclusive, func() error {
		if err := os.Rename(a.path, path); err != nil {
			return err
		}
		return writeSidecar(path, npyInfo{dtype: a.DType, shape: a.Shape, offset: 0})
	})
	if err != nil {
		return Stored{}, errors.Wrapf(err, "backend: commit scratch to %s", path)
	}
	b.log.Debug("Committed scratch array.", "from", a.path, "to", path)
	a.path = path
	size := int64(len(a.Data))
	b.awaitSize(ctx, path, size)
	return Stored{Kind: KindArray, Path: path, Bytes: size}, nil
}

// MapArray records the artifact's layout in a sidecar and returns a
// read-only memory-mapped view of it.
func (b *Backend) MapArray(ctx context.Context, path string) (*Array, error) {
	err := b.locks.WithFile(ctx, path, lock.Exclusive, os.O_RDONLY, 0, func(f *os.File) error {
		if sc, err := readSidecar(path); err == nil && sc.Offset != nil {
			return nil
		}
		info, err := readNPYHeader(f)
		if err != nil {
			return err
		}
		return writeSidecar(path, info)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "backend: map %s", path)
	}
	return b.loadArray(ctx, path)
}

// loadArray maps the artifact read-only, using the sidecar when present.
func (b *Backend) loadArray(ctx context.Context, path string) (*Array, error) {
	var out *Array
	err := b.locks.WithFile(ctx, path, lock.Shared, os.O_RDONLY, 0, func(f *os.File) error {
		info, err := arrayLayout(f, path)
		if err != nil {
			return err
		}
		st, err := f.Stat()
		if err != nil {
			return err
		}
		end, err := checkLayout(info, st.Size())
		if err != nil {
			return errors.Wrapf(err, "layout of %s", path)
		}
		mapping, err := mapFile(f, int(end), false)
		if err != nil {
			return err
		}
		// The mapping outlives the descriptor; the file is closed by WithFile.
		out = newMapped(info.dtype, info.shape, mapping, info.offset, nil, path, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func arrayLayout(f *os.File, path string) (npyInfo, error) {
	sc, err := readSidecar(path)
	switch {
	case err == nil:
		if !sc.DType.Valid() {
			return npyInfo{}, errors.Wrapf(ErrUnsupported, "sidecar dtype %q", sc.DType)
		}
		if sc.Offset != nil {
			return npyInfo{dtype: sc.DType, shape: sc.Shape, offset: *sc.Offset}, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return npyInfo{}, err
	}
	info, err := readNPYHeader(f)
	if err != nil {
		return npyInfo{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return npyInfo{}, err
	}
	return info, nil
}

// assignArray hands a loaded array to the caller's destination.
func assignArray(arr *Array, out any) error {
	switch o := out.(type) {
	case **Array:
		*o = arr
	case *any:
		*o = arr
	case *Array:
		// A bare *Array receives an in-memory copy; the mapping is released.
		o.DType = arr.DType
		o.Shape = append([]int(nil), arr.Shape...)
		o.Data = append([]byte(nil), arr.Data...)
		return arr.Close()
	default:
		_ = arr.Close()
		return errors.Wrapf(ErrUnsupported, "array destination %T", out)
	}
	return nil
}

// NewScratch creates a writable, memory-mapped array backed by a fresh file
// in dir. Fill Data in place, then return the array from a computation: the
// store renames the file instead of copying it. Close discards an unused
// scratch array's mapping; RemoveScratch deletes its file.
func NewScratch(dir string, dtype DType, shape []int) (*Array, error) {
	if !dtype.Valid() {
		return nil, errors.Wrapf(ErrUnsupported, "dtype %q", dtype)
	}
	size := elements(shape) * dtype.Size()
	path := filepath.Join(dir, "scratch-"+uuid.NewString()+".raw")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "backend: create scratch")
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "backend: size scratch")
	}
	mapping, err := mapFile(f, size, true)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "backend: map scratch")
	}
	return newMapped(dtype, shape, mapping, 0, f, path, true), nil
}

// RemoveScratch closes a scratch array and deletes its backing file.
func RemoveScratch(a *Array) error {
	path := a.Path()
	err := a.Close()
	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.CombineErrors(err, rmErr)
		}
	}
	return err
}
