package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/vmihailenco/msgpack/v5"
)

// Object artifacts start with a fixed header: magic, format version and the
// xxhash64 of the msgpack payload that follows.
const (
	objectMagic      = "DCOB"
	objectVersion    = 1
	objectHeaderSize = len(objectMagic) + 4 + 8
)

type objectHeader struct {
	version uint32
	sum     uint64
}

func (h objectHeader) encode() []byte {
	b := make([]byte, 0, objectHeaderSize)
	b = append(b, objectMagic...)
	b = binary.LittleEndian.AppendUint32(b, h.version)
	return binary.LittleEndian.AppendUint64(b, h.sum)
}

func decodeObjectHeader(b []byte) (objectHeader, error) {
	if len(b) < objectHeaderSize || string(b[:len(objectMagic)]) != objectMagic {
		return objectHeader{}, errors.Wrap(ErrCorrupt, "object header magic")
	}
	h := objectHeader{
		version: binary.LittleEndian.Uint32(b[len(objectMagic):]),
		sum:     binary.LittleEndian.Uint64(b[len(objectMagic)+4:]),
	}
	if h.version != objectVersion {
		return objectHeader{}, errors.Wrapf(ErrCorrupt, "object format version %d", h.version)
	}
	return h, nil
}

func (b *Backend) storeObject(ctx context.Context, v any, path string) (Stored, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return Stored{}, errors.Wrapf(ErrUnsupported, "encode %T: %v", v, err)
	}
	header := objectHeader{version: objectVersion, sum: xxhash.Sum64(payload)}.encode()
	size := int64(len(header) + len(payload))

	if err := b.ensureSpace(filepath.Dir(path), size); err != nil {
		return Stored{}, err
	}
	err = b.locks.WithFile(ctx, path, lock.Exclusive, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644,
		func(f *os.File) error {
			if err := b.writeChunks(f, header); err != nil {
				return err
			}
			return b.writeChunks(f, payload)
		})
	if err != nil {
		return Stored{}, errors.Wrapf(err, "backend: write %s", path)
	}
	b.awaitSize(ctx, path, size)
	b.log.Debug("Stored object artifact.", "path", path, "size", humanize.IBytes(uint64(size)))
	return Stored{Kind: KindObject, Path: path, Bytes: size}, nil
}

// loadObject verifies the header checksum, then stream-decodes the payload.
// If streaming fails the payload is re-read in chunks and decoded from memory.
func (b *Backend) loadObject(ctx context.Context, path string, out any) error {
	err := b.locks.WithFile(ctx, path, lock.Shared, os.O_RDONLY, 0, func(f *os.File) error {
		st, err := f.Stat()
		if err != nil {
			return err
		}
		if st.Size() < int64(objectHeaderSize) {
			return errors.Wrapf(ErrCorrupt, "%s is %d bytes", path, st.Size())
		}
		raw := make([]byte, objectHeaderSize)
		if _, err := io.ReadFull(f, raw); err != nil {
			return errors.Wrap(ErrCorrupt, err.Error())
		}
		h, err := decodeObjectHeader(raw)
		if err != nil {
			return err
		}

		digest := xxhash.New()
		dec := msgpack.NewDecoder(bufio.NewReader(io.TeeReader(f, digest)))
		decErr := dec.Decode(out)
		if decErr == nil {
			// Drain whatever the decoder did not consume so the digest covers the file.
			if _, err := io.Copy(digest, f); err != nil {
				return err
			}
			if digest.Sum64() == h.sum {
				return nil
			}
			return errors.Wrapf(ErrCorrupt, "%s: checksum mismatch", path)
		}
		b.log.Debug("Streaming decode failed, re-reading in chunks.", "path", path, "error", decErr)

		payload, err := b.readChunks(f, int64(objectHeaderSize), st.Size()-int64(objectHeaderSize))
		if err != nil {
			return err
		}
		if xxhash.Sum64(payload) != h.sum {
			return errors.Wrapf(ErrCorrupt, "%s: checksum mismatch", path)
		}
		if err := msgpack.Unmarshal(payload, out); err != nil {
			return errors.Wrapf(ErrCorrupt, "%s: %v", path, err)
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return errors.Mark(errors.Wrapf(err, "load %s", path), ErrAbsent)
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrCorrupt):
		b.log.Warn("Corrupt object artifact.", "path", path, "error", err)
		return err
	default:
		b.log.Warn("Failed to read object artifact.", "path", path, "error", err)
		return errors.Mark(errors.Wrapf(err, "load %s", path), ErrCorrupt)
	}
}

// readChunks reads n bytes starting at off in pieces of at most chunkSize.
func (b *Backend) readChunks(f *os.File, off, n int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(n))
	chunk := make([]byte, min(int64(b.chunkSize), max(n, 1)))
	for read := int64(0); read < n; {
		want := min(int64(len(chunk)), n-read)
		got, err := f.ReadAt(chunk[:want], off+read)
		buf.Write(chunk[:got])
		read += int64(got)
		if err != nil {
			if errors.Is(err, io.EOF) && read == n {
				break
			}
			return nil, errors.Wrapf(ErrCorrupt, "short read at %d: %v", off+read, err)
		}
	}
	return buf.Bytes(), nil
}
