package backend

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
)

// DType is a NumPy-style element type descriptor (byte order + kind + size).
type DType string

const (
	Float64 DType = "<f8"
	Float32 DType = "<f4"
	Int64   DType = "<i8"
	Int32   DType = "<i4"
	Int16   DType = "<i2"
	Int8    DType = "|i1"
	Uint64  DType = "<u8"
	Uint32  DType = "<u4"
	Uint16  DType = "<u2"
	Uint8   DType = "|u1"
	Bool    DType = "|b1"
)

var dtypeSizes = map[DType]int{
	Float64: 8, Float32: 4,
	Int64: 8, Int32: 4, Int16: 2, Int8: 1,
	Uint64: 8, Uint32: 4, Uint16: 2, Uint8: 1,
	Bool: 1,
}

// Size returns the element size in bytes, or 0 for unsupported descriptors.
func (d DType) Size() int { return dtypeSizes[d] }

// Valid reports whether d is one of the supported descriptors.
func (d DType) Valid() bool { return d.Size() > 0 }

// Array is a dense, C-ordered, little-endian n-dimensional array.
//
// An Array is either in-memory (Data owned by the Go heap) or mapped: Data
// aliases a memory map of its backing file. Mapped arrays loaded from the
// cache are read-only; writing to their Data faults. Close releases the map.
type Array struct {
	DType DType
	Shape []int
	Data  []byte

	mu       sync.Mutex
	mapping  []byte
	file     *os.File
	path     string
	writable bool
}

// Len returns the number of elements.
func (a *Array) Len() int { return elements(a.Shape) }

// NBytes returns the payload size in bytes.
func (a *Array) NBytes() int64 { return int64(len(a.Data)) }

// Mapped reports whether Data aliases a memory-mapped file.
func (a *Array) Mapped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapping != nil
}

// Path returns the backing file of a mapped array, or "".
func (a *Array) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

// Validate checks that dtype, shape and payload size agree.
func (a *Array) Validate() error {
	if !a.DType.Valid() {
		return errors.Wrapf(ErrUnsupported, "dtype %q", a.DType)
	}
	for _, d := range a.Shape {
		if d < 0 {
			return errors.Newf("backend: negative dimension in shape %v", a.Shape)
		}
	}
	if want := a.Len() * a.DType.Size(); want != len(a.Data) {
		return errors.Newf("backend: shape %v of %s needs %d bytes, have %d", a.Shape, a.DType, want, len(a.Data))
	}
	return nil
}

// Equal reports whether both arrays hold the same dtype, shape and bytes.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

// Clone returns an in-memory copy that stays valid after a is closed.
func (a *Array) Clone() *Array {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Array{
		DType: a.DType,
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]byte(nil), a.Data...),
	}
}

// Close unmaps a mapped array and closes its file. In-memory arrays are unaffected.
func (a *Array) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mapping == nil {
		return nil
	}
	var err error
	if a.writable {
		err = syncMapping(a.mapping, a.file)
	}
	err = errors.CombineErrors(err, unmap(a.mapping))
	if a.file != nil {
		err = errors.CombineErrors(err, a.file.Close())
	}
	a.mapping, a.file, a.Data = nil, nil, nil
	runtime.SetFinalizer(a, nil)
	return err
}

// Flush writes a writable mapping back to its file.
func (a *Array) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mapping == nil || !a.writable {
		return nil
	}
	if err := syncMapping(a.mapping, a.file); err != nil {
		return err
	}
	return a.file.Sync()
}

// newMapped wraps a mapping; the finalizer unmaps arrays that are dropped without Close.
func newMapped(dtype DType, shape []int, mapping []byte, offset int, f *os.File, path string, writable bool) *Array {
	a := &Array{
		DType:    dtype,
		Shape:    append([]int(nil), shape...),
		Data:     mapping[offset:],
		mapping:  mapping,
		file:     f,
		path:     path,
		writable: writable,
	}
	runtime.SetFinalizer(a, func(a *Array) { _ = a.Close() })
	return a
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func build[E any](dtype DType, shape []int, vals []E, put func([]byte, E)) (*Array, error) {
	if elements(shape) != len(vals) {
		return nil, errors.Newf("backend: shape %v holds %d elements, got %d", shape, elements(shape), len(vals))
	}
	size := dtype.Size()
	data := make([]byte, len(vals)*size)
	for i, v := range vals {
		put(data[i*size:], v)
	}
	return &Array{DType: dtype, Shape: append([]int(nil), shape...), Data: data}, nil
}

func decode[E any](a *Array, want DType, get func([]byte) E) ([]E, error) {
	if a.DType != want {
		return nil, errors.Newf("backend: array dtype is %s, not %s", a.DType, want)
	}
	size := want.Size()
	out := make([]E, len(a.Data)/size)
	for i := range out {
		out[i] = get(a.Data[i*size:])
	}
	return out, nil
}

// FromFloat64 builds a float64 array with the given shape.
func FromFloat64(shape []int, vals []float64) (*Array, error) {
	return build(Float64, shape, vals, func(b []byte, v float64) {
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	})
}

// FromFloat32 builds a float32 array with the given shape.
func FromFloat32(shape []int, vals []float32) (*Array, error) {
	return build(Float32, shape, vals, func(b []byte, v float32) {
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	})
}

// FromInt64 builds an int64 array with the given shape.
func FromInt64(shape []int, vals []int64) (*Array, error) {
	return build(Int64, shape, vals, func(b []byte, v int64) {
		binary.LittleEndian.PutUint64(b, uint64(v))
	})
}

// FromInt32 builds an int32 array with the given shape.
func FromInt32(shape []int, vals []int32) (*Array, error) {
	return build(Int32, shape, vals, func(b []byte, v int32) {
		binary.LittleEndian.PutUint32(b, uint32(v))
	})
}

// FromUint8 builds a uint8 array with the given shape. vals is copied.
func FromUint8(shape []int, vals []uint8) (*Array, error) {
	return build(Uint8, shape, vals, func(b []byte, v uint8) { b[0] = v })
}

// Float64s decodes a float64 array into a new slice.
func (a *Array) Float64s() ([]float64, error) {
	return decode(a, Float64, func(b []byte) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	})
}

// Float32s decodes a float32 array into a new slice.
func (a *Array) Float32s() ([]float32, error) {
	return decode(a, Float32, func(b []byte) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	})
}

// Int64s decodes an int64 array into a new slice.
func (a *Array) Int64s() ([]int64, error) {
	return decode(a, Int64, func(b []byte) int64 { return int64(binary.LittleEndian.Uint64(b)) })
}

// Int32s decodes an int32 array into a new slice.
func (a *Array) Int32s() ([]int32, error) {
	return decode(a, Int32, func(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) })
}
