package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// NPY format, version 1.0: magic, version, little-endian uint16 header length,
// then a Python dict literal padded with spaces so the data starts on a
// 64-byte boundary.
const (
	npyMagic      = "\x93NUMPY"
	npyAlign      = 64
	npyPreambleV1 = len(npyMagic) + 2 + 2
)

var (
	npyDescr   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	npyFortran = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShape   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// npyHeader renders the header (preamble included) for dtype and shape.
func npyHeader(dtype DType, shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype, shapeStr)

	total := npyPreambleV1 + len(dict) + 1
	if rem := total % npyAlign; rem != 0 {
		total += npyAlign - rem
	}
	hlen := total - npyPreambleV1

	out := make([]byte, 0, total)
	out = append(out, npyMagic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(hlen))
	out = append(out, dict...)
	for len(out) < total-1 {
		out = append(out, ' ')
	}
	return append(out, '\n')
}

// npyInfo is what a parsed header tells us about the payload.
type npyInfo struct {
	dtype  DType
	shape  []int
	offset int
}

// readNPYHeader parses the header at the start of r.
func readNPYHeader(r io.Reader) (npyInfo, error) {
	pre := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, pre); err != nil {
		return npyInfo{}, errors.Wrap(err, "backend: npy preamble")
	}
	if string(pre[:len(npyMagic)]) != npyMagic {
		return npyInfo{}, errors.New("backend: not an npy file")
	}

	var hlen, offset int
	switch major := pre[len(npyMagic)]; major {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return npyInfo{}, errors.Wrap(err, "backend: npy header length")
		}
		hlen = int(binary.LittleEndian.Uint16(b[:]))
		offset = len(pre) + 2 + hlen
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return npyInfo{}, errors.Wrap(err, "backend: npy header length")
		}
		hlen = int(binary.LittleEndian.Uint32(b[:]))
		offset = len(pre) + 4 + hlen
	default:
		return npyInfo{}, errors.Newf("backend: unsupported npy version %d", major)
	}

	header := make([]byte, hlen)
	if _, err := io.ReadFull(r, header); err != nil {
		return npyInfo{}, errors.Wrap(err, "backend: npy header")
	}
	info, err := parseNPYDict(string(header))
	if err != nil {
		return npyInfo{}, err
	}
	info.offset = offset
	return info, nil
}

func parseNPYDict(dict string) (npyInfo, error) {
	descr := npyDescr.FindStringSubmatch(dict)
	if descr == nil {
		return npyInfo{}, errors.Newf("backend: npy header without descr: %q", dict)
	}
	dtype := DType(descr[1])
	if dtype == "<b1" || dtype == "=b1" {
		dtype = Bool
	}
	if !dtype.Valid() {
		return npyInfo{}, errors.Wrapf(ErrUnsupported, "npy dtype %q", descr[1])
	}
	if f := npyFortran.FindStringSubmatch(dict); f != nil && f[1] == "True" {
		return npyInfo{}, errors.Wrap(ErrUnsupported, "fortran-ordered npy data")
	}
	m := npyShape.FindStringSubmatch(dict)
	if m == nil {
		return npyInfo{}, errors.Newf("backend: npy header without shape: %q", dict)
	}
	var shape []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "L"))
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return npyInfo{}, errors.Wrapf(err, "backend: npy shape %q", m[1])
		}
		shape = append(shape, d)
	}
	if _, err := payloadSize(dtype, shape); err != nil {
		return npyInfo{}, err
	}
	return npyInfo{dtype: dtype, shape: shape}, nil
}

// payloadSize returns the byte size of an array with the given layout.
// Negative dimensions and sizes that overflow int64 are corrupt.
func payloadSize(dtype DType, shape []int) (int64, error) {
	n := int64(dtype.Size())
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Wrapf(ErrCorrupt, "negative dimension in shape %v", shape)
		}
		if d > 0 && n > math.MaxInt64/int64(d) {
			return 0, errors.Wrapf(ErrCorrupt, "shape %v overflows", shape)
		}
		n *= int64(d)
	}
	return n, nil
}

// checkLayout validates that info describes a payload inside a file of
// fileSize bytes and returns the end offset of the payload.
func checkLayout(info npyInfo, fileSize int64) (int64, error) {
	nbytes, err := payloadSize(info.dtype, info.shape)
	if err != nil {
		return 0, err
	}
	if info.offset < 0 || int64(info.offset) > fileSize {
		return 0, errors.Wrapf(ErrCorrupt, "payload offset %d outside file of %d bytes", info.offset, fileSize)
	}
	end := int64(info.offset) + nbytes
	if nbytes > fileSize-int64(info.offset) || end > math.MaxInt {
		return 0, errors.Wrapf(ErrCorrupt, "file holds %d bytes, layout needs %d at offset %d",
			fileSize, nbytes, info.offset)
	}
	return end, nil
}
