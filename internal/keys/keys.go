// Package keys derives stable, filesystem-safe cache keys from a call signature.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
)

// ErrPositionalWithExclusions is a precondition failure: when argument
// exclusions are configured, calls must pass named arguments only.
var ErrPositionalWithExclusions = errors.New("keys: positional arguments are not allowed when exclusions are configured")

// Keyer lets a value choose its own identity, e.g. a handle that should
// render as a stable name instead of its address.
type Keyer interface {
	CacheKey() string
}

// Derive returns name + "_" + hex(sha256(name_args_kwargs)). Identical inputs
// yield identical keys in every process.
func Derive(name, args, kwargs string) string {
	sum := sha256.Sum256([]byte(name + "_" + args + "_" + kwargs))
	return name + "_" + hex.EncodeToString(sum[:])
}

// SafeName maps a function name to a form usable inside a file name.
func SafeName(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '.' || r == '_':
			return r
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		default:
			return '_'
		}
	}, name)
}

// Repr renders positional arguments canonically, e.g. `(1, "a", 2.5)`.
func Repr(args []any) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(value(a))
	}
	b.WriteByte(')')
	return b.String()
}

// ReprNamed renders named arguments in sorted key order, e.g. `{a: 1, b: "x"}`.
func ReprNamed(kw map[string]any) string {
	names := make([]string, 0, len(kw))
	for k := range kw {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(k))
		b.WriteString(": ")
		b.WriteString(value(kw[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// Strip returns a copy of kw without the excluded names.
func Strip(kw map[string]any, exclude []string) map[string]any {
	out := make(map[string]any, len(kw))
	for k, v := range kw {
		out[k] = v
	}
	for _, name := range exclude {
		delete(out, name)
	}
	return out
}

// CheckExclusions enforces the named-only rule when exclusions are configured.
func CheckExclusions(args []any, exclude []string) error {
	if len(exclude) > 0 && len(args) > 0 {
		return errors.Wrapf(ErrPositionalWithExclusions, "exclude=%v, got %d positional", exclude, len(args))
	}
	return nil
}

// value renders one argument. Scalars get an exact, type-tagged rendering;
// Keyer and fmt.Stringer values render through their method, tagged with
// their type. Everything else is walked by reflection: maps in sorted key
// order, pointers as their pointee.
func value(v any) string {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return "None"
	}
	switch x := v.(type) {
	case nil:
		return "None"
	case Keyer:
		return "key:" + strconv.Quote(x.CacheKey())
	case string:
		return strconv.Quote(x)
	case []byte:
		return "b" + strconv.Quote(string(x))
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case uintptr:
		return strconv.FormatUint(uint64(x), 10)
	case float32:
		return float(float64(x), 32)
	case float64:
		return float(x, 64)
	case time.Duration:
		return "duration:" + x.String()
	case time.Time:
		return "time:" + x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return fmt.Sprintf("%T(%s)", x, strconv.Quote(x.String()))
	}
	return walk(reflect.ValueOf(v), 0)
}

func float(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// maxDepth bounds the walk through self-referencing pointers.
const maxDepth = 32

// walk renders values the type switch in value does not cover: named
// scalars, slices, maps, structs and pointers. Struct fields are rendered
// by name, unexported ones included, so two values differing only in a
// private field never share a key.
func walk(rv reflect.Value, depth int) string {
	if !rv.IsValid() {
		return "None"
	}
	if depth > maxDepth {
		return rv.Type().String() + "{...}"
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "None"
		}
		return elem(rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = elem(rv.Index(i), depth+1)
		}
		return named(rv.Type()) + "[" + strings.Join(parts, ", ") + "]"
	case reflect.Map:
		type pair struct{ k, v string }
		pairs := make([]pair, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			pairs = append(pairs, pair{elem(iter.Key(), depth+1), elem(iter.Value(), depth+1)})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
		var b strings.Builder
		if rv.Type().Key().Kind() != reflect.String {
			b.WriteString(rv.Type().String())
		} else {
			b.WriteString(named(rv.Type()))
		}
		b.WriteByte('{')
		for i, p := range pairs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.k + ": " + p.v)
		}
		b.WriteByte('}')
		return b.String()
	case reflect.Struct:
		t := rv.Type()
		var b strings.Builder
		b.WriteString(t.String())
		b.WriteByte('{')
		for i := 0; i < t.NumField(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(t.Field(i).Name + ": " + elem(rv.Field(i), depth+1))
		}
		b.WriteByte('}')
		return b.String()
	case reflect.String:
		return tagged(rv.Type(), strconv.Quote(rv.String()))
	case reflect.Bool:
		if rv.Bool() {
			return tagged(rv.Type(), "True")
		}
		return tagged(rv.Type(), "False")
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return tagged(rv.Type(), strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return tagged(rv.Type(), strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return tagged(rv.Type(), float(rv.Float(), rv.Type().Bits()))
	case reflect.Complex64, reflect.Complex128:
		c := rv.Complex()
		return rv.Type().String() + "(" + float(real(c), 64) + ", " + float(imag(c), 64) + ")"
	}
	// Channels and functions have no stable identity across processes.
	return fmt.Sprintf("%s@%#x", rv.Type(), rv.Pointer())
}

// tagged wraps a scalar rendering in its type name for defined types such
// as `type label string`; predeclared types render bare, as value does.
func tagged(t reflect.Type, s string) string {
	if t.PkgPath() == "" {
		return s
	}
	return t.String() + "(" + s + ")"
}

// named returns the type tag of a defined slice, array or map type, and ""
// for unnamed ones such as []int.
func named(t reflect.Type) string {
	if t.Name() == "" {
		return ""
	}
	return t.String()
}

// elem renders a nested value. Exported values go through value so that
// Keyer, Stringer and the scalar renderings apply at every level.
func elem(rv reflect.Value, depth int) string {
	if rv.IsValid() && rv.CanInterface() && !isWalkOnly(rv) {
		return value(rv.Interface())
	}
	return walk(rv, depth)
}

// isWalkOnly reports kinds value would hand straight back to walk; calling
// walk directly keeps the depth count.
func isWalkOnly(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		t := rv.Type()
		return !t.Implements(keyerType) && !t.Implements(stringerType) &&
			t != timeType && t != bytesType
	}
	return false
}

var (
	keyerType    = reflect.TypeOf((*Keyer)(nil)).Elem()
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
	timeType     = reflect.TypeOf((*time.Time)(nil)).Elem()
	bytesType    = reflect.TypeOf((*[]byte)(nil)).Elem()
)
