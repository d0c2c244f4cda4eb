package registry

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// TotalKey is the reserved document key holding the store counter.
const TotalKey = "total_number_of_cache_to_disks"

// Unlimited as MaxAgeDays means the entry never expires.
const Unlimited = 0

// ErrReservedName is returned when a function is named like TotalKey.
var ErrReservedName = errors.Newf("registry: %q is reserved", TotalKey)

// Entry describes one stored artifact. Its identity is the owning function
// name plus Args and Kwargs; FileName is relative to the cache directory.
type Entry struct {
	Args       string `json:"args"`
	Kwargs     string `json:"kwargs"`
	FileName   string `json:"file_name"`
	MaxAgeDays int    `json:"max_age_days"`
}

// UnmarshalJSON accepts max_age_days as a number or a numeric string.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Args       string          `json:"args"`
		Kwargs     string          `json:"kwargs"`
		FileName   string          `json:"file_name"`
		MaxAgeDays json.RawMessage `json:"max_age_days"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	days, err := parseDays(raw.MaxAgeDays)
	if err != nil {
		return errors.Wrapf(err, "registry: entry %s", raw.FileName)
	}
	*e = Entry{Args: raw.Args, Kwargs: raw.Kwargs, FileName: raw.FileName, MaxAgeDays: days}
	return nil
}

func parseDays(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return Unlimited, nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Newf("max_age_days %s is not a number", raw)
	}
	if f < 0 {
		return Unlimited, nil
	}
	return int(f), nil
}

// Document is the decoded registry: entry lists grouped by function name plus
// a monotonically increasing store counter. It is not safe for concurrent
// use; share it only under the registry's lock (see Registry.Update).
type Document struct {
	Total int
	funcs map[string][]Entry
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{funcs: make(map[string][]Entry)}
}

// Lookup returns the first row for fn with exactly these args and kwargs.
func (d *Document) Lookup(fn, args, kwargs string) (Entry, bool) {
	for _, e := range d.funcs[fn] {
		if e.Args == args && e.Kwargs == kwargs {
			return e, true
		}
	}
	return Entry{}, false
}

// Append records a newly stored artifact and bumps Total.
func (d *Document) Append(fn string, e Entry) error {
	if fn == TotalKey {
		return ErrReservedName
	}
	d.funcs[fn] = append(d.funcs[fn], e)
	d.Total++
	return nil
}

// RemoveAll deletes and returns every row for fn.
func (d *Document) RemoveAll(fn string) []Entry {
	rows := d.funcs[fn]
	delete(d.funcs, fn)
	return rows
}

// Entries returns a copy of the rows for fn; ok is false when fn has none.
func (d *Document) Entries(fn string) ([]Entry, bool) {
	rows, ok := d.funcs[fn]
	if !ok {
		return nil, false
	}
	return append([]Entry(nil), rows...), true
}

// Set replaces the rows for fn. An empty slice removes fn.
func (d *Document) Set(fn string, rows []Entry) {
	if len(rows) == 0 {
		delete(d.funcs, fn)
		return
	}
	d.funcs[fn] = rows
}

// Functions returns the function names in sorted order.
func (d *Document) Functions() []string {
	names := make([]string, 0, len(d.funcs))
	for name := range d.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of rows across all functions.
func (d *Document) Len() int {
	n := 0
	for _, rows := range d.funcs {
		n += len(rows)
	}
	return n
}

// Compact drops duplicate signatures, keeping the newest (last appended) row
// of each. It returns the number of rows removed.
func (d *Document) Compact() int {
	removed := 0
	for fn, rows := range d.funcs {
		type sig struct{ args, kwargs string }
		last := make(map[sig]int, len(rows))
		for i, e := range rows {
			last[sig{e.Args, e.Kwargs}] = i
		}
		if len(last) == len(rows) {
			continue
		}
		kept := make([]Entry, 0, len(last))
		for i, e := range rows {
			if last[sig{e.Args, e.Kwargs}] == i {
				kept = append(kept, e)
			}
		}
		removed += len(rows) - len(kept)
		d.funcs[fn] = kept
	}
	return removed
}

// MarshalJSON writes function keys in sorted order followed by TotalKey.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, fn := range d.Functions() {
		k, _ := json.Marshal(fn)
		rows, err := json.Marshal(d.funcs[fn])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(rows)
		buf.WriteString(", ")
	}
	buf.WriteString(strconv.Quote(TotalKey))
	buf.WriteString(": ")
	buf.WriteString(strconv.Itoa(d.Total))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a registry document. Unknown non-list values are
// rejected so a foreign file is never silently rewritten.
func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	doc := NewDocument()
	for k, v := range raw {
		if k == TotalKey {
			total, err := parseDays(v)
			if err != nil {
				return errors.Wrap(err, "registry: total")
			}
			doc.Total = total
			continue
		}
		var rows []Entry
		if err := json.Unmarshal(v, &rows); err != nil {
			return errors.Wrapf(err, "registry: rows for %q", k)
		}
		if len(rows) > 0 {
			doc.funcs[k] = rows
		}
	}
	*d = *doc
	return nil
}
