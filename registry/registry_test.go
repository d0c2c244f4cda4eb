package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/IvanBrykalov/diskcache/lock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func entry(args, file string) Entry {
	return Entry{Args: args, Kwargs: "{}", FileName: file, MaxAgeDays: 2}
}

// Loading a fresh directory creates an empty, persisted document.
func TestLoad_CreatesEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(dir, "", nil)
	doc, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Total)
	assert.Equal(t, 0, doc.Len())

	raw, err := os.ReadFile(filepath.Join(dir, DefaultFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_number_of_cache_to_disks": 0}`, string(raw))
}

// Save then Load reproduces the rows, the counter and the on-disk field names.
func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(t.TempDir(), "reg.json", nil)

	doc := NewDocument()
	require.NoError(t, doc.Append("f", entry("(1)", "f_a.pkl")))
	require.NoError(t, doc.Append("g", Entry{Args: "()", Kwargs: `{"x": 1}`, FileName: "g_b.npy"}))
	require.NoError(t, r.Save(ctx, doc))

	raw, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"f": [{"args": "(1)", "kwargs": "{}", "file_name": "f_a.pkl", "max_age_days": 2}],
		"g": [{"args": "()", "kwargs": "{\"x\": 1}", "file_name": "g_b.npy", "max_age_days": 0}],
		"total_number_of_cache_to_disks": 2
	}`, string(raw))

	got, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, []string{"f", "g"}, got.Functions())
	e, ok := got.Lookup("g", "()", `{"x": 1}`)
	require.True(t, ok)
	assert.Equal(t, "g_b.npy", e.FileName)
	assert.Equal(t, Unlimited, e.MaxAgeDays)
	assert.Equal(t, filepath.Join(r.Dir(), "g_b.npy"), r.ArtifactPath(e.FileName))
}

// Documents written by other tools may store max_age_days as a string.
func TestEntry_MaxAgeAsString(t *testing.T) {
	t.Parallel()

	var doc Document
	err := json.Unmarshal([]byte(`{
		"f": [{"args": "()", "kwargs": "{}", "file_name": "f_1.pkl", "max_age_days": "7"},
		      {"args": "(1)", "kwargs": "{}", "file_name": "f_2.pkl", "max_age_days": 3.0},
		      {"args": "(2)", "kwargs": "{}", "file_name": "f_3.pkl"}],
		"total_number_of_cache_to_disks": 5
	}`), &doc)
	require.NoError(t, err)

	rows, ok := doc.Entries("f")
	require.True(t, ok)
	require.Len(t, rows, 3)
	assert.Equal(t, 7, rows[0].MaxAgeDays)
	assert.Equal(t, 3, rows[1].MaxAgeDays)
	assert.Equal(t, Unlimited, rows[2].MaxAgeDays)
	assert.Equal(t, 5, doc.Total)

	err = json.Unmarshal([]byte(`{"f": [{"max_age_days": "soon"}]}`), &doc)
	assert.Error(t, err)
}

// Lookup returns the first exact match; duplicates are tolerated until Compact.
func TestDocument_LookupAndCompact(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	require.NoError(t, doc.Append("f", entry("(1)", "old.pkl")))
	require.NoError(t, doc.Append("f", entry("(2)", "two.pkl")))
	require.NoError(t, doc.Append("f", entry("(1)", "new.pkl")))

	e, ok := doc.Lookup("f", "(1)", "{}")
	require.True(t, ok)
	assert.Equal(t, "old.pkl", e.FileName)
	_, ok = doc.Lookup("f", "(1)", `{"x": 1}`)
	assert.False(t, ok)

	assert.Equal(t, 1, doc.Compact())
	assert.Equal(t, 0, doc.Compact())
	rows, _ := doc.Entries("f")
	assert.Equal(t, []Entry{entry("(2)", "two.pkl"), entry("(1)", "new.pkl")}, rows)
	assert.Equal(t, 3, doc.Total, "Total counts stores, not rows")
}

func TestDocument_RemoveAllAndReserved(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	require.NoError(t, doc.Append("f", entry("(1)", "a.pkl")))
	require.NoError(t, doc.Append("f", entry("(2)", "b.pkl")))

	removed := doc.RemoveAll("f")
	assert.Len(t, removed, 2)
	_, ok := doc.Entries("f")
	assert.False(t, ok)
	assert.Empty(t, doc.RemoveAll("f"))

	err := doc.Append(TotalKey, entry("()", "x.pkl"))
	assert.True(t, errors.Is(err, ErrReservedName))
	assert.Equal(t, 2, doc.Total)

	doc.Set("g", []Entry{entry("()", "g.pkl")})
	assert.Equal(t, 1, doc.Len())
	doc.Set("g", nil)
	assert.Empty(t, doc.Functions())
}

// Concurrent read-modify-write cycles from independent coordinators (as
// separate processes would be) never lose an append.
func TestUpdate_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	const workers, perWorker = 8, 10

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			locks := lock.New(lock.WithMaxWait(30*time.Second), lock.WithInterval(time.Millisecond))
			r := New(dir, "", locks)
			for i := 0; i < perWorker; i++ {
				err := r.Update(ctx, func(doc *Document) (bool, error) {
					e := entry(fmt.Sprintf("(%d, %d)", w, i), fmt.Sprintf("f_%d_%d.pkl", w, i))
					return true, doc.Append("f", e)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	doc, err := New(dir, "", nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, doc.Len())
	assert.Equal(t, workers*perWorker, doc.Total)
}

// Update persists only when the callback reports a change.
func TestUpdate_NoChangeNoWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := New(t.TempDir(), "", nil)
	_, err := r.Load(ctx)
	require.NoError(t, err)
	before, err := os.Stat(r.Path())
	require.NoError(t, err)

	old := before.ModTime().Add(-time.Hour)
	require.NoError(t, os.Chtimes(r.Path(), old, old))
	require.NoError(t, r.Update(ctx, func(*Document) (bool, error) { return false, nil }))
	after, err := os.Stat(r.Path())
	require.NoError(t, err)
	assert.True(t, after.ModTime().Equal(old))

	boom := errors.New("boom")
	err = r.Update(ctx, func(*Document) (bool, error) { return true, boom })
	assert.True(t, errors.Is(err, boom))
}

// A registry that is not valid JSON is reported, never overwritten.
func TestLoad_Corrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New(dir, "", nil)
	require.NoError(t, os.WriteFile(r.Path(), []byte("{not json"), 0o644))

	_, err := r.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)

	raw, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
}
