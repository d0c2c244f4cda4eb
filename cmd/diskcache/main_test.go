package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/IvanBrykalov/diskcache/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func seed(t *testing.T, dir string) {
	t.Helper()
	s, err := cache.Open(context.Background(), cache.Options{
		Dir:    dir,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer s.Close()

	f := cache.Wrap(s, "square", func(_ context.Context, c cache.Call) (cache.Outcome[int], error) {
		x := c.Args[0].(int)
		return cache.Computed(x * x), nil
	})
	for i := 0; i < 3; i++ {
		_, err := f.Call(context.Background(), cache.Args(i))
		require.NoError(t, err)
	}
}

func TestCLI_InfoAndLs(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	info := run(t, "--dir", dir, "info")
	assert.Contains(t, info, dir)
	assert.Contains(t, info, "cache_to_disk_caches.json")
	assert.Contains(t, info, "rows:      3")
	assert.Contains(t, info, "square")

	ls := run(t, "--dir", dir, "ls", "square")
	assert.Equal(t, 4, bytes.Count([]byte(ls), []byte("\n")), ls)
	assert.Contains(t, ls, "15d")
	assert.NotContains(t, ls, "missing")
}

func TestCLI_ClearAndSweep(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	out := run(t, "--dir", dir, "sweep")
	assert.Contains(t, out, "kept=3 dropped=0 evicted=0 compacted=0")

	out = run(t, "--dir", dir, "sweep", "--max-entries", "1")
	assert.Contains(t, out, "kept=1")
	assert.Contains(t, out, "evicted=2")

	out = run(t, "--dir", dir, "clear", "square")
	assert.Contains(t, out, "removed 1 rows of square")

	out = run(t, "--dir", dir, "info")
	assert.Contains(t, out, "rows:      0")
	assert.Contains(t, out, "artifacts: 0 files")
}

func TestCLI_Migrate(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)
	assert.Contains(t, run(t, "--dir", dir, "migrate"), "renamed 0 artifacts")
}

func TestCLI_Bench(t *testing.T) {
	out := run(t, "bench", "--duration", "200ms", "--workers", "2", "--keys", "8", "--payload", "64", "--seed", "1")
	assert.Contains(t, out, "hit-rate=")
	assert.Contains(t, out, "workers=2 keys=8")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "info", "json")
	require.NoError(t, err)
	log.Info("Hello.", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"Hello."`)

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}
