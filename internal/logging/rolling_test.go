package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRollingWriterSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	w, err := Open(filepath.Join(dir, "cadence.log"), 10, clk.now)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	for _, s := range []string{"aaaaaa\n", "bbbbbb\n", "cccccc\n"} {
		_, err := w.Write([]byte(s))
		require.NoError(t, err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "cadence-2026-03-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "aaaaaa\n", string(first))
	second, err := os.ReadFile(filepath.Join(dir, "cadence-2026-03-01.1.log"))
	require.NoError(t, err)
	assert.Equal(t, "bbbbbb\n", string(second))
	assert.Equal(t, filepath.Join(dir, "cadence-2026-03-01.2.log"), w.Name())
}

func TestRollingWriterDay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}
	w, err := Open(filepath.Join(dir, "cadence.log"), 0, clk.now)
	require.NoError(t, err)

	_, err = w.Write([]byte("late\n"))
	require.NoError(t, err)
	clk.t = clk.t.Add(2 * time.Minute)
	_, err = w.Write([]byte("early\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := os.ReadFile(filepath.Join(dir, "cadence-2026-03-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "early\n", string(got))

	_, err = w.Write([]byte("after close"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRollingWriterAppends(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	path := filepath.Join(dir, "cadence-2026-03-01.log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	w, err := Open(filepath.Join(dir, "cadence.log"), 12, clk.now)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "cadence-2026-03-01.1.log"), w.Name())
}

func TestNew(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, -4)
	log.Debug("hello", "component", "test")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "component=test")
}
