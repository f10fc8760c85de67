package source

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func payload() []byte {
	b := make([]byte, 200_000)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestHTTPReadAndSeek(t *testing.T) {
	t.Parallel()
	data := payload()
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		http.ServeContent(w, r, "clip.ts", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	src, err := Open(srv.URL + "/clip.ts")
	require.NoError(t, err)
	defer src.Close()
	require.Equal(t, int64(len(data)), src.Size())

	buf := make([]byte, 188)
	_, err = io.ReadFull(src, buf)
	require.NoError(t, err)
	require.Equal(t, data[:188], buf)

	// A short forward seek stays inside the buffered window.
	pos, err := src.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(1000), pos)
	_, err = io.ReadFull(src, buf)
	require.NoError(t, err)
	require.Equal(t, data[1000:1188], buf)

	// A seek past the buffered window reopens at the new offset.
	_, err = src.Seek(-188, io.SeekEnd)
	require.NoError(t, err)
	_, err = io.ReadFull(src, buf)
	require.NoError(t, err)
	require.Equal(t, data[len(data)-188:], buf)
	require.GreaterOrEqual(t, gets.Load(), int32(2))

	n, err := src.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestHTTPServerIgnoringRange(t *testing.T) {
	t.Parallel()
	data := payload()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "200000")
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	}))
	defer srv.Close()

	src, err := NewHTTP(srv.URL)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Seek(5000, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(src, buf)
	require.NoError(t, err)
	require.Equal(t, data[5000:5010], buf)
}

func TestHTTPNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Open(srv.URL + "/missing.ts")
	require.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "clip.ts")
	require.NoError(t, os.WriteFile(path, payload(), 0o644))

	for _, name := range []string{path, "file://" + path} {
		src, err := Open(name)
		require.NoError(t, err, name)
		require.Equal(t, int64(200_000), src.Size())
		src.Close()
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	t.Parallel()
	_, err := Open("rtsp://camera/stream")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("Open = %v, want ErrUnsupportedScheme", err)
	}
}

func TestContentRangeTotal(t *testing.T) {
	t.Parallel()
	tests := map[string]int64{
		"bytes 0-99/1000": 1000,
		"bytes 0-99/*":    -1,
		"":                -1,
	}
	for in, want := range tests {
		if got := contentRangeTotal(in); got != want {
			t.Fatalf("contentRangeTotal(%q) = %d, want %d", in, got, want)
		}
	}
}
