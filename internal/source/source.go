// Package source opens seekable byte sources for file playback: local
// files and http(s) URLs read through Range requests.
package source

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// ErrUnsupportedScheme is returned for URLs that are not files or http(s).
var ErrUnsupportedScheme = errors.New("source: unsupported scheme")

// Source is a seekable input with a known size.
type Source interface {
	io.ReadSeeker
	io.Closer
	// Size returns the total length in bytes, or -1 when unknown.
	Size() int64
}

// Open opens a local path, a file:// URL, or an http(s):// URL.
func Open(rawURL string, opts ...HTTPOption) (Source, error) {
	if !strings.Contains(rawURL, "://") {
		return OpenFile(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		return OpenFile(u.Path)
	case "http", "https":
		return NewHTTP(rawURL, opts...)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// File is a local file source.
type File struct {
	*os.File
	size int64
}

// OpenFile opens path for reading.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: stat: %w", err)
	}
	return &File{File: f, size: fi.Size()}, nil
}

// Size returns the file length.
func (f *File) Size() int64 { return f.size }
