// Package logging builds the process logger and the rotating file it can
// write to.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// New returns a text logger writing to out at level.
func New(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// RollingWriter writes to one file per day under a directory, starting a
// numbered file whenever the current one would exceed its size limit.
// Files are named base-YYYY-MM-DD.log, base-YYYY-MM-DD.1.log and so on.
type RollingWriter struct {
	dir     string
	base    string
	maxSize int64
	now     func() time.Time

	mu    sync.Mutex
	date  string
	index int
	file  *os.File
	size  int64
}

// Open creates a writer for path, whose extension is replaced by the date
// suffix. maxSize <= 0 disables size rotation. now may be nil.
func Open(path string, maxSize int64, now func() time.Time) (*RollingWriter, error) {
	if now == nil {
		now = time.Now
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	w := &RollingWriter{dir: dir, base: base, maxSize: maxSize, now: now}
	w.date = now().Format(time.DateOnly)
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RollingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}

	if today := w.now().Format(time.DateOnly); today != w.date {
		w.date, w.index = today, 0
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	// An oversized write still goes to a fresh file rather than looping.
	for w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		w.index++
		if err := w.open(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Name returns the path of the file being written.
func (w *RollingWriter) Name() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path()
}

// Close closes the current file.
func (w *RollingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RollingWriter) path() string {
	name := w.base + "-" + w.date
	if w.index > 0 {
		name += fmt.Sprintf(".%d", w.index)
	}
	return filepath.Join(w.dir, name+".log")
}

// open switches to the file for the current date and index, appending to
// it if it already exists.
func (w *RollingWriter) open() error {
	var errs []error
	if w.file != nil {
		errs = append(errs, w.file.Close())
		w.file = nil
	}
	f, err := os.OpenFile(w.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		errs = append(errs, err)
		return fmt.Errorf("logging: open: %w", errors.Join(errs...))
	}
	w.file = f
	w.size = 0
	if info, err := f.Stat(); err == nil {
		w.size = info.Size()
	}
	return nil
}
