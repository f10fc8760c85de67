package live

import (
	"errors"
	"sync/atomic"
	"time"
)

// DefaultReadTimeout is how long a source may stay silent before the
// connection is dropped.
const DefaultReadTimeout = 10 * time.Second

// ErrReadTimeout is returned when a source stayed silent past the read
// timeout.
var ErrReadTimeout = errors.New("live: read timeout")

// watchdog runs expire once when it is not kicked for timeout. Sources
// use it to close a connection whose blocking read has stalled.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newWatchdog(timeout time.Duration, expire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		expire()
	})
	return w
}

func (w *watchdog) kick() {
	if !w.fired.Load() {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() { w.timer.Stop() }

func (w *watchdog) expired() bool { return w.fired.Load() }
