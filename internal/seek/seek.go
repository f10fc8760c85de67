// Package seek holds the seek request state machine and the per-stream
// accurate-seek discard markers.
//
// A request moves Idle -> Requested -> InFlight -> Idle. The read loop takes
// the request, performs the demuxer seek, flushes the packet queues, and
// reports back with Done. Requests made while one is pending replace it;
// requests made while one is in flight wait for the next loop iteration.
package seek

import (
	"errors"
	"math"
	"sync"
	"time"
)

// DefaultPreroll is how far before the target the demuxer is positioned
// for an accurate seek; decoders then discard up to the target.
const DefaultPreroll = 2500 * time.Millisecond

// State of the controller.
type State int

// Controller states.
const (
	Idle State = iota
	Requested
	InFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case InFlight:
		return "in-flight"
	}
	return "unknown"
}

// ErrNotInFlight is returned by Done without a matching Take.
var ErrNotInFlight = errors.New("seek: no seek in flight")

// Request is one seek as seen by the read loop.
type Request struct {
	// Target is the position the caller asked for, in stream time.
	Target time.Duration
	// Pos is where the demuxer should land: Target minus the pre-roll
	// when accurate and the target is far enough from the start.
	Pos time.Duration
	// Rel is the signed distance from the position at request time.
	Rel      time.Duration
	Backward bool
	Accurate bool
}

// Direction returns the discard mode for the markers: 1 forward, 2 backward.
func (r Request) Direction() int {
	if r.Backward {
		return 2
	}
	return 1
}

// Controller is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	pending  *Request
	inFlight *Request
	preroll  time.Duration
	wake     chan struct{}
}

// NewController creates a controller with the given pre-roll; a negative
// value uses DefaultPreroll.
func NewController(preroll time.Duration) *Controller {
	if preroll < 0 {
		preroll = DefaultPreroll
	}
	return &Controller{preroll: preroll, wake: make(chan struct{}, 1)}
}

// Accurate builds an accurate request for target given the current
// position. min is the earliest seekable position (the stream start).
func (c *Controller) Accurate(target, current, min time.Duration) Request {
	pos := target
	if pos-min > c.preroll {
		pos -= c.preroll
	}
	return Request{
		Target:   target,
		Pos:      pos,
		Rel:      target - current,
		Backward: target <= current,
		Accurate: true,
	}
}

// Request records r, replacing any request not yet taken.
func (c *Controller) Request(r Request) {
	c.mu.Lock()
	c.pending = &r
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled whenever a request is recorded so a sleeping read loop
// can react without waiting out its poll interval.
func (c *Controller) Wake() <-chan struct{} { return c.wake }

// Take moves a pending request in flight. ok is false when there is
// nothing to do or a seek is already in flight.
func (c *Controller) Take() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.inFlight != nil {
		return Request{}, false
	}
	c.inFlight, c.pending = c.pending, nil
	return *c.inFlight, true
}

// Done completes the in-flight seek. A failed seek is dropped: playback
// continues from the old position.
func (c *Controller) Done() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == nil {
		return ErrNotInFlight
	}
	c.inFlight = nil
	return nil
}

// State reports the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.inFlight != nil:
		return InFlight
	case c.pending != nil:
		return Requested
	}
	return Idle
}

// PendingTarget returns the target of the newest request not yet
// completed, for position reporting while clocks are unknown.
func (c *Controller) PendingTarget() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return c.pending.Target, true
	}
	if c.inFlight != nil {
		return c.inFlight.Target, true
	}
	return 0, false
}

// Marker is one stream's accurate-seek discard state.
type Marker struct {
	mu     sync.Mutex
	mode   int
	target float64
	serial int
}

// Arm starts discarding frames of serial (and later) until one reaches
// target seconds.
func (m *Marker) Arm(target float64, backward bool, serial int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = target
	m.serial = serial
	m.mode = 1
	if backward {
		m.mode = 2
	}
}

// Disarm cancels any discard in progress.
func (m *Marker) Disarm() {
	m.mu.Lock()
	m.mode = 0
	m.mu.Unlock()
}

// Armed reports whether frames are still being discarded.
func (m *Marker) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode != 0
}

// Keep reports whether a decoded frame with this pts and serial should be
// kept. Frames from before the armed serial are left to the serial check.
// In backward mode frames without a pts are dropped until a timed frame
// arrives; from then on (forward mode) frames are dropped until the first
// one at or past the target, which disarms the marker.
func (m *Marker) Keep(pts float64, serial int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == 0 || serial < m.serial {
		return true
	}
	if math.IsNaN(pts) {
		return false
	}
	if m.mode == 2 {
		m.mode = 1
	}
	if pts < m.target {
		return false
	}
	m.mode = 0
	return true
}
