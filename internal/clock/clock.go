// Package clock implements the playback clocks used for A/V sync: one
// clock per stream plus a free-running external clock, and the selection
// of which one is master.
//
// A clock stores a pts anchored at a wall time and extrapolates from there
// at its speed. It is only valid while its serial equals the serial of the
// queue that feeds it; after a seek the queue serial moves on and the clock
// reports NaN until a frame from the new serial re-anchors it.
package clock

import (
	"math"
	"sync"
	"time"
)

var epoch = time.Now()

// Now returns monotonic wall time in seconds.
func Now() float64 {
	return time.Since(epoch).Seconds()
}

// Source returns wall time in seconds. Tests inject a manual source.
type Source func() float64

// SerialSource reports the serial of the queue that feeds a clock.
type SerialSource interface {
	Serial() int
}

// Clock is safe for concurrent use.
type Clock struct {
	mu          sync.Mutex
	pts         float64
	ptsDrift    float64
	lastUpdated float64
	speed       float64
	serial      int
	paused      bool

	queue SerialSource
	now   Source
}

// selfSerial lets the external clock validate against its own serial.
type selfSerial struct{ c *Clock }

func (s selfSerial) Serial() int { return s.c.serial }

// New returns a clock at speed 1 holding NaN at serial -1. A nil queue
// makes the clock its own serial source. A nil now uses Now.
func New(queue SerialSource, now Source) *Clock {
	if now == nil {
		now = Now
	}
	c := &Clock{speed: 1, now: now}
	if queue == nil {
		queue = selfSerial{c}
	}
	c.queue = queue
	c.setAt(math.NaN(), -1, now())
	return c
}

// Get returns the current clock time in seconds, or NaN when the clock is
// stale.
func (c *Clock) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(c.now())
}

// GetAt is Get evaluated at wall time t.
func (c *Clock) GetAt(t float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(t)
}

func (c *Clock) getLocked(t float64) float64 {
	if c.queue.Serial() != c.serial {
		return math.NaN()
	}
	if c.paused {
		return c.pts
	}
	return c.ptsDrift + t - (t-c.lastUpdated)*(1-c.speed)
}

// Set anchors the clock at pts for the given serial at the current time.
func (c *Clock) Set(pts float64, serial int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAt(pts, serial, c.now())
}

// SetAt anchors the clock at pts for serial as of wall time t.
func (c *Clock) SetAt(pts float64, serial int, t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAt(pts, serial, t)
}

func (c *Clock) setAt(pts float64, serial int, t float64) {
	c.pts = pts
	c.lastUpdated = t
	c.ptsDrift = pts - t
	c.serial = serial
}

// Reanchor re-sets the clock to its own current value, restarting
// extrapolation from now.
func (c *Clock) Reanchor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	c.setAt(c.getLocked(t), c.serial, t)
}

// SetSpeed re-anchors the clock and changes its speed.
func (c *Clock) SetSpeed(speed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	c.setAt(c.getLocked(t), c.serial, t)
	c.speed = speed
}

// Speed returns the clock's rate relative to wall time.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetPaused freezes or unfreezes the clock at its stored pts.
func (c *Clock) SetPaused(p bool) {
	c.mu.Lock()
	c.paused = p
	c.mu.Unlock()
}

// Paused reports whether the clock is frozen.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Serial returns the serial the clock was last anchored with.
func (c *Clock) Serial() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// LastUpdated returns the wall time of the last anchor.
func (c *Clock) LastUpdated() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdated
}

// SyncTo re-anchors c from slave when slave is valid and c is either
// unknown or further than threshold seconds away from it.
func (c *Clock) SyncTo(slave *Clock, threshold float64) {
	slaveTime := slave.Get()
	slaveSerial := slave.Serial()
	if math.IsNaN(slaveTime) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	own := c.getLocked(t)
	if math.IsNaN(own) || math.Abs(own-slaveTime) > threshold {
		c.setAt(slaveTime, slaveSerial, t)
	}
}
