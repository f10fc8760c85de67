// Package packetq implements the per-stream encoded unit queue that sits
// between the read loop and a decode worker. Every unit is stamped with the
// queue's epoch serial; putting a flush marker bumps the serial so that
// consumers can recognize and discard data from before a seek.
package packetq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/cadence/internal/media"
)

var (
	// ErrAborted is returned by Put and Get once the queue has been aborted.
	ErrAborted = errors.New("packetq: aborted")
	// ErrEmpty is returned by a non-blocking Get on an empty queue.
	ErrEmpty = errors.New("packetq: empty")
)

// refillThreshold is the queued unit count above which a starved queue is
// considered refilled.
const refillThreshold = 15

const initialCapacity = 64

// Queue is a ring-buffer deque of encoded units guarded by a mutex and a
// condition variable. The zero value is not usable; call New.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf  []*media.Unit
	head int
	n    int

	size     int
	duration time.Duration
	serial   int
	aborted  bool

	starving bool
	onStarve func()
	onRefill func()
}

// Option configures a Queue.
type Option func(*Queue)

// WithStarveHooks registers callbacks fired when a blocking Get finds the
// queue empty, and when a previously starved queue holds more than 15
// units again. Hooks run outside the queue lock.
func WithStarveHooks(onStarve, onRefill func()) Option {
	return func(q *Queue) {
		q.onStarve = onStarve
		q.onRefill = onRefill
	}
}

// New creates an aborted queue; call Start before use.
func New(opts ...Option) *Queue {
	q := &Queue{
		buf:     make([]*media.Unit, initialCapacity),
		aborted: true,
	}
	q.cond = sync.NewCond(&q.mu)
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start clears the abort flag and puts a flush marker, moving the queue to
// a fresh serial.
func (q *Queue) Start() {
	q.mu.Lock()
	q.aborted = false
	q.putLocked(&media.Unit{Flush: true})
	q.mu.Unlock()
	q.cond.Signal()
}

// Put appends u, stamping it with the current serial. A flush unit
// increments the serial first.
func (q *Queue) Put(u *media.Unit) error {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return ErrAborted
	}
	q.putLocked(u)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// PutFlush puts a discontinuity marker.
func (q *Queue) PutFlush() error {
	return q.Put(&media.Unit{Flush: true})
}

// PutEOF puts the null unit that tells the decoder to drain.
func (q *Queue) PutEOF(t media.StreamType) error {
	return q.Put(&media.Unit{Type: t, EOF: true, PTS: media.NoTimestamp, DTS: media.NoTimestamp, Pos: -1})
}

func (q *Queue) putLocked(u *media.Unit) {
	if u.Flush {
		q.serial++
	}
	u.Serial = q.serial

	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = u
	q.n++
	q.size += u.Size()
	q.duration += u.Duration
}

func (q *Queue) grow() {
	next := make([]*media.Unit, len(q.buf)*2)
	for i := range q.n {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func (q *Queue) popLocked() *media.Unit {
	u := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	q.size -= u.Size()
	q.duration -= u.Duration
	return u
}

// Get pops the oldest unit. The unit's Serial is the serial it was put
// under. With block set it waits until a unit arrives, the queue is
// aborted, or ctx is done.
func (q *Queue) Get(ctx context.Context, block bool) (*media.Unit, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	var hook func()
	defer func() {
		if hook != nil {
			hook()
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.aborted {
			return nil, ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.n > 0 {
			u := q.popLocked()
			if q.starving && q.n > refillThreshold {
				q.starving = false
				hook = q.onRefill
			}
			return u, nil
		}
		if !block {
			return nil, ErrEmpty
		}
		if !q.starving {
			q.starving = true
			if q.onStarve != nil {
				// Run the hook without holding the lock, then re-check.
				q.mu.Unlock()
				q.onStarve()
				q.mu.Lock()
				continue
			}
		}
		q.cond.Wait()
	}
}

// Flush discards every queued unit. Abort state and serial are unchanged.
func (q *Queue) Flush() {
	q.mu.Lock()
	for q.n > 0 {
		q.popLocked()
	}
	q.size = 0
	q.duration = 0
	q.mu.Unlock()
}

// Abort marks the queue aborted and wakes all waiters. It is idempotent.
func (q *Queue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Aborted reports whether Abort has been called since the last Start.
func (q *Queue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

// Serial returns the current epoch serial.
func (q *Queue) Serial() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serial
}

// Len returns the number of queued units, markers included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Size returns the accounted byte size of queued units.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Duration returns the sum of queued unit durations.
func (q *Queue) Duration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.duration
}

// HasEnough reports whether the read loop may stop filling this queue:
// it is aborted, holds an attached picture, or has more than minFrames
// units covering either an unknown or more than one second of duration.
func (q *Queue) HasEnough(minFrames int, attached bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted || attached ||
		(q.n > minFrames && (q.duration == 0 || q.duration > time.Second))
}
