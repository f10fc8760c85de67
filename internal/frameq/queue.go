// Package frameq implements the fixed-capacity ring of decoded frames
// between a decode worker and its presenter.
//
// The producer calls PeekWritable, fills the returned slot, and calls Push.
// The consumer peeks and calls Next. With keep-last enabled the most
// recently presented frame stays in the ring (readable through PeekLast)
// until the following frame is consumed, so the presenter can always
// redraw it.
package frameq

import (
	"context"
	"sync"

	"github.com/zsiec/cadence/internal/media"
)

// SerialSource reports the serial of the packet queue feeding a frame queue.
type SerialSource interface {
	Serial() int
}

// Queue is a ring of reusable frame slots.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots       []media.Frame
	rindex      int
	windex      int
	size        int
	rindexShown int
	keepLast    bool
	aborted     bool

	src SerialSource
}

// New creates a frame queue of the given capacity, clamped to
// [1, media.MaxFrameQueueSize]. src may be nil when LastPos is unused.
func New(src SerialSource, capacity int, keepLast bool) *Queue {
	capacity = max(1, min(capacity, media.MaxFrameQueueSize))
	q := &Queue{
		slots:    make([]media.Frame, capacity),
		keepLast: keepLast,
		src:      src,
	}
	for i := range q.slots {
		q.slots[i].Reset()
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Capacity returns the ring size.
func (q *Queue) Capacity() int { return len(q.slots) }

// Signal wakes any goroutine blocked in PeekWritable or WaitReadable.
func (q *Queue) Signal() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Abort wakes all waiters and makes every subsequent blocking call return
// nil. It is idempotent.
func (q *Queue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, q.Signal)
}

// PeekWritable blocks until a slot is free and returns it reset for
// filling. It returns nil if the queue is aborted or ctx is done.
func (q *Queue) PeekWritable(ctx context.Context) *media.Frame {
	defer q.watch(ctx)()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size >= len(q.slots) && !q.aborted && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.aborted || ctx.Err() != nil {
		return nil
	}
	f := &q.slots[q.windex]
	f.Reset()
	return f
}

// Push publishes the slot returned by the last PeekWritable.
func (q *Queue) Push() {
	q.mu.Lock()
	q.windex = (q.windex + 1) % len(q.slots)
	q.size++
	q.cond.Signal()
	q.mu.Unlock()
}

// Peek returns the oldest frame not yet shown. Callers must check
// Remaining first.
func (q *Queue) Peek() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &q.slots[(q.rindex+q.rindexShown)%len(q.slots)]
}

// PeekNext returns the frame after Peek. Callers must check Remaining > 1.
func (q *Queue) PeekNext() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &q.slots[(q.rindex+q.rindexShown+1)%len(q.slots)]
}

// PeekLast returns the most recently shown frame, or the oldest frame when
// nothing has been shown yet.
func (q *Queue) PeekLast() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &q.slots[q.rindex]
}

// PeekReadable returns the next unshown frame without blocking, or nil
// when nothing is ready. The audio callback path uses this so it never
// stalls the device.
func (q *Queue) PeekReadable() *media.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted || q.size-q.rindexShown <= 0 {
		return nil
	}
	return &q.slots[(q.rindex+q.rindexShown)%len(q.slots)]
}

// WaitReadable blocks until an unshown frame is available. It returns nil
// if the queue is aborted or ctx is done.
func (q *Queue) WaitReadable(ctx context.Context) *media.Frame {
	defer q.watch(ctx)()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size-q.rindexShown <= 0 && !q.aborted && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.aborted || ctx.Err() != nil {
		return nil
	}
	return &q.slots[(q.rindex+q.rindexShown)%len(q.slots)]
}

// Next consumes the frame returned by Peek. With keep-last enabled the
// first call only marks it shown and leaves it in place.
func (q *Queue) Next() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.keepLast && q.rindexShown == 0 {
		q.rindexShown = 1
		q.slots[q.rindex].Shown = true
		return
	}
	q.slots[q.rindex].Reset()
	q.rindex = (q.rindex + 1) % len(q.slots)
	q.size--
	if q.keepLast {
		q.slots[q.rindex].Shown = true
	}
	q.cond.Signal()
}

// Remaining returns the number of frames not yet shown.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size - q.rindexShown
}

// Size returns the number of occupied slots, the kept frame included.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// LastPos returns the byte position of the last shown frame if it belongs
// to the current serial, else -1.
func (q *Queue) LastPos() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	f := &q.slots[q.rindex]
	if q.rindexShown != 0 && q.src != nil && f.Serial == q.src.Serial() {
		return f.Pos
	}
	return -1
}
