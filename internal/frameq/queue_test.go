package frameq

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/cadence/internal/media"
)

type fixedSerial int

func (s fixedSerial) Serial() int { return int(s) }

func push(t *testing.T, q *Queue, pts float64) {
	t.Helper()
	f := q.PeekWritable(context.Background())
	if f == nil {
		t.Fatal("PeekWritable returned nil")
	}
	f.PTS = pts
	f.Serial = 1
	f.Pos = int64(pts * 100)
	q.Push()
}

func TestCapacityClamped(t *testing.T) {
	t.Parallel()
	if got := New(nil, 100, false).Capacity(); got != media.MaxFrameQueueSize {
		t.Fatalf("Capacity = %d, want %d", got, media.MaxFrameQueueSize)
	}
	if got := New(nil, 0, false).Capacity(); got != 1 {
		t.Fatalf("Capacity = %d, want 1", got)
	}
}

func TestKeepLast(t *testing.T) {
	t.Parallel()
	q := New(fixedSerial(1), media.VideoFrameQueueSize, true)

	push(t, q, 1)
	push(t, q, 2)
	if q.Remaining() != 2 {
		t.Fatalf("Remaining = %d, want 2", q.Remaining())
	}
	if q.LastPos() != -1 {
		t.Fatalf("LastPos before any shown = %d, want -1", q.LastPos())
	}

	q.Next()
	if q.Size() != 2 || q.Remaining() != 1 {
		t.Fatalf("after first Next size=%d remaining=%d, want 2 and 1", q.Size(), q.Remaining())
	}
	if got := q.PeekLast().PTS; got != 1 {
		t.Fatalf("PeekLast PTS = %v, want 1", got)
	}
	if !q.PeekLast().Shown {
		t.Fatal("last frame not marked shown")
	}
	if got := q.Peek().PTS; got != 2 {
		t.Fatalf("Peek PTS = %v, want 2", got)
	}
	if q.LastPos() != 100 {
		t.Fatalf("LastPos = %d, want 100", q.LastPos())
	}

	q.Next()
	if got := q.PeekLast().PTS; got != 2 {
		t.Fatalf("PeekLast PTS = %v, want 2", got)
	}
	if q.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", q.Remaining())
	}
	if q.PeekReadable() != nil {
		t.Fatal("PeekReadable should be nil when only the kept frame remains")
	}
}

func TestPeekNext(t *testing.T) {
	t.Parallel()
	q := New(nil, media.AudioFrameQueueSize, false)
	push(t, q, 1)
	push(t, q, 2)
	if q.Peek().PTS != 1 || q.PeekNext().PTS != 2 {
		t.Fatalf("Peek/PeekNext = %v/%v, want 1/2", q.Peek().PTS, q.PeekNext().PTS)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	t.Parallel()
	const capacity = 3
	q := New(nil, capacity, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 500 {
			f := q.PeekWritable(ctx)
			if f == nil {
				return
			}
			if s := q.Size(); s >= capacity {
				t.Errorf("PeekWritable returned with size %d", s)
				return
			}
			f.PTS = float64(i)
			q.Push()
		}
	}()

	seen := 0
	for seen < 500 {
		f := q.WaitReadable(ctx)
		if f == nil {
			t.Fatal("WaitReadable returned nil before all frames were read")
		}
		if f.PTS != float64(seen) {
			t.Fatalf("frame %d has PTS %v", seen, f.PTS)
		}
		if s := q.Size(); s > capacity {
			t.Fatalf("size %d exceeds capacity", s)
		}
		if rand.IntN(4) == 0 {
			time.Sleep(time.Microsecond)
		}
		q.Next()
		seen++
	}
	wg.Wait()
}

func TestAbortReleasesWaiters(t *testing.T) {
	t.Parallel()
	q := New(nil, 1, false)
	push(t, q, 1)

	done := make(chan *media.Frame, 2)
	go func() { done <- q.PeekWritable(context.Background()) }()

	empty := New(nil, 1, false)
	go func() { done <- empty.WaitReadable(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	q.Abort()
	q.Abort()
	empty.Abort()

	for range 2 {
		select {
		case f := <-done:
			if f != nil {
				t.Fatal("aborted wait returned a frame")
			}
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Abort")
		}
	}
	if q.PeekReadable() != nil {
		t.Fatal("PeekReadable should return nil after abort")
	}
}

func TestPeekWritableHonorsContext(t *testing.T) {
	t.Parallel()
	q := New(nil, 1, false)
	push(t, q, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if f := q.PeekWritable(ctx); f != nil {
		t.Fatal("PeekWritable on full queue should return nil when ctx expires")
	}
}
