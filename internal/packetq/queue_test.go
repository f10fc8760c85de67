package packetq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/cadence/internal/media"
)

func unit(n int, d time.Duration) *media.Unit {
	return &media.Unit{Type: media.Video, Data: make([]byte, n), Duration: d, PTS: media.NoTimestamp}
}

func TestStartBumpsSerial(t *testing.T) {
	t.Parallel()
	q := New()
	if !q.Aborted() {
		t.Fatal("new queue should start aborted")
	}
	if err := q.Put(unit(1, 0)); !errors.Is(err, ErrAborted) {
		t.Fatalf("Put before Start = %v, want ErrAborted", err)
	}

	q.Start()
	if q.Serial() != 1 {
		t.Fatalf("Serial = %d, want 1", q.Serial())
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (flush marker)", q.Len())
	}
}

func TestPutGetFIFOAndAccounting(t *testing.T) {
	t.Parallel()
	q := New()
	q.Start()
	ctx := context.Background()

	if _, err := q.Get(ctx, false); err != nil {
		t.Fatalf("Get marker: %v", err)
	}

	for i := range 100 {
		if err := q.Put(unit(i, 10*time.Millisecond)); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if q.Len() != 100 {
		t.Fatalf("Len = %d, want 100", q.Len())
	}
	if q.Duration() != time.Second {
		t.Fatalf("Duration = %v, want 1s", q.Duration())
	}
	wantSize := 0
	for i := range 100 {
		wantSize += i + media.PacketOverhead
	}
	if q.Size() != wantSize {
		t.Fatalf("Size = %d, want %d", q.Size(), wantSize)
	}

	for i := range 100 {
		u, err := q.Get(ctx, false)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if len(u.Data) != i {
			t.Fatalf("unit %d has len %d, out of order", i, len(u.Data))
		}
		if u.Serial != 1 {
			t.Fatalf("unit serial = %d, want 1", u.Serial)
		}
	}
	if q.Size() != 0 || q.Duration() != 0 {
		t.Fatalf("accounting not reset: size=%d duration=%v", q.Size(), q.Duration())
	}
	if _, err := q.Get(ctx, false); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Get on empty = %v, want ErrEmpty", err)
	}
}

func TestFlushMarkerSeparatesSerials(t *testing.T) {
	t.Parallel()
	q := New()
	q.Start()
	ctx := context.Background()

	q.Put(unit(1, 0))
	q.Flush()
	q.PutFlush()
	q.Put(unit(2, 0))

	if q.Serial() != 2 {
		t.Fatalf("Serial = %d, want 2", q.Serial())
	}

	u, _ := q.Get(ctx, false)
	if !u.Flush || u.Serial != 2 {
		t.Fatalf("first unit = %+v, want flush marker at serial 2", u)
	}
	u, _ = q.Get(ctx, false)
	if len(u.Data) != 2 || u.Serial != 2 {
		t.Fatalf("second unit serial = %d len = %d, want serial 2 len 2", u.Serial, len(u.Data))
	}
}

func TestRingGrowsPreservingOrder(t *testing.T) {
	t.Parallel()
	q := New()
	q.Start()
	ctx := context.Background()
	q.Get(ctx, false)

	// Wrap the ring before it grows.
	for i := range 40 {
		q.Put(unit(i, 0))
	}
	for range 30 {
		q.Get(ctx, false)
	}
	for i := 40; i < 200; i++ {
		q.Put(unit(i, 0))
	}
	for want := 30; want < 200; want++ {
		u, err := q.Get(ctx, false)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(u.Data) != want {
			t.Fatalf("got unit %d, want %d", len(u.Data), want)
		}
	}
}

func TestAbortIdempotentWakesAllWaiters(t *testing.T) {
	t.Parallel()
	q := New()
	q.Start()
	q.Get(context.Background(), false)

	const waiters = 8
	var wg sync.WaitGroup
	var aborted atomic.Int32
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Get(context.Background(), true)
			if errors.Is(err, ErrAborted) {
				aborted.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Abort()
	q.Abort()
	wg.Wait()

	if got := aborted.Load(); got != waiters {
		t.Fatalf("aborted waiters = %d, want %d", got, waiters)
	}
	if _, err := q.Get(context.Background(), true); !errors.Is(err, ErrAborted) {
		t.Fatalf("Get after abort = %v, want ErrAborted", err)
	}
}

func TestGetHonorsContext(t *testing.T) {
	t.Parallel()
	q := New()
	q.Start()
	q.Get(context.Background(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Get(ctx, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get = %v, want DeadlineExceeded", err)
	}
}

func TestHasEnough(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		units    int
		dur      time.Duration
		attached bool
		want     bool
	}{
		{"empty", 0, 0, false, false},
		{"attached picture", 0, 0, true, true},
		{"few units", 10, 100 * time.Millisecond, false, false},
		{"many units unknown duration", 30, 0, false, true},
		{"many units short duration", 30, 10 * time.Millisecond, false, false},
		{"many units long duration", 30, 50 * time.Millisecond, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := New()
			q.Start()
			q.Get(context.Background(), false)
			for range tt.units {
				q.Put(unit(1, tt.dur))
			}
			if got := q.HasEnough(media.MinFrames, tt.attached); got != tt.want {
				t.Fatalf("HasEnough = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStarveHooks(t *testing.T) {
	t.Parallel()
	var starved, refilled atomic.Int32
	q := New(WithStarveHooks(func() { starved.Add(1) }, func() { refilled.Add(1) }))
	q.Start()
	ctx := context.Background()
	q.Get(ctx, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Get(ctx, true)
	}()
	time.Sleep(20 * time.Millisecond)
	q.Put(unit(1, 0))
	<-done

	if starved.Load() != 1 {
		t.Fatalf("starve hook fired %d times, want 1", starved.Load())
	}

	for range 20 {
		q.Put(unit(1, 0))
	}
	q.Get(ctx, true)
	if refilled.Load() != 1 {
		t.Fatalf("refill hook fired %d times, want 1", refilled.Load())
	}
}

func TestGetReturnsSerialStampedAtPut(t *testing.T) {
	t.Parallel()
	q := New()
	q.Start()
	if _, err := q.Get(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if err := q.Put(unit(1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := q.PutFlush(); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(unit(2, 0)); err != nil {
		t.Fatal(err)
	}

	old, err := q.Get(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if old.Serial != 1 || q.Serial() != 2 {
		t.Fatalf("popped serial = %d with queue serial %d, want 1 and 2", old.Serial, q.Serial())
	}
	marker, _ := q.Get(context.Background(), false)
	fresh, _ := q.Get(context.Background(), false)
	if !marker.Flush || marker.Serial != 2 || fresh.Serial != 2 {
		t.Fatalf("marker serial = %d fresh serial = %d, want 2", marker.Serial, fresh.Serial)
	}
}
