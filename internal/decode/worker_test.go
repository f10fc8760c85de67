package decode

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/packetq"
	"github.com/zsiec/cadence/internal/seek"
)

// fakeDecoder emits one frame per unit carrying the unit timestamp.
// Units whose payload is "bad" are rejected.
type fakeDecoder struct {
	sampleRate int
	samples    int
	flushes    atomic.Int32
}

func (d *fakeDecoder) Decode(u *media.Unit) Result {
	if u == nil {
		return Result{Status: EndOfStream}
	}
	if string(u.Data) == "bad" {
		return Failed(errors.New("corrupt unit"))
	}
	return Frames(&media.Frame{
		PTS:        media.Seconds(u.PTS),
		Pos:        u.Pos,
		SampleRate: d.sampleRate,
		Samples:    d.samples,
	})
}

func (d *fakeDecoder) Flush()       { d.flushes.Add(1) }
func (d *fakeDecoder) Close() error { return nil }

type countingObserver struct {
	decoded atomic.Int32
	dropped atomic.Int32
}

func (o *countingObserver) FrameDecoded(*media.Frame) { o.decoded.Add(1) }
func (o *countingObserver) FrameDroppedEarly()        { o.dropped.Add(1) }

func unitAt(pts time.Duration) *media.Unit {
	return &media.Unit{Type: media.Video, Data: []byte{1}, PTS: pts, DTS: media.NoTimestamp, Pos: -1}
}

// runUntilFinished starts w and waits until it reports end of input at
// serial, then stops it.
func runUntilFinished(t *testing.T, w *Worker, pq *packetq.Queue, serial int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Finished() == serial }, 2*time.Second, time.Millisecond)
	pq.Abort()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after abort")
	}
}

func drainFrames(fq *frameq.Queue) []media.Frame {
	var out []media.Frame
	for fq.Remaining() > 0 {
		out = append(out, *fq.Peek())
		fq.Next()
	}
	return out
}

func TestWorkerDiscardsStaleSerials(t *testing.T) {
	t.Parallel()
	pq := packetq.New()
	pq.Start()
	pq.Put(unitAt(time.Second))
	pq.Put(unitAt(2 * time.Second))
	pq.PutFlush()
	pq.Put(unitAt(3 * time.Second))
	pq.PutEOF(media.Video)

	fq := frameq.New(pq, 16, false)
	dec := &fakeDecoder{}
	w := NewWorker(WorkerConfig{Type: media.Video, Decoder: dec, Packets: pq, Frames: fq})
	runUntilFinished(t, w, pq, 2)

	frames := drainFrames(fq)
	require.Len(t, frames, 1)
	if frames[0].PTS != 3 || frames[0].Serial != 2 || frames[0].Type != media.Video {
		t.Fatalf("frame = pts %v serial %d type %v, want pts 3 serial 2 video", frames[0].PTS, frames[0].Serial, frames[0].Type)
	}
	// One flush for the marker, one after draining at end of input.
	if got := dec.flushes.Load(); got != 2 {
		t.Fatalf("decoder flushes = %d, want 2", got)
	}
}

func TestWorkerSkipsDecodeErrors(t *testing.T) {
	t.Parallel()
	pq := packetq.New()
	pq.Start()
	pq.Put(&media.Unit{Type: media.Video, Data: []byte("bad"), PTS: 0})
	pq.Put(unitAt(time.Second))
	pq.PutEOF(media.Video)

	fq := frameq.New(pq, 16, false)
	obs := &countingObserver{}
	w := NewWorker(WorkerConfig{Type: media.Video, Decoder: &fakeDecoder{}, Packets: pq, Frames: fq, Observer: obs})
	runUntilFinished(t, w, pq, 1)

	if w.DecodeErrors() != 1 {
		t.Fatalf("DecodeErrors = %d, want 1", w.DecodeErrors())
	}
	if obs.decoded.Load() != 1 || len(drainFrames(fq)) != 1 {
		t.Fatal("the unit after the bad one should still decode")
	}
}

func TestWorkerAudioNextPTSResetsOnFlush(t *testing.T) {
	t.Parallel()
	pq := packetq.New()
	pq.Start()
	pq.Put(&media.Unit{Type: media.Audio, Data: []byte{1}, PTS: time.Second})
	pq.Put(&media.Unit{Type: media.Audio, Data: []byte{1}, PTS: media.NoTimestamp})
	pq.PutFlush()
	pq.Put(&media.Unit{Type: media.Audio, Data: []byte{1}, PTS: media.NoTimestamp})
	pq.PutEOF(media.Audio)

	fq := frameq.New(pq, 16, false)
	dec := &fakeDecoder{sampleRate: 48000, samples: 480}
	w := NewWorker(WorkerConfig{Type: media.Audio, Decoder: dec, Packets: pq, Frames: fq})
	runUntilFinished(t, w, pq, 2)

	// The first two units were superseded by the flush marker before the
	// worker started, so only the post-flush unit survives, without a
	// timestamp to continue from.
	frames := drainFrames(fq)
	require.Len(t, frames, 1)
	if !math.IsNaN(frames[0].PTS) {
		t.Fatalf("pts after flush = %v, want NaN", frames[0].PTS)
	}
}

func TestWorkerAudioNextPTSContinues(t *testing.T) {
	t.Parallel()
	pq := packetq.New()
	pq.Start()
	pq.Put(&media.Unit{Type: media.Audio, Data: []byte{1}, PTS: time.Second})
	pq.Put(&media.Unit{Type: media.Audio, Data: []byte{1}, PTS: media.NoTimestamp})
	pq.PutEOF(media.Audio)

	fq := frameq.New(pq, 16, false)
	dec := &fakeDecoder{sampleRate: 48000, samples: 480}
	w := NewWorker(WorkerConfig{Type: media.Audio, Decoder: dec, Packets: pq, Frames: fq})
	runUntilFinished(t, w, pq, 1)

	frames := drainFrames(fq)
	require.Len(t, frames, 2)
	if math.Abs(frames[1].PTS-1.01) > 1e-9 {
		t.Fatalf("estimated pts = %v, want 1.01", frames[1].PTS)
	}
}

func TestWorkerEarlyDrop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sync      clock.SyncType
		framedrop int
		wantDrops int64
	}{
		{"forced", clock.ExternalClock, FramedropOn, 2},
		{"auto external master", clock.ExternalClock, FramedropAuto, 2},
		{"auto video master", clock.VideoMaster, FramedropAuto, 0},
		{"off", clock.ExternalClock, FramedropOff, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pq := packetq.New()
			pq.Start()
			for _, s := range []time.Duration{5, 6, 20} {
				pq.Put(unitAt(s * time.Second))
			}
			pq.PutEOF(media.Video)

			now := func() float64 { return 100 }
			clocks := clock.NewSet(tt.sync, pq, pq, now)
			clocks.External.SetAt(10, 0, 100)
			clocks.Video.SetAt(10, 1, 100)

			fq := frameq.New(pq, 16, false)
			obs := &countingObserver{}
			w := NewWorker(WorkerConfig{
				Type:      media.Video,
				Decoder:   &fakeDecoder{},
				Packets:   pq,
				Frames:    fq,
				Clocks:    clocks,
				HasVideo:  true,
				Framedrop: tt.framedrop,
				Observer:  obs,
			})
			runUntilFinished(t, w, pq, 1)

			if w.EarlyDrops() != tt.wantDrops || int64(obs.dropped.Load()) != tt.wantDrops {
				t.Fatalf("early drops = %d, want %d", w.EarlyDrops(), tt.wantDrops)
			}
			if got := len(drainFrames(fq)); int64(got) != 3-tt.wantDrops {
				t.Fatalf("queued frames = %d, want %d", got, 3-tt.wantDrops)
			}
		})
	}
}

func TestWorkerAccurateSeekDiscard(t *testing.T) {
	t.Parallel()
	pq := packetq.New()
	pq.Start()
	for _, ms := range []time.Duration{1000, 1500, 1960, 2000, 2040} {
		pq.Put(unitAt(ms * time.Millisecond))
	}
	pq.PutEOF(media.Video)

	var marker seek.Marker
	marker.Arm(2.0, false, 1)

	fq := frameq.New(pq, 16, false)
	w := NewWorker(WorkerConfig{Type: media.Video, Decoder: &fakeDecoder{}, Packets: pq, Frames: fq, Marker: &marker})
	runUntilFinished(t, w, pq, 1)

	frames := drainFrames(fq)
	require.Len(t, frames, 2)
	if frames[0].PTS < 2.0 {
		t.Fatalf("first delivered pts = %v, want >= 2.0", frames[0].PTS)
	}
	if marker.Armed() {
		t.Fatal("marker still armed after reaching the target")
	}
}

func TestWorkerExitsOnAbort(t *testing.T) {
	t.Parallel()
	pq := packetq.New()
	pq.Start()
	fq := frameq.New(pq, 1, false)
	w := NewWorker(WorkerConfig{Type: media.Video, Decoder: &fakeDecoder{}, Packets: pq, Frames: fq})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	// Fill the single slot so the worker blocks on the frame queue.
	pq.Put(unitAt(0))
	pq.Put(unitAt(time.Second))
	require.Eventually(t, func() bool { return fq.Remaining() == 1 }, time.Second, time.Millisecond)

	fq.Abort()
	pq.Abort()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}
