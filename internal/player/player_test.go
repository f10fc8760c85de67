package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/ingest"
	"github.com/zsiec/cadence/internal/live"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/player/playertest"
)

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) listen(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) has(s State, code int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.State == s && n.Code == code {
			return true
		}
	}
	return false
}

func (r *recorder) find(s State) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.State == s {
			return n, true
		}
	}
	return Notification{}, false
}

type harness struct {
	p        *Player
	dmx      *playertest.Demuxer
	open     ingest.Demuxer
	decoders *playertest.Decoders
	rec      *recorder
}

// newHarness builds a player over a synthetic clip with a running
// headless audio device.
func newHarness(t *testing.T, clip time.Duration, opts Options, clipOpts ...playertest.Option) *harness {
	t.Helper()
	h := &harness{dmx: playertest.NewDemuxer(clip, clipOpts...), decoders: &playertest.Decoders{}, rec: &recorder{}}
	h.open = h.dmx
	mgr := audio.NewManager(audio.DefaultFormat, nil)

	p, err := New(Config{
		Audio:    mgr,
		Listener: h.rec.listen,
		Options:  opts,
		OpenDemuxer: func(ctx context.Context, url string) (ingest.Demuxer, error) {
			return h.open, nil
		},
		Decoders: h.decoders.Open,
	})
	require.NoError(t, err)
	h.p = p

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		audio.NewTickerDevice(mgr, nil, nil).Run(ctx)
	}()
	t.Cleanup(func() {
		_ = p.Stop()
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitPosition(t *testing.T, ms int64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.p.PositionMS() >= ms },
		5*time.Second, 10*time.Millisecond, "position never reached %d ms", ms)
}

func TestPositionAdvancesInRealTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20*time.Second, Options{})
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))
	require.True(t, h.rec.has(Playing, CodeStart))
	require.Equal(t, int64(20000), h.p.DurationMS())

	h.waitPosition(t, 300)

	prev := h.p.PositionMS()
	for range 5 {
		time.Sleep(100 * time.Millisecond)
		cur := h.p.PositionMS()
		require.Greater(t, cur, prev, "position went from %d to %d", prev, cur)
		prev = cur
	}

	wallStart := time.Now()
	p1 := h.p.PositionMS()
	time.Sleep(500 * time.Millisecond)
	p2 := h.p.PositionMS()
	wall := time.Since(wallStart).Milliseconds()
	require.InDelta(t, wall, p2-p1, 50, "advanced %d ms over %d ms of wall time", p2-p1, wall)
	require.Equal(t, Playing, h.p.State())
}

func TestPauseResumeHoldsPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20*time.Second, Options{})
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))
	h.waitPosition(t, 300)

	require.NoError(t, h.p.Pause())
	atPause := h.p.PositionMS()
	require.ErrorIs(t, h.p.Pause(), ErrAlreadyDone)
	require.Equal(t, ResultAlreadyDone, ResultCode(h.p.Pause()))
	require.Equal(t, Paused, h.p.State())
	require.ErrorIs(t, h.p.SetLoop(true), ErrNotPlaying)

	time.Sleep(500 * time.Millisecond)
	require.InDelta(t, atPause, h.p.PositionMS(), 10, "position moved while paused")

	require.NoError(t, h.p.Resume())
	afterResume := h.p.PositionMS()
	require.InDelta(t, atPause, afterResume, 20)
	require.True(t, h.rec.has(Paused, CodePause))
	require.True(t, h.rec.has(Playing, CodeResume))
	require.ErrorIs(t, h.p.Resume(), ErrAlreadyDone)
}

func TestSeek(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20*time.Second, Options{})
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))
	h.waitPosition(t, 100)

	tests := []struct {
		name string
		pos  int64
		want int
	}{
		{"negative", -1, ResultParameterError},
		{"at duration", 20000, ResultParameterError},
		{"past duration", 45000, ResultParameterError},
	}
	for _, tt := range tests {
		err := h.p.Seek(tt.pos)
		require.ErrorIs(t, err, ErrParameter, tt.name)
		require.Equal(t, tt.want, ResultCode(err), tt.name)
	}
	require.False(t, h.rec.has(Seeking, CodeSeek))

	require.NoError(t, h.p.Seek(10000))
	require.True(t, h.rec.has(Seeking, CodeSeek))
	require.Eventually(t, func() bool {
		pos := h.p.PositionMS()
		return pos >= 10000 && pos < 11000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSeekWhilePausedWithoutVideoStaysPaused(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20*time.Second, Options{}, playertest.AudioOnly())
	require.NoError(t, h.p.Start(context.Background(), "clip.aac", 0, false))
	h.waitPosition(t, 300)

	require.NoError(t, h.p.Pause())
	require.NoError(t, h.p.Seek(5000))
	time.Sleep(300 * time.Millisecond)

	atSeek := h.p.PositionMS()
	require.InDelta(t, 5000, atSeek, 50)
	time.Sleep(500 * time.Millisecond)
	require.InDelta(t, atSeek, h.p.PositionMS(), 10, "position moved while paused")
	require.NotEqual(t, Playing, h.p.State())
	require.ErrorIs(t, h.p.Pause(), ErrAlreadyDone)

	require.NoError(t, h.p.Resume())
	require.Eventually(t, func() bool { return h.p.PositionMS() >= atSeek+200 },
		5*time.Second, 10*time.Millisecond)
}

func TestStartAtOffset(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 20*time.Second, Options{})
	require.ErrorIs(t, h.p.Start(context.Background(), "clip.ts", 25000, false), ErrParameter)
	require.True(t, h.dmx.IsClosed())

	h = newHarness(t, 20*time.Second, Options{})
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 5000, false))
	require.GreaterOrEqual(t, h.p.PositionMS(), int64(5000))
	require.Eventually(t, func() bool { return h.p.PositionMS() >= 5200 },
		5*time.Second, 10*time.Millisecond)
	require.Less(t, h.p.PositionMS(), int64(7000))
}

func TestFinishAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 600*time.Millisecond, Options{})
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))

	require.Eventually(t, func() bool { return h.rec.has(Finished, CodeFinish) },
		5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(600), h.p.PositionMS())
	require.ErrorIs(t, h.p.SetLoop(true), ErrNotPlaying)

	require.NoError(t, h.p.Stop())
	require.True(t, h.rec.has(Stopped, CodeStop))
	require.True(t, h.dmx.IsClosed())
	require.NotEmpty(t, h.decoders.Opened())
	for _, d := range h.decoders.Opened() {
		assert.True(t, d.IsClosed())
	}
	require.ErrorIs(t, h.p.Stop(), ErrAlreadyDone)
	require.Zero(t, h.p.PositionMS())
}

func TestFinishWithCaptionPastLastFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2*time.Second, Options{}, playertest.WithCaption(1500*time.Millisecond, 3*time.Second, "BYE"))
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))

	require.Eventually(t, func() bool { return h.rec.has(Finished, CodeFinish) },
		6*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2000), h.p.PositionMS())
	require.Len(t, h.decoders.Opened(), 3)
}

// holdingDemuxer blocks at the end of its clip until the read is
// cancelled, then reports back before returning.
type holdingDemuxer struct {
	*playertest.Demuxer
	cancelled func()
}

func (d *holdingDemuxer) ReadUnit(ctx context.Context) (*media.Unit, error) {
	u, err := d.Demuxer.ReadUnit(ctx)
	if !errors.Is(err, io.EOF) {
		return u, err
	}
	<-ctx.Done()
	time.Sleep(30 * time.Millisecond)
	d.cancelled()
	return nil, ctx.Err()
}

func TestStopJoinsReadLoopBeforeAbortingQueues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Second, Options{})
	var abortedDuringRead atomic.Bool
	var fs *fileSession
	h.open = &holdingDemuxer{Demuxer: h.dmx, cancelled: func() {
		for _, tr := range fs.tracks {
			if tr.Packets.Aborted() {
				abortedDuringRead.Store(true)
			}
		}
	}}
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))
	fs = h.p.sess.(*fileSession)
	h.waitPosition(t, 100)

	require.NoError(t, h.p.Stop())
	require.False(t, abortedDuringRead.Load(), "queues aborted while the read loop was still running")
	require.True(t, h.dmx.IsClosed())
}

func TestLoopRestartsAtEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 400*time.Millisecond, Options{Loop: true, LoopCount: 2})
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, false))

	// Two restarts of a 400 ms clip, then the finish.
	require.Eventually(t, func() bool { return h.rec.has(Finished, CodeFinish) },
		8*time.Second, 10*time.Millisecond)
	s := h.p.Stats()
	require.Greater(t, s.RenderFPS+s.DecodeFPS, 0.0)
	require.Equal(t, 48000, s.AudioSampleRate)
	require.Equal(t, 640, s.Width)
}

func TestStartFailures(t *testing.T) {
	t.Parallel()
	mgr := audio.NewManager(audio.DefaultFormat, nil)

	tests := []struct {
		name     string
		open     DemuxOpener
		decoders decode.Factory
		code     int
	}{
		{
			name: "open input",
			open: func(context.Context, string) (ingest.Demuxer, error) {
				return nil, errors.New("no such file")
			},
			code: CodeOpenInput,
		},
		{
			name: "decoder open",
			open: func(context.Context, string) (ingest.Demuxer, error) {
				return playertest.NewDemuxer(time.Second), nil
			},
			decoders: func(media.StreamInfo) (decode.Decoder, error) {
				return nil, errors.New("unsupported profile")
			},
			code: CodeDecoderOpen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			p, err := New(Config{Audio: mgr, Listener: rec.listen, OpenDemuxer: tt.open, Decoders: tt.decoders})
			require.NoError(t, err)
			err = p.Start(context.Background(), "clip.ts", 0, false)
			require.Error(t, err)
			require.Equal(t, ResultFailed, ResultCode(err))
			require.True(t, rec.has(Error, tt.code), "notifications %+v", rec.notes)
			require.ErrorIs(t, p.Pause(), ErrNotStarted)
		})
	}

	_, err := New(Config{})
	require.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5*time.Second, Options{})
	require.ErrorIs(t, h.p.Start(context.Background(), "", 0, false), ErrParameter)
	require.NoError(t, h.p.Start(context.Background(), "clip.ts", 0, true))
	require.True(t, h.rec.has(Paused, CodeStart))
	require.ErrorIs(t, h.p.Start(context.Background(), "clip.ts", 0, false), ErrAlreadyDone)
	require.Equal(t, "clip.ts", h.p.URL())
}

func TestLiveEscalatesPullFailures(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var (
		mu    sync.Mutex
		dials int
	)
	p, err := New(Config{
		Audio:    audio.NewManager(audio.DefaultFormat, nil),
		Listener: rec.listen,
		Live:     LiveOptions{RetryInterval: 5 * time.Millisecond},
		Dial: func(ctx context.Context, rawURL string, opts live.DialOptions) (live.Conn, error) {
			mu.Lock()
			dials++
			mu.Unlock()
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), "rtmp://example.invalid/live/cam", 0, false))
	t.Cleanup(func() { _ = p.Stop() })

	require.Eventually(t, func() bool {
		_, ok := rec.find(Error)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	n, _ := rec.find(Error)
	require.GreaterOrEqual(t, n.Code, live.CodeDialFailed)
	require.LessOrEqual(t, n.Code, live.CodeUnsupportedAudio)
	mu.Lock()
	require.GreaterOrEqual(t, dials, 3)
	mu.Unlock()

	require.ErrorIs(t, p.Pause(), ErrLive)
	require.Equal(t, ResultFailed, ResultCode(p.Seek(1000)))
	require.NoError(t, p.SetLoop(true))
	require.Zero(t, p.DurationMS())
}
