package player

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/avsync"
	"github.com/zsiec/cadence/internal/jitter"
	"github.com/zsiec/cadence/internal/live"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/stats"
)

// liveSession plays a realtime source through the jitter buffer. It is
// the audio track of its session and the listener of its buffer.
type liveSession struct {
	log      *slog.Logger
	notify   func(State, int, string)
	sink     avsync.Sink
	onSyncTS func(uint64)
	manager  *audio.Manager

	buf    *jitter.Buffer
	pipe   *live.Pipeline
	puller *live.Puller
	stats  *stats.Collector

	muted      atomic.Bool
	played     atomic.Bool
	stopped    atomic.Bool
	lastSyncTS atomic.Uint64

	ctx        context.Context
	cancel     context.CancelFunc
	g          *errgroup.Group
	unregister func()
	stopOnce   sync.Once
}

var (
	_ session         = (*liveSession)(nil)
	_ audio.Track     = (*liveSession)(nil)
	_ jitter.Listener = (*liveSession)(nil)
)

func newLiveSession(ctx context.Context, p *Player, url string) (*liveSession, error) {
	log := p.log.With("mode", "live")
	lo := p.cfg.Live
	s := &liveSession{
		log:      log,
		notify:   p.notify,
		sink:     p.cfg.Sink,
		onSyncTS: p.cfg.OnSyncTS,
		manager:  p.cfg.Audio,
		stats:    stats.New(nil),
	}

	opts := []jitter.Option{
		jitter.WithListener(s),
		jitter.WithLogger(log),
		jitter.WithClock(p.cfg.Now),
	}
	if lo.ReadyLen > 0 {
		opts = append(opts, jitter.WithReadyLen(lo.ReadyLen))
	}
	if lo.MaxReadyLen > 0 {
		opts = append(opts, jitter.WithMaxReadyLen(lo.MaxReadyLen))
	}
	if lo.ReadyStep > 0 {
		opts = append(opts, jitter.WithReadyStep(lo.ReadyStep))
	}
	if lo.StallSkip > 0 {
		opts = append(opts, jitter.WithStallSkip(lo.StallSkip))
	}
	if lo.StallSleep > 0 {
		opts = append(opts, jitter.WithStallSleep(lo.StallSleep))
	}
	s.buf = jitter.New(opts...)

	s.pipe = live.NewPipeline(live.PipelineConfig{
		Buffer:   s.buf,
		Observer: s.stats,
		OnFirstAudio: func() {
			s.notify(Playing, ResultDone, "playing")
		},
		Log: log,
	})
	s.puller = live.NewPuller(live.PullerConfig{
		URL:  url,
		Dial: p.cfg.Dial,
		DialOptions: live.DialOptions{
			Timeout:    lo.ReadTimeout,
			SRTLatency: lo.SRTLatency,
		},
		RetryInterval: lo.RetryInterval,
		ErrorEvery:    lo.ErrorEvery,
		Handler:       s.pipe,
		Meter:         s.stats,
		OnError: func(e *live.PullError) {
			s.notify(Error, e.Code, "pull failed: "+e.Error())
		},
		Log: log,
	})

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return s, nil
}

func (s *liveSession) run() {
	g, gctx := errgroup.WithContext(s.ctx)
	s.g = g
	g.Go(func() error { return s.puller.Run(gctx) })
	g.Go(func() error { return s.buf.Run(gctx) })
	s.unregister = s.manager.Register(s)
}

// Pull feeds the device one chunk from the jitter buffer.
func (s *liveSession) Pull(buf []int16, now float64) {
	f := s.manager.Format()
	n := s.buf.PullAudio(buf, f.SampleRate, f.Channels)
	clear(buf[n:])
	if n == 0 {
		return
	}
	if s.muted.Load() {
		clear(buf[:n])
	}
	ts := s.buf.SyncTS()
	s.stats.SetSyncTS(ts)
	if s.onSyncTS != nil && s.lastSyncTS.Swap(ts) != ts {
		s.onSyncTS(ts)
	}
}

// StateChanged maps buffer states to notifications. Falling back to
// buffering after playback started is reported as Stuck.
func (s *liveSession) StateChanged(st jitter.State) {
	if s.stopped.Load() {
		return
	}
	switch st {
	case jitter.Ready:
		s.played.Store(true)
		s.notify(Playing, CodeBufferingReady, "buffer ready")
	case jitter.Buffering:
		if s.played.Load() {
			s.notify(Stuck, CodeBufferingStart, "stuck")
			return
		}
		s.notify(Buffering, CodeBufferingStart, "buffering")
	}
}

// VideoReleased presents a frame the buffer found due.
func (s *liveSession) VideoReleased(f *media.Frame) {
	s.sink.PresentVideo(f)
	s.stats.FrameRendered(f)
}

func (s *liveSession) stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.unregister != nil {
			s.unregister()
		}
		s.cancel()
		if s.g != nil {
			if err := s.g.Wait(); err != nil {
				s.log.Debug("session ended with error", "error", err)
			}
		}
		s.buf.Clear()
		s.log.Info("live session stopped",
			"attempts", s.puller.Attempts(), "jumps", s.puller.Jumps())
	})
	return nil
}

func (s *liveSession) pause() error             { return ErrLive }
func (s *liveSession) resume() error            { return ErrLive }
func (s *liveSession) seek(time.Duration) error { return ErrLive }

// setLoop has no effect on an endless source.
func (s *liveSession) setLoop(bool) error { return nil }

func (s *liveSession) setMute(m bool) { s.muted.Store(m) }

// position is the pts of the audio playing now.
func (s *liveSession) position() time.Duration {
	c := s.buf.SyncClock()
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	return time.Duration(c * float64(time.Second))
}

func (s *liveSession) duration() time.Duration { return 0 }

func (s *liveSession) snapshot() stats.Snapshot {
	s.stats.SetCache(s.buf.CacheMS())
	return s.stats.Snapshot()
}
