package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/avsync"
	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/demux"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/ingest"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/packetq"
	"github.com/zsiec/cadence/internal/seek"
	"github.com/zsiec/cadence/internal/stats"
)

// fileTrack is one decoded stream of a file session.
type fileTrack struct {
	*ingest.Track
	decoder decode.Decoder
	worker  *decode.Worker
}

// fileSession plays a seekable source through packet queues, decode
// workers and the scheduler.
type fileSession struct {
	log    *slog.Logger
	notify func(State, int, string)
	opts   Options

	dmx      ingest.Demuxer
	tracks   []*fileTrack
	video    *fileTrack
	audio    *fileTrack
	subtitle *fileTrack

	clocks   *clock.Set
	seeks    *seek.Controller
	loop     *ingest.Loop
	sched    *avsync.Scheduler
	renderer *avsync.AudioRenderer
	stats    *stats.Collector

	register   func() (unregister func())
	unregister func()

	ctx        context.Context
	cancel     context.CancelFunc
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
	g          *errgroup.Group
	stopOnce   sync.Once
	stopErr    error

	// seekTarget is the stream time of the latest seek, reported while
	// the master clock is unknown.
	seekTarget atomic.Int64
	eof        atomic.Bool
	buffering  atomic.Bool
}

var _ session = (*fileSession)(nil)

func newFileSession(ctx context.Context, p *Player, url string, start time.Duration, paused bool) (*fileSession, error) {
	log := p.log.With("mode", "file")
	dmx, err := p.cfg.OpenDemuxer(ctx, url)
	if err != nil {
		code := CodeOpenInput
		if errors.Is(err, demux.ErrNoStreams) {
			code = CodeStreamInfo
		}
		return nil, &openError{code: code, err: fmt.Errorf("player: open %s: %w", url, err)}
	}
	if d := dmx.Duration(); d > 0 && start >= d {
		dmx.Close()
		return nil, ErrParameter
	}

	s := &fileSession{
		log:    log,
		notify: p.notify,
		opts:   p.cfg.Options,
		dmx:    dmx,
		seeks:  seek.NewController(prerollOf(p.cfg.Options)),
		stats:  stats.New(nil),
	}
	if err := s.openTracks(dmx.Streams(), p.cfg.Decoders); err != nil {
		dmx.Close()
		return nil, err
	}

	s.clocks = clock.NewSet(s.opts.Sync, serialOf(s.audio), serialOf(s.video), p.cfg.Now)
	hasVideo, hasAudio := s.video != nil, s.audio != nil

	s.loop = ingest.NewLoop(ingest.Config{
		Demuxer:   dmx,
		Tracks:    s.ingestTracks(),
		Clocks:    s.clocks,
		Seeks:     s.seeks,
		Start:     start,
		Duration:  s.opts.Duration,
		MinFrames: s.opts.MinFrames,
		OnPause: func(paused bool) {
			log.Debug("read loop pause", "paused", paused)
		},
		Step:    func() { s.sched.Step() },
		OnEvent: s.onEvent,
		Meter:   s.stats,
		Log:     log,
	})
	s.loop.SetLoop(s.opts.Loop, s.opts.LoopCount)

	sc := avsync.Config{
		Clocks:           s.clocks,
		HasVideo:         hasVideo,
		HasAudio:         hasAudio,
		Sink:             p.cfg.Sink,
		Observer:         s.stats,
		Framedrop:        s.opts.Framedrop,
		MaxFrameDuration: avsync.MaxFrameDurationDiscontinuous,
		NoSyncThreshold:  s.opts.NoSyncThreshold,
		SyncMin:          s.opts.SyncMin.Seconds(),
		SyncMax:          s.opts.SyncMax.Seconds(),
		Finished:         s.loop.Finished,
		Now:              p.cfg.Now,
		Log:              log,
	}
	if hasVideo {
		sc.Video, sc.VideoPackets = s.video.Frames, s.video.Packets
	}
	if hasAudio {
		sc.AudioPackets = s.audio.Packets
	}
	if s.subtitle != nil {
		sc.Subtitles, sc.SubtitlePackets = s.subtitle.Frames, s.subtitle.Packets
	}
	s.sched = avsync.NewScheduler(sc)

	for _, t := range s.tracks {
		t.worker = decode.NewWorker(decode.WorkerConfig{
			Type:            t.Type,
			Decoder:         t.decoder,
			Packets:         t.Packets,
			Frames:          t.Frames,
			Clocks:          s.clocks,
			HasVideo:        hasVideo,
			HasAudio:        hasAudio,
			Marker:          t.Marker,
			Framedrop:       s.opts.Framedrop,
			NoSyncThreshold: s.opts.NoSyncThreshold,
			Observer:        s.stats,
			Log:             log,
		})
		t.Decoder = t.worker
	}

	if hasAudio {
		s.renderer = avsync.NewAudioRenderer(avsync.RendererConfig{
			Frames:          s.audio.Frames,
			Packets:         s.audio.Packets,
			Clocks:          s.clocks,
			HasVideo:        hasVideo,
			Format:          p.cfg.Audio.Format(),
			NoSyncThreshold: s.opts.NoSyncThreshold,
			Log:             log,
		})
		s.register = func() func() { return p.cfg.Audio.Register(s.renderer) }
	}

	begin := dmx.StartTime() + start
	s.seekTarget.Store(int64(begin))
	if start > 0 {
		s.seeks.Request(s.seeks.Accurate(begin, dmx.StartTime(), dmx.StartTime()))
	}
	if paused {
		s.sched.SetPaused(true)
		s.loop.SetPaused(true)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return s, nil
}

// openTracks creates the queues and decoder of the first stream of each
// type. A decoder that cannot be opened fails the session.
func (s *fileSession) openTracks(streams []media.StreamInfo, open decode.Factory) error {
	for _, info := range streams {
		if s.trackOf(info.Type) != nil {
			continue
		}
		dec, err := open(info)
		if err != nil {
			s.closeDecoders()
			return &openError{code: CodeDecoderOpen, err: fmt.Errorf("player: open %s decoder: %w", info.Type, err)}
		}

		var (
			pq   *packetq.Queue
			size int
		)
		switch info.Type {
		case media.Video:
			pq = packetq.New(packetq.WithStarveHooks(s.onStarve, s.onRefill))
			size = media.VideoFrameQueueSize
		case media.Audio:
			pq = packetq.New(packetq.WithStarveHooks(s.onStarve, s.onRefill))
			size = media.AudioFrameQueueSize
		default:
			pq = packetq.New()
			size = media.SubtitleFrameQueueSize
		}
		pq.Start()

		t := &fileTrack{
			Track: &ingest.Track{
				Type:     info.Type,
				Packets:  pq,
				Frames:   frameq.New(pq, size, info.Type != media.Subtitle),
				Marker:   &seek.Marker{},
				Attached: info.Attached,
			},
			decoder: dec,
		}
		s.tracks = append(s.tracks, t)
		switch info.Type {
		case media.Video:
			s.video = t
		case media.Audio:
			s.audio = t
		case media.Subtitle:
			s.subtitle = t
		}
		s.log.Info("stream opened", "type", info.Type, "codec", info.Codec,
			"width", info.Width, "height", info.Height, "sampleRate", info.SampleRate, "channels", info.Channels)
	}
	if s.video == nil && s.audio == nil {
		s.closeDecoders()
		return &openError{code: CodeStreamInfo, err: errors.New("player: no audio or video stream")}
	}
	return nil
}

func (s *fileSession) trackOf(t media.StreamType) *fileTrack {
	for _, tr := range s.tracks {
		if tr.Type == t {
			return tr
		}
	}
	return nil
}

func (s *fileSession) ingestTracks() []*ingest.Track {
	out := make([]*ingest.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t.Track
	}
	return out
}

// prerollOf maps an unset pre-roll to the seek default.
func prerollOf(o Options) time.Duration {
	if o.Preroll <= 0 {
		return -1
	}
	return o.Preroll
}

// serialOf returns the packet queue of t as a clock serial source, or an
// untyped nil when the stream is absent.
func serialOf(t *fileTrack) clock.SerialSource {
	if t == nil {
		return nil
	}
	return t.Packets
}

func (s *fileSession) run() {
	g, gctx := errgroup.WithContext(s.ctx)
	loopCtx, cancelLoop := context.WithCancel(gctx)
	s.g, s.cancelLoop = g, cancelLoop

	s.loopDone = make(chan struct{})
	g.Go(func() error {
		defer close(s.loopDone)
		return s.loop.Run(loopCtx)
	})
	for _, t := range s.tracks {
		g.Go(func() error { return t.worker.Run(gctx) })
	}
	g.Go(func() error { return s.sched.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.abort()
		return nil
	})
	if s.register != nil {
		s.unregister = s.register()
	}
}

func (s *fileSession) abort() {
	for _, t := range s.tracks {
		t.Packets.Abort()
		t.Frames.Abort()
	}
}

func (s *fileSession) closeDecoders() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.decoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s decoder: %w", t.Type, err))
		}
	}
	return errors.Join(errs...)
}

// stop tears the session down: the read loop first, then the queues, then
// the workers, the decoders and finally the demuxer.
func (s *fileSession) stop() error {
	s.stopOnce.Do(func() {
		if s.unregister != nil {
			s.unregister()
		}
		if s.g != nil {
			s.cancelLoop()
			<-s.loopDone
			s.abort()
			s.cancel()
			if err := s.g.Wait(); err != nil {
				s.log.Debug("session ended with error", "error", err)
			}
		} else {
			s.cancel()
		}
		s.stopErr = errors.Join(s.closeDecoders(), s.dmx.Close())
	})
	return s.stopErr
}

func (s *fileSession) onStarve() {
	if s.eof.Load() || s.loop.Finished() {
		return
	}
	if s.buffering.CompareAndSwap(false, true) {
		s.notify(Buffering, CodeBufferingStart, "buffering")
	}
}

func (s *fileSession) onRefill() {
	if !s.buffering.CompareAndSwap(true, false) {
		return
	}
	if s.sched.Paused() {
		s.notify(Paused, CodeBufferingReady, "buffer ready")
		return
	}
	s.notify(Playing, CodeBufferingReady, "buffer ready")
}

func (s *fileSession) onEvent(e ingest.Event) {
	switch e.Kind {
	case ingest.EventEOF:
		s.eof.Store(true)
		s.log.Info("end of input", "code", CodeEOF)
	case ingest.EventSeeked, ingest.EventLooped:
		s.eof.Store(false)
	case ingest.EventSeekFailed:
		s.notify(Error, CodeSeekError, fmt.Sprintf("error while seeking to %s: %v", e.Target, e.Err))
	case ingest.EventReadError:
		s.notify(Error, CodeOpenInput, fmt.Sprintf("read failed: %v", e.Err))
	case ingest.EventFinished:
		s.buffering.Store(false)
		s.notify(Finished, CodeFinish, "finish")
	}
}

func (s *fileSession) pause() error {
	if s.sched.Paused() {
		return ErrAlreadyDone
	}
	s.sched.SetPaused(true)
	s.loop.SetPaused(true)
	return nil
}

func (s *fileSession) resume() error {
	if !s.sched.Paused() {
		return ErrAlreadyDone
	}
	s.sched.SetPaused(false)
	s.loop.SetPaused(false)
	return nil
}

func (s *fileSession) seek(pos time.Duration) error {
	if d := s.dmx.Duration(); pos < 0 || (d > 0 && pos >= d) {
		return ErrParameter
	}
	first := s.dmx.StartTime()
	target := first + pos
	req := s.seeks.Accurate(target, first+s.position(), first)
	s.seekTarget.Store(int64(target))
	s.seeks.Request(req)
	s.loop.ClearFinished()
	s.log.Debug("seek requested", "target", target, "pos", req.Pos, "backward", req.Backward)
	return nil
}

func (s *fileSession) setLoop(on bool) error {
	if s.sched.Paused() || s.loop.Finished() {
		return ErrNotPlaying
	}
	s.loop.SetLoop(on, s.opts.LoopCount)
	return nil
}

func (s *fileSession) setMute(m bool) {
	if s.renderer != nil {
		s.renderer.SetMuted(m)
	}
}

// position is the master clock relative to the stream start. Until the
// clock is known it reports the latest seek target.
func (s *fileSession) position() time.Duration {
	if s.loop.Finished() {
		return s.duration()
	}
	var pos time.Duration
	if t := s.clocks.MasterTime(s.video != nil, s.audio != nil); math.IsNaN(t) {
		pos = time.Duration(s.seekTarget.Load())
	} else {
		pos = time.Duration(t * float64(time.Second))
	}
	return max(0, pos-s.dmx.StartTime())
}

func (s *fileSession) duration() time.Duration { return s.dmx.Duration() }

func (s *fileSession) snapshot() stats.Snapshot {
	var cache time.Duration
	for _, t := range []*fileTrack{s.audio, s.video} {
		if t != nil {
			cache = max(cache, t.Packets.Duration())
		}
	}
	s.stats.SetCache(int(cache.Milliseconds()))
	return s.stats.Snapshot()
}
