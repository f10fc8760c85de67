// Package jitter implements the live-mode playout buffer. Decoded audio
// arrives in 10 ms chunks and video as decoded frames; the buffer holds
// them until enough is cached, releases video against the clock of the
// audio being played, and grows its ready threshold when playback keeps
// stalling.
package jitter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/media"
)

// ChunkMS is the duration of one audio chunk.
const ChunkMS = 10

// VideoFrameMS is the nominal frame duration used for the cache of a
// stream without audio.
const VideoFrameMS = 66

const (
	maxQueuedVideo    = 500
	maxAudioOnlyCache = 15000
)

// State is the buffering state.
type State int

// Buffer states.
const (
	Buffering State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Chunk is 10 ms of interleaved PCM tagged with the timestamp of the
// packet it was decoded from.
type Chunk struct {
	PCM        []int16
	SampleRate int
	Channels   int
	// PTS is in seconds.
	PTS float64
	// SyncTS is the Unix time, in ms, at which the packet was received.
	SyncTS uint64
}

// Listener receives buffer events. Calls are made without the buffer lock
// held, from the goroutine that caused them.
type Listener interface {
	StateChanged(s State)
	VideoReleased(f *media.Frame)
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithReadyLen sets the initial cache, in ms, needed to become ready.
func WithReadyLen(ms int) Option { return func(b *Buffer) { b.readyLen = ms } }

// WithMaxReadyLen caps how far stalls can grow the ready threshold.
func WithMaxReadyLen(ms int) Option { return func(b *Buffer) { b.maxReadyLen = ms } }

// WithReadyStep sets how much the ready threshold grows per step.
func WithReadyStep(ms int) Option { return func(b *Buffer) { b.readyStep = ms } }

// WithStallsPerStep sets how many stalls trigger one growth step.
func WithStallsPerStep(n int) Option { return func(b *Buffer) { b.stallsPerStep = n } }

// WithBufferingLen sets the cache, in ms, at or below which the buffer
// falls back to buffering.
func WithBufferingLen(ms int) Option { return func(b *Buffer) { b.bufferingLen = ms } }

// WithStallSkip sets the clock gap, in ms, past which a video frame is
// treated as a timestamp jump and released anyway.
func WithStallSkip(ms int) Option { return func(b *Buffer) { b.stallSkip = ms } }

// WithStallSleep sets the pause before releasing a jumped frame.
func WithStallSleep(d time.Duration) Option { return func(b *Buffer) { b.stallSleep = d } }

// WithTick sets the video release interval.
func WithTick(d time.Duration) Option { return func(b *Buffer) { b.tick = d } }

// WithListener sets the event listener.
func WithListener(l Listener) Option { return func(b *Buffer) { b.listener = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Buffer) { b.log = l } }

// WithClock sets the wall clock used when there is no audio to follow.
func WithClock(now clock.Source) Option { return func(b *Buffer) { b.now = now } }

// Buffer is safe for concurrent use.
type Buffer struct {
	readyLen      int
	maxReadyLen   int
	readyStep     int
	stallsPerStep int
	bufferingLen  int
	stallSkip     int
	stallSleep    time.Duration
	tick          time.Duration
	listener      Listener
	log           *slog.Logger
	now           clock.Source
	sleep         func(time.Duration)

	mu        sync.Mutex
	audio     []Chunk
	video     []*media.Frame
	state     State
	stalls    int
	cacheMS   int
	gotAudio  bool
	gotVideo  bool
	started   bool
	syncClock float64
	syncTS    uint64
	// Wall-clock anchor for streams without audio.
	anchored        bool
	videoAnchorPTS  float64
	videoAnchorWall float64

	res audio.Resampler
}

// New creates a buffer in the buffering state.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		readyLen:      300,
		maxReadyLen:   5000,
		readyStep:     1000,
		stallsPerStep: 2,
		bufferingLen:  50,
		stallSkip:     4000,
		stallSleep:    66 * time.Millisecond,
		tick:          5 * time.Millisecond,
		now:           clock.Now,
		sleep:         time.Sleep,
		syncClock:     math.NaN(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "jitter")
	return b
}

// State returns the buffering state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ReadyLen returns the current ready threshold in ms.
func (b *Buffer) ReadyLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyLen
}

// CacheMS returns the cached duration in ms as of the last push.
func (b *Buffer) CacheMS() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cacheMS
}

// SyncClock returns the pts, in seconds, of the audio chunk last pulled.
func (b *Buffer) SyncClock() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncClock
}

// SyncTS returns the receive time of the audio chunk last pulled.
func (b *Buffer) SyncTS() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncTS
}

// QueuedVideo returns the number of frames waiting for release.
func (b *Buffer) QueuedVideo() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.video)
}

// PushPCM caches one chunk.
func (b *Buffer) PushPCM(c Chunk) {
	b.mu.Lock()
	b.started = true
	b.gotAudio = true
	b.audio = append(b.audio, c)
	b.cacheMS = len(b.audio) * ChunkMS
	changed, state := b.updateState()
	if !b.gotVideo && b.cacheMS > maxAudioOnlyCache {
		b.log.Warn("audio cache too large", "cacheMs", b.cacheMS)
	}
	b.mu.Unlock()

	if changed {
		b.notifyState(state)
	}
}

// PushVideo caches one decoded frame.
func (b *Buffer) PushVideo(f *media.Frame) {
	b.mu.Lock()
	b.started = true
	b.gotVideo = true
	if n := len(b.video); n > maxQueuedVideo {
		b.log.Warn("video queue too large", "frames", n)
	}
	b.video = append(b.video, f)
	changed, state := false, b.state
	if !b.gotAudio {
		b.cacheMS = len(b.video) * VideoFrameMS
		changed, state = b.updateState()
	}
	b.mu.Unlock()

	if changed {
		b.notifyState(state)
	}
}

// updateState runs the buffering state machine on the current cache. Each
// fall back to buffering counts as a stall; enough stalls raise the ready
// threshold by one step.
func (b *Buffer) updateState() (bool, State) {
	changed := false
	if b.cacheMS <= b.bufferingLen && b.state != Buffering {
		b.state = Buffering
		changed = true
		b.stalls++
		if b.stalls >= b.stallsPerStep {
			b.readyLen = min(b.readyLen+b.readyStep, b.maxReadyLen)
			b.stalls = 0
			b.log.Info("ready threshold raised", "readyLenMs", b.readyLen)
		}
	}
	if b.cacheMS >= b.readyLen && b.state != Ready {
		b.state = Ready
		changed = true
	}
	return changed, b.state
}

func (b *Buffer) notifyState(s State) {
	b.log.Debug("state changed", "state", s.String())
	if b.listener != nil {
		b.listener.StateChanged(s)
	}
}

// PullAudio pops one chunk into buf resampled to rate and channels, and
// advances the sync clock to its pts. It returns the number of samples
// written, 0 while buffering or empty.
func (b *Buffer) PullAudio(buf []int16, rate, channels int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Ready || len(b.audio) == 0 {
		return 0
	}
	c := b.audio[0]
	b.audio[0] = Chunk{}
	b.audio = b.audio[1:]
	b.syncClock = c.PTS
	b.syncTS = c.SyncTS

	frames := len(c.PCM) / max(1, c.Channels)
	out := b.res.Convert(c.PCM, c.SampleRate, c.Channels, frames, frames, rate, channels)
	return copy(buf, out)
}

// Run releases video every tick until ctx is done.
func (b *Buffer) Run(ctx context.Context) error {
	t := time.NewTicker(b.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		b.ReleaseDue()
	}
}

// ReleaseDue checks the front video frame against the sync clock and
// releases it when due. A frame whose gap to the clock is at least the
// stall skip is taken as a timestamp jump and released after a short
// sleep. It reports whether a frame was released.
func (b *Buffer) ReleaseDue() bool {
	b.mu.Lock()
	if !b.started || b.state != Ready || len(b.video) == 0 {
		b.mu.Unlock()
		return false
	}
	f := b.video[0]
	now := b.clockLocked(f)
	if math.IsNaN(now) {
		b.mu.Unlock()
		return false
	}
	dt := (f.PTS - now) * 1000
	var wait time.Duration
	switch {
	case dt <= 0:
	case math.Abs(dt) >= float64(b.stallSkip):
		wait = b.stallSleep
		b.log.Debug("video timestamp jump", "dtMs", int64(dt))
	default:
		b.mu.Unlock()
		return false
	}
	b.video[0] = nil
	b.video = b.video[1:]
	b.mu.Unlock()

	if wait > 0 {
		b.sleep(wait)
	}
	if b.listener != nil {
		b.listener.VideoReleased(f)
	}
	return true
}

// clockLocked returns the clock video is released against: the audio
// sync clock, or wall time since the first frame when there is no audio.
// It is NaN until the first audio chunk has been pulled.
func (b *Buffer) clockLocked(f *media.Frame) float64 {
	if b.gotAudio {
		return b.syncClock
	}
	now := b.now()
	if !b.anchored {
		b.anchored = true
		b.videoAnchorPTS = f.PTS
		b.videoAnchorWall = now
	}
	return b.videoAnchorPTS + now - b.videoAnchorWall
}

// Clear drops everything cached and returns to buffering.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.audio = nil
	b.video = nil
	b.cacheMS = 0
	b.syncClock = math.NaN()
	b.anchored = false
	changed := b.state != Buffering
	b.state = Buffering
	b.mu.Unlock()
	b.log.Info("cache cleared")
	if changed {
		b.notifyState(Buffering)
	}
}
