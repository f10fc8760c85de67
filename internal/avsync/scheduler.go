// Package avsync presents decoded frames on time. The Scheduler paces
// video against the master clock and drives subtitle display; the
// AudioRenderer feeds the audio device and keeps the audio clock anchored
// to what has actually been played.
package avsync

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/packetq"
)

// Refresh timing, in seconds.
const (
	SyncThresholdMin  = 0.04
	SyncThresholdMax  = 0.1
	FrameDupThreshold = 0.1
	RefreshRate       = 0.01
	IdleRefreshRate   = 0.05
)

// Longest plausible gap between two frames. Sources with timestamp
// discontinuities use the short bound so a jump is not taken as a long
// frame.
const (
	MaxFrameDurationDiscontinuous = 10.0
	MaxFrameDurationContinuous    = 3600.0
)

// Sink presents frames. It is called from the scheduler goroutine only.
type Sink interface {
	PresentVideo(f *media.Frame)
	PresentSubtitle(f *media.Frame)
	ClearSubtitle()
}

// Observer receives presentation accounting.
type Observer interface {
	FrameRendered(f *media.Frame)
	FrameDroppedLate()
}

// Config wires a scheduler. Video and Subtitles may be nil when the
// session has no such stream.
type Config struct {
	Video           *frameq.Queue
	VideoPackets    *packetq.Queue
	Subtitles       *frameq.Queue
	SubtitlePackets *packetq.Queue
	// AudioPackets feeds the external clock speed control.
	AudioPackets *packetq.Queue

	Clocks   *clock.Set
	HasVideo bool
	HasAudio bool

	Sink     Sink
	Observer Observer

	Framedrop        int
	MaxFrameDuration float64
	NoSyncThreshold  float64
	// SyncMin and SyncMax bound the A/V sync threshold in seconds. Zero
	// takes SyncThresholdMin and SyncThresholdMax.
	SyncMin float64
	SyncMax float64
	// Realtime enables external clock speed control.
	Realtime bool
	// Finished reports that playback reached the end; the loop then idles.
	Finished func() bool

	Now clock.Source
	Log *slog.Logger
}

// Scheduler implements the video refresh.
type Scheduler struct {
	cfg Config
	log *slog.Logger
	now clock.Source

	mu           sync.Mutex
	frameTimer   float64
	paused       bool
	step         bool
	forceRefresh bool
	subShown     bool

	lateDrops atomic.Int64
}

// NewScheduler creates a scheduler. Run starts it.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxFrameDuration <= 0 {
		cfg.MaxFrameDuration = MaxFrameDurationContinuous
	}
	if cfg.NoSyncThreshold <= 0 {
		cfg.NoSyncThreshold = decode.DefaultNoSyncThreshold
	}
	if cfg.SyncMin <= 0 {
		cfg.SyncMin = SyncThresholdMin
	}
	if cfg.SyncMax <= 0 {
		cfg.SyncMax = SyncThresholdMax
	}
	if cfg.SyncMax < cfg.SyncMin {
		cfg.SyncMax = cfg.SyncMin
	}
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg: cfg,
		log: log.With("component", "scheduler"),
		now: cfg.Now,
	}
}

// LateDrops returns the number of frames skipped for lateness.
func (s *Scheduler) LateDrops() int64 { return s.lateDrops.Load() }

// Paused reports whether presentation is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused pauses or resumes presentation and the clocks. On resume the
// frame timer is moved forward by the paused wall time.
func (s *Scheduler) SetPaused(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = false
	if s.paused != p {
		s.togglePause(s.now())
	}
}

// Step shows exactly one more frame and pauses again. Without a video
// stream there is no frame to show and a paused scheduler stays paused.
func (s *Scheduler) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Video == nil {
		return
	}
	if s.paused {
		s.togglePause(s.now())
	}
	s.step = true
}

func (s *Scheduler) togglePause(now float64) {
	c := s.cfg.Clocks
	if s.paused {
		s.frameTimer += now - c.Video.LastUpdated()
		c.Video.Reanchor()
	}
	c.External.Reanchor()
	s.paused = !s.paused
	c.SetPaused(s.paused)
	s.log.Debug("pause toggled", "paused", s.paused)
}

func (s *Scheduler) master() clock.SyncType {
	return s.cfg.Clocks.Master(s.cfg.HasVideo, s.cfg.HasAudio)
}

// TargetDelay adjusts the nominal delay to the next frame so that video
// converges on the master clock: shortened when video lags, lengthened
// (or the frame duplicated) when it leads.
func (s *Scheduler) TargetDelay(delay float64) float64 {
	return s.targetDelay(delay, s.now())
}

func (s *Scheduler) targetDelay(delay, now float64) float64 {
	if s.master() == clock.VideoMaster {
		return delay
	}
	c := s.cfg.Clocks
	diff := c.Video.GetAt(now) - c.MasterClock(s.cfg.HasVideo, s.cfg.HasAudio).GetAt(now)
	threshold := math.Max(s.cfg.SyncMin, math.Min(s.cfg.SyncMax, delay))
	if math.IsNaN(diff) || math.Abs(diff) >= s.cfg.MaxFrameDuration {
		return delay
	}
	switch {
	case diff <= -threshold:
		delay = math.Max(0, delay+diff)
	case diff >= threshold && delay > FrameDupThreshold:
		delay += diff
	case diff >= threshold:
		delay *= 2
	}
	return delay
}

// frameDuration is the display time of f given the frame after it.
func (s *Scheduler) frameDuration(f, next *media.Frame) float64 {
	if f.Serial != next.Serial {
		return 0
	}
	d := next.PTS - f.PTS
	if math.IsNaN(d) || d <= 0 || d > s.cfg.MaxFrameDuration {
		return f.Duration
	}
	return d
}

func (s *Scheduler) lateDropEnabled() bool {
	fd := s.cfg.Framedrop
	return fd > 0 || (fd < 0 && s.master() != clock.VideoMaster)
}

// Refresh runs one scheduling pass at wall time now and returns how long
// the caller may sleep before the next pass.
func (s *Scheduler) Refresh(now float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused && !s.forceRefresh {
		return IdleRefreshRate
	}
	if !s.paused && s.cfg.Realtime && s.master() == clock.ExternalClock {
		s.cfg.Clocks.AdjustExternalSpeed(queueLen(s.cfg.VideoPackets), queueLen(s.cfg.AudioPackets),
			s.cfg.HasVideo, s.cfg.HasAudio)
	}

	remaining := RefreshRate
	if s.cfg.Video == nil {
		s.refreshSubtitles(s.cfg.Clocks.MasterClock(s.cfg.HasVideo, s.cfg.HasAudio).GetAt(now))
		return remaining
	}

	remaining = s.refreshVideo(now, remaining)
	if s.forceRefresh && s.cfg.Video.Size() > s.cfg.Video.Remaining() {
		f := s.cfg.Video.PeekLast()
		s.cfg.Sink.PresentVideo(f)
		if s.cfg.Observer != nil {
			s.cfg.Observer.FrameRendered(f)
		}
		s.showSubtitle(f.PTS)
	}
	s.forceRefresh = false
	return remaining
}

func (s *Scheduler) refreshVideo(now, remaining float64) float64 {
	q := s.cfg.Video
	for q.Remaining() > 0 {
		last := q.PeekLast()
		vp := q.Peek()
		if vp.Serial != s.cfg.VideoPackets.Serial() {
			q.Next()
			continue
		}
		if last.Serial != vp.Serial || !last.Shown {
			s.frameTimer = now
		}
		if s.paused {
			return remaining
		}

		lastDuration := 0.0
		if last.Shown {
			lastDuration = s.frameDuration(last, vp)
		}
		delay := s.targetDelay(lastDuration, now)
		if now < s.frameTimer+delay {
			return math.Min(s.frameTimer+delay-now, remaining)
		}
		s.frameTimer += delay
		if delay > 0 && now-s.frameTimer > s.cfg.SyncMax {
			s.frameTimer = now
		}

		if !math.IsNaN(vp.PTS) {
			s.cfg.Clocks.Video.SetAt(vp.PTS, vp.Serial, now)
			s.cfg.Clocks.External.SyncTo(s.cfg.Clocks.Video, s.cfg.NoSyncThreshold)
		}

		if q.Remaining() > 1 {
			next := q.PeekNext()
			if !s.step && s.lateDropEnabled() && now > s.frameTimer+s.frameDuration(vp, next) {
				s.lateDrops.Add(1)
				if s.cfg.Observer != nil {
					s.cfg.Observer.FrameDroppedLate()
				}
				q.Next()
				continue
			}
		}

		s.expireSubtitles(vp.PTS)
		q.Next()
		s.forceRefresh = true
		if s.step && !s.paused {
			s.togglePause(now)
			s.step = false
		}
		return remaining
	}
	return remaining
}

func (s *Scheduler) refreshSubtitles(pts float64) {
	s.expireSubtitles(pts)
	s.showSubtitle(pts)
}

// expireSubtitles drops subtitles from an old serial, past their end, or
// superseded by the next one.
func (s *Scheduler) expireSubtitles(pts float64) {
	q := s.cfg.Subtitles
	if q == nil {
		return
	}
	for q.Remaining() > 0 {
		sp := q.Peek()
		var sp2 *media.Frame
		if q.Remaining() > 1 {
			sp2 = q.PeekNext()
		}
		if sp.Serial == s.cfg.SubtitlePackets.Serial() && pts <= sp.PTS+sp.End &&
			(sp2 == nil || pts <= sp2.PTS+sp2.Start) {
			return
		}
		if s.subShown {
			s.cfg.Sink.ClearSubtitle()
			s.subShown = false
		}
		q.Next()
	}
}

func (s *Scheduler) showSubtitle(pts float64) {
	q := s.cfg.Subtitles
	if q == nil || s.subShown || q.Remaining() == 0 {
		return
	}
	sp := q.Peek()
	if pts >= sp.PTS+sp.Start {
		s.cfg.Sink.PresentSubtitle(sp)
		s.subShown = true
	}
}

func queueLen(q *packetq.Queue) int {
	if q == nil {
		return 0
	}
	return q.Len()
}

// Run refreshes until ctx is done, every 10 ms or sooner when a frame is
// due, and every 50 ms while paused or finished.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		wait := s.Refresh(s.now())
		if s.cfg.Finished != nil && s.cfg.Finished() {
			wait = math.Max(wait, IdleRefreshRate)
		}
		timer.Reset(time.Duration(wait * float64(time.Second)))
	}
}
