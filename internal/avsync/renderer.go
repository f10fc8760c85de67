package avsync

import (
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/packetq"
)

// Audio drift correction.
const (
	// AudioDiffAvgCount is how many measurements are averaged before
	// correcting.
	AudioDiffAvgCount = 20
	// SampleCorrectionPercentMax bounds how far one frame is stretched.
	SampleCorrectionPercentMax = 10
)

var audioDiffAvgCoef = math.Exp(math.Log(0.01) / AudioDiffAvgCount)

// RendererConfig wires an audio renderer.
type RendererConfig struct {
	Frames  *frameq.Queue
	Packets *packetq.Queue

	Clocks   *clock.Set
	HasVideo bool

	Format          audio.Format
	NoSyncThreshold float64
	Log             *slog.Logger
}

// AudioRenderer is the session's audio track. The device pulls it; it
// never blocks on the decoder.
type AudioRenderer struct {
	cfg RendererConfig
	log *slog.Logger
	res audio.Resampler

	buf    []int16
	idx    int
	clock  float64
	serial int

	diffCum       float64
	diffAvgCount  int
	diffThreshold float64

	muted     atomic.Bool
	underruns atomic.Int64
}

var _ audio.Track = (*AudioRenderer)(nil)

// NewAudioRenderer creates a renderer for the device format in cfg.
func NewAudioRenderer(cfg RendererConfig) *AudioRenderer {
	if cfg.NoSyncThreshold <= 0 {
		cfg.NoSyncThreshold = decode.DefaultNoSyncThreshold
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &AudioRenderer{
		cfg:           cfg,
		log:           log.With("component", "audio-renderer"),
		clock:         math.NaN(),
		diffThreshold: float64(cfg.Format.HWBuffer()) / float64(cfg.Format.BytesPerSec()),
	}
}

// SetMuted silences this track without touching the device volume.
func (r *AudioRenderer) SetMuted(m bool) { r.muted.Store(m) }

// Muted reports whether the track is muted.
func (r *AudioRenderer) Muted() bool { return r.muted.Load() }

// Underruns returns how many pulls found no decoded audio.
func (r *AudioRenderer) Underruns() int64 { return r.underruns.Load() }

// Pull fills buf with device-format PCM and re-anchors the audio clock to
// the sample that will reach the speaker next.
func (r *AudioRenderer) Pull(buf []int16, now float64) {
	written := 0
	if r.cfg.Clocks.Audio.Paused() {
		// Hold the partly played frame so the clock stays put.
		clear(buf)
		written = len(buf)
	}
	for written < len(buf) {
		if r.idx >= len(r.buf) {
			if !r.nextFrame(now) {
				clear(buf[written:])
				r.buf, r.idx = r.buf[:0], 0
				break
			}
		}
		n := copy(buf[written:], r.buf[r.idx:])
		if r.muted.Load() {
			clear(buf[written : written+n])
		}
		written += n
		r.idx += n
	}

	if math.IsNaN(r.clock) {
		return
	}
	f := r.cfg.Format
	pending := 2 * (len(r.buf) - r.idx)
	c := r.cfg.Clocks
	c.Audio.SetAt(r.clock-float64(2*f.HWBuffer()+pending)/float64(f.BytesPerSec()), r.serial, now)
	c.External.SyncTo(c.Audio, r.cfg.NoSyncThreshold)
}

// nextFrame pops the next current-serial frame and converts it to the
// device format. It reports false when paused or starved.
func (r *AudioRenderer) nextFrame(now float64) bool {
	if r.cfg.Clocks.Audio.Paused() {
		return false
	}
	q := r.cfg.Frames
	for {
		f := q.PeekReadable()
		if f == nil {
			r.underruns.Add(1)
			return false
		}
		q.Next()
		if f.Serial != r.cfg.Packets.Serial() {
			continue
		}

		wanted := r.wantedSamples(f.Samples, f.SampleRate, now)
		r.buf = r.res.Convert(f.PCM, f.SampleRate, f.Channels, f.Samples, wanted,
			r.cfg.Format.SampleRate, r.cfg.Format.Channels)
		r.idx = 0
		if math.IsNaN(f.PTS) || f.SampleRate == 0 {
			r.clock = math.NaN()
		} else {
			r.clock = f.PTS + float64(f.Samples)/float64(f.SampleRate)
		}
		r.serial = f.Serial
		if len(r.buf) > 0 {
			return true
		}
	}
}

// wantedSamples returns how many samples a frame of n samples should
// play as so that audio drifts back toward a non-audio master.
func (r *AudioRenderer) wantedSamples(n, rate int, now float64) int {
	c := r.cfg.Clocks
	if c.Master(r.cfg.HasVideo, true) == clock.AudioMaster {
		return n
	}
	diff := c.Audio.GetAt(now) - c.MasterClock(r.cfg.HasVideo, true).GetAt(now)
	if math.IsNaN(diff) || math.Abs(diff) >= r.cfg.NoSyncThreshold {
		r.diffAvgCount = 0
		r.diffCum = 0
		return n
	}

	r.diffCum = diff + audioDiffAvgCoef*r.diffCum
	if r.diffAvgCount < AudioDiffAvgCount {
		r.diffAvgCount++
		return n
	}
	avg := r.diffCum * (1 - audioDiffAvgCoef)
	if math.Abs(avg) < r.diffThreshold {
		return n
	}
	wanted := n + int(diff*float64(rate))
	lo := n * (100 - SampleCorrectionPercentMax) / 100
	hi := n * (100 + SampleCorrectionPercentMax) / 100
	return max(lo, min(hi, wanted))
}
