// Package stats accumulates playback telemetry for one session and
// publishes it as point-in-time snapshots. Rates are computed over the
// interval since the previous snapshot, after which the interval counters
// start again from zero.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/avsync"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/ingest"
	"github.com/zsiec/cadence/internal/live"
	"github.com/zsiec/cadence/internal/media"
)

// Compile-time interface checks.
var (
	_ decode.Observer = (*Collector)(nil)
	_ avsync.Observer = (*Collector)(nil)
	_ live.Meter      = (*Collector)(nil)
	_ ingest.Meter    = (*Collector)(nil)
)

// Snapshot is one published view of the session. The zero value is a
// valid empty snapshot.
type Snapshot struct {
	Timestamp       int64   `json:"ts"`
	IntervalMs      int64   `json:"intervalMs"`
	DecodeFPS       float64 `json:"decodeFps"`
	RenderFPS       float64 `json:"renderFps"`
	EarlyDrops      int64   `json:"earlyDrops"`
	LateDrops       int64   `json:"lateDrops"`
	AudioSampleRate int     `json:"audioSampleRate"`
	CacheMs         int     `json:"cacheMs"`
	AudioKbps       float64 `json:"audioKbps"`
	VideoKbps       float64 `json:"videoKbps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	SyncTS          uint64  `json:"syncTs,omitempty"`
}

// Collector is safe for concurrent use. Decode workers, the scheduler,
// the read loop and the audio callback all report into it.
type Collector struct {
	now func() time.Time

	decoded    atomic.Int64
	rendered   atomic.Int64
	earlyDrops atomic.Int64
	lateDrops  atomic.Int64
	audioBytes atomic.Int64
	videoBytes atomic.Int64

	sampleRate atomic.Int32
	width      atomic.Int32
	height     atomic.Int32
	cacheMs    atomic.Int32
	syncTS     atomic.Uint64

	// mu serializes snapshots and guards last.
	mu   sync.Mutex
	last time.Time
}

// New creates a collector. now may be nil.
func New(now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}
	return &Collector{now: now, last: now()}
}

// FrameDecoded counts a decoded frame and records its format.
func (c *Collector) FrameDecoded(f *media.Frame) {
	switch f.Type {
	case media.Video:
		c.decoded.Add(1)
		if f.Width > 0 && f.Height > 0 {
			c.width.Store(int32(f.Width))
			c.height.Store(int32(f.Height))
		}
	case media.Audio:
		if f.SampleRate > 0 {
			c.sampleRate.Store(int32(f.SampleRate))
		}
	}
}

// FrameDroppedEarly counts a video frame dropped before queueing.
func (c *Collector) FrameDroppedEarly() { c.earlyDrops.Add(1) }

// FrameRendered counts a presented video frame.
func (c *Collector) FrameRendered(f *media.Frame) {
	if f.Type == media.Video {
		c.rendered.Add(1)
	}
}

// FrameDroppedLate counts a video frame dropped at presentation.
func (c *Collector) FrameDroppedLate() { c.lateDrops.Add(1) }

// UnitRead accounts encoded bytes for the bitrates.
func (c *Collector) UnitRead(t media.StreamType, bytes int) {
	switch t {
	case media.Video:
		c.videoBytes.Add(int64(bytes))
	case media.Audio:
		c.audioBytes.Add(int64(bytes))
	}
}

// SetCache records the buffered duration.
func (c *Collector) SetCache(ms int) { c.cacheMs.Store(int32(ms)) }

// SetSyncTS records the receive time of the audio playing now.
func (c *Collector) SetSyncTS(ts uint64) { c.syncTS.Store(ts) }

// Snapshot returns the counters accumulated since the previous snapshot
// and starts a new interval.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	elapsed := now.Sub(c.last)
	c.last = now

	s := Snapshot{
		Timestamp:       now.UnixMilli(),
		IntervalMs:      elapsed.Milliseconds(),
		EarlyDrops:      c.earlyDrops.Swap(0),
		LateDrops:       c.lateDrops.Swap(0),
		AudioSampleRate: int(c.sampleRate.Load()),
		CacheMs:         int(c.cacheMs.Load()),
		Width:           int(c.width.Load()),
		Height:          int(c.height.Load()),
		SyncTS:          c.syncTS.Load(),
	}
	decoded := c.decoded.Swap(0)
	rendered := c.rendered.Swap(0)
	audioBytes := c.audioBytes.Swap(0)
	videoBytes := c.videoBytes.Swap(0)
	if secs := elapsed.Seconds(); secs > 0 {
		s.DecodeFPS = float64(decoded) / secs
		s.RenderFPS = float64(rendered) / secs
		s.AudioKbps = float64(audioBytes) * 8 / 1000 / secs
		s.VideoKbps = float64(videoBytes) * 8 / 1000 / secs
	}
	return s
}
