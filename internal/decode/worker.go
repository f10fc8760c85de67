package decode

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/packetq"
	"github.com/zsiec/cadence/internal/seek"
)

// DefaultNoSyncThreshold is the clock difference in seconds beyond which
// no sync correction is attempted.
const DefaultNoSyncThreshold = 10.0

// Framedrop modes for the early video drop.
const (
	FramedropAuto = -1
	FramedropOff  = 0
	FramedropOn   = 1
)

// Observer receives per-frame accounting from a worker. Implementations
// must be safe for concurrent use.
type Observer interface {
	FrameDecoded(f *media.Frame)
	FrameDroppedEarly()
}

// WorkerConfig wires a worker to its queues and clocks.
type WorkerConfig struct {
	Type    media.StreamType
	Decoder Decoder
	Packets *packetq.Queue
	Frames  *frameq.Queue

	// Clocks, HasVideo and HasAudio resolve the master for the early drop.
	Clocks   *clock.Set
	HasVideo bool
	HasAudio bool

	// Marker discards frames ahead of an accurate-seek target. May be nil.
	Marker *seek.Marker

	// Framedrop is FramedropAuto, FramedropOff, or FramedropOn.
	Framedrop       int
	NoSyncThreshold float64
	// FilterDelay is the latency added between decoder and presenter.
	FilterDelay float64

	Observer Observer
	Log      *slog.Logger
}

// Worker pops units for one stream, decodes them, and queues the frames.
type Worker struct {
	cfg WorkerConfig
	log *slog.Logger

	pktSerial int
	nextPTS   float64

	finished    atomic.Int64
	earlyDrops  atomic.Int64
	decodeFails atomic.Int64
}

// NewWorker creates a worker. Run starts it.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.NoSyncThreshold <= 0 {
		cfg.NoSyncThreshold = DefaultNoSyncThreshold
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:       cfg,
		log:       log.With("component", "decoder", "stream", cfg.Type.String()),
		pktSerial: -1,
		nextPTS:   math.NaN(),
	}
}

// Finished returns the packet serial at which the stream hit end of input,
// or 0 while it is still decoding.
func (w *Worker) Finished() int { return int(w.finished.Load()) }

// EarlyDrops returns the number of video frames dropped before queueing.
func (w *Worker) EarlyDrops() int64 { return w.earlyDrops.Load() }

// DecodeErrors returns the number of units the decoder rejected.
func (w *Worker) DecodeErrors() int64 { return w.decodeFails.Load() }

// Run decodes until the packet queue or frame queue is aborted or ctx is
// done. Aborts end the worker cleanly with a nil error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		u, err := w.cfg.Packets.Get(ctx, true)
		if err != nil {
			if errors.Is(err, packetq.ErrAborted) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Units queued before the latest flush marker belong to a dead
		// epoch.
		if u.Serial != w.cfg.Packets.Serial() {
			continue
		}
		w.pktSerial = u.Serial

		switch {
		case u.Flush:
			w.cfg.Decoder.Flush()
			w.finished.Store(0)
			w.nextPTS = math.NaN()
		case u.EOF:
			if !w.drain(ctx) {
				return nil
			}
			w.finished.Store(int64(u.Serial))
			w.cfg.Decoder.Flush()
		default:
			r := w.cfg.Decoder.Decode(u)
			switch r.Status {
			case DecodeError:
				w.decodeFails.Add(1)
				w.log.Warn("decode failed, skipping unit", "pts", u.PTS, "error", r.Err)
			case Decoded:
				if !w.queue(ctx, r.Frames) {
					return nil
				}
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context) bool {
	for {
		r := w.cfg.Decoder.Decode(nil)
		if r.Status != Decoded {
			return true
		}
		if !w.queue(ctx, r.Frames) {
			return false
		}
	}
}

// queue writes frames into the frame queue. It returns false once the
// frame queue has been aborted.
func (w *Worker) queue(ctx context.Context, frames []*media.Frame) bool {
	for _, f := range frames {
		f.Type = w.cfg.Type
		f.Serial = w.pktSerial

		switch w.cfg.Type {
		case media.Audio:
			if math.IsNaN(f.PTS) {
				f.PTS = w.nextPTS
			}
			if !math.IsNaN(f.PTS) && f.SampleRate > 0 {
				w.nextPTS = f.PTS + float64(f.Samples)/float64(f.SampleRate)
			}
		case media.Video:
			if w.dropEarly(f) {
				w.earlyDrops.Add(1)
				if w.cfg.Observer != nil {
					w.cfg.Observer.FrameDroppedEarly()
				}
				continue
			}
		}

		if w.cfg.Marker != nil && !w.cfg.Marker.Keep(f.PTS, f.Serial) {
			continue
		}

		slot := w.cfg.Frames.PeekWritable(ctx)
		if slot == nil {
			return false
		}
		pcm := slot.PCM
		*slot = *f
		slot.PCM = append(pcm[:0], f.PCM...)
		w.cfg.Frames.Push()

		if w.cfg.Observer != nil {
			w.cfg.Observer.FrameDecoded(f)
		}
	}
	return true
}

// dropEarly reports whether a video frame is already behind the master
// clock and would be dropped at presentation anyway.
func (w *Worker) dropEarly(f *media.Frame) bool {
	mode := w.cfg.Framedrop
	if w.cfg.Clocks == nil || mode == FramedropOff || math.IsNaN(f.PTS) {
		return false
	}
	if mode < 0 && w.cfg.Clocks.Master(w.cfg.HasVideo, w.cfg.HasAudio) == clock.VideoMaster {
		return false
	}
	diff := f.PTS - w.cfg.Clocks.MasterTime(w.cfg.HasVideo, w.cfg.HasAudio)
	return !math.IsNaN(diff) &&
		math.Abs(diff) < w.cfg.NoSyncThreshold &&
		diff-w.cfg.FilterDelay < 0 &&
		w.pktSerial == w.cfg.Clocks.Video.Serial() &&
		w.cfg.Packets.Len() > 0
}
