// Package ingest runs the file-mode read loop: it pulls units from a
// demuxer into per-stream packet queues, applies backpressure, services
// seek requests, and detects the end of playback.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/packetq"
	"github.com/zsiec/cadence/internal/seek"
)

const pollInterval = 10 * time.Millisecond

// Demuxer is the container reader the loop owns.
type Demuxer interface {
	Streams() []media.StreamInfo
	ReadUnit(ctx context.Context) (*media.Unit, error)
	// Seek lands on a sync point at or before target. target is in
	// stream time, the same base as unit timestamps.
	Seek(ctx context.Context, target time.Duration, backward bool) error
	Duration() time.Duration
	StartTime() time.Duration
	Close() error
}

// Meter receives the encoded size of every routed unit.
type Meter interface {
	UnitRead(t media.StreamType, bytes int)
}

// Finisher reports the packet serial at which a decoder drained its input.
type Finisher interface {
	Finished() int
}

// Track is one active stream as seen by the loop.
type Track struct {
	Type     media.StreamType
	Packets  *packetq.Queue
	Frames   *frameq.Queue
	Marker   *seek.Marker
	Decoder  Finisher
	Attached bool
}

// EventKind classifies loop events.
type EventKind int

// Loop events.
const (
	EventEOF EventKind = iota
	EventFinished
	EventSeeked
	EventSeekFailed
	EventReadError
	EventLooped
)

func (k EventKind) String() string {
	switch k {
	case EventEOF:
		return "eof"
	case EventFinished:
		return "finished"
	case EventSeeked:
		return "seeked"
	case EventSeekFailed:
		return "seek-failed"
	case EventReadError:
		return "read-error"
	case EventLooped:
		return "looped"
	}
	return "unknown"
}

// Event is delivered synchronously from the loop goroutine.
type Event struct {
	Kind EventKind
	// Target is the seek target for seek events.
	Target time.Duration
	Err    error
}

// Config wires a loop.
type Config struct {
	Demuxer Demuxer
	Tracks  []*Track
	Clocks  *clock.Set
	Seeks   *seek.Controller

	// Start and Duration bound the play range in stream time. A zero
	// Duration plays to the end.
	Start    time.Duration
	Duration time.Duration

	MaxQueueBytes int
	MinFrames     int

	// OnPause fires when the loop observes a pause change.
	OnPause func(paused bool)
	// Step is called after a seek completes while paused.
	Step func()
	// OnEvent receives loop events.
	OnEvent func(Event)
	Meter   Meter

	Log *slog.Logger
}

// Stats are read-loop counters.
type Stats struct {
	UnitsRead int64 `json:"unitsRead"`
	BytesRead int64 `json:"bytesRead"`
	Dropped   int64 `json:"dropped"`
	Seeks     int64 `json:"seeks"`
	Loops     int64 `json:"loops"`
}

// Loop is the single reader of a demuxer.
type Loop struct {
	cfg    Config
	log    *slog.Logger
	tracks map[media.StreamType]*Track

	paused   atomic.Bool
	finished atomic.Bool

	mu        sync.Mutex
	looping   bool
	loopCount int
	loopsDone int

	unitsRead atomic.Int64
	bytesRead atomic.Int64
	dropped   atomic.Int64
	seeks     atomic.Int64
	loops     atomic.Int64
}

// NewLoop creates a loop. Run starts it.
func NewLoop(cfg Config) *Loop {
	if cfg.MaxQueueBytes <= 0 {
		cfg.MaxQueueBytes = media.MaxQueueBytes
	}
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = media.MinFrames
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		cfg:    cfg,
		log:    log.With("component", "ingest"),
		tracks: make(map[media.StreamType]*Track, len(cfg.Tracks)),
	}
	for _, t := range cfg.Tracks {
		l.tracks[t.Type] = t
	}
	return l
}

// SetPaused records the pause state for the loop to service.
func (l *Loop) SetPaused(p bool) {
	l.paused.Store(p)
}

// SetLoop enables looping. count bounds the number of restarts; 0 loops
// forever.
func (l *Loop) SetLoop(on bool, count int) {
	l.mu.Lock()
	l.looping = on
	l.loopCount = count
	l.loopsDone = 0
	l.mu.Unlock()
}

// Looping reports whether looping is enabled.
func (l *Loop) Looping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.looping
}

// Finished reports whether playback reached the end without looping.
func (l *Loop) Finished() bool { return l.finished.Load() }

// ClearFinished resets the finished flag, as a seek does.
func (l *Loop) ClearFinished() { l.finished.Store(false) }

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		UnitsRead: l.unitsRead.Load(),
		BytesRead: l.bytesRead.Load(),
		Dropped:   l.dropped.Load(),
		Seeks:     l.seeks.Load(),
		Loops:     l.loops.Load(),
	}
}

func (l *Loop) emit(e Event) {
	if l.cfg.OnEvent != nil {
		l.cfg.OnEvent(e)
	}
}

// Run reads until ctx is done or the demuxer fails. It returns nil on
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	var (
		lastPaused bool
		eof        bool
	)
	for {
		if ctx.Err() != nil {
			return nil
		}

		if p := l.paused.Load(); p != lastPaused {
			lastPaused = p
			if l.cfg.OnPause != nil {
				l.cfg.OnPause(p)
			}
		}

		if req, ok := l.cfg.Seeks.Take(); ok {
			l.doSeek(ctx, req, lastPaused)
			eof = false
			continue
		}

		if l.full() {
			l.wait(ctx)
			continue
		}

		if !lastPaused && !l.finished.Load() && l.drained() {
			if l.restart() {
				continue
			}
			l.finished.Store(true)
			l.log.Info("playback finished")
			l.emit(Event{Kind: EventFinished})
		}

		u, err := l.cfg.Demuxer.ReadUnit(ctx)
		if errors.Is(err, io.EOF) {
			if !eof {
				for _, t := range l.cfg.Tracks {
					if err := t.Packets.PutEOF(t.Type); err != nil {
						l.dropped.Add(1)
						l.log.Debug("end of stream marker dropped", "stream", t.Type, "error", err)
					}
				}
				eof = true
				l.log.Debug("end of input")
				l.emit(Event{Kind: EventEOF})
			}
			l.wait(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Error("read failed", "error", err)
			l.emit(Event{Kind: EventReadError, Err: err})
			return fmt.Errorf("ingest: read: %w", err)
		}
		eof = false
		l.route(u)
	}
}

func (l *Loop) doSeek(ctx context.Context, req seek.Request, paused bool) {
	l.seeks.Add(1)
	if err := l.cfg.Demuxer.Seek(ctx, req.Pos, req.Backward); err != nil {
		l.cfg.Seeks.Done()
		l.log.Warn("seek failed", "target", req.Target, "error", err)
		l.emit(Event{Kind: EventSeekFailed, Target: req.Target, Err: err})
		return
	}

	target := req.Target.Seconds()
	for _, t := range l.cfg.Tracks {
		t.Packets.Flush()
		if err := t.Packets.PutFlush(); err != nil {
			continue
		}
		if req.Accurate && t.Marker != nil {
			t.Marker.Arm(target, req.Backward, t.Packets.Serial())
		}
	}
	l.cfg.Clocks.External.Set(target, 0)
	l.finished.Store(false)
	l.cfg.Seeks.Done()
	l.log.Debug("seek done", "target", req.Target, "pos", req.Pos, "backward", req.Backward)

	if paused && l.cfg.Step != nil {
		l.cfg.Step()
	}
	l.emit(Event{Kind: EventSeeked, Target: req.Target})
}

// full reports whether the queues hold enough to stop reading.
func (l *Loop) full() bool {
	total := 0
	enough := len(l.cfg.Tracks) > 0
	for _, t := range l.cfg.Tracks {
		total += t.Packets.Size()
		if !t.Packets.HasEnough(l.cfg.MinFrames, t.Attached) {
			enough = false
		}
	}
	return total > l.cfg.MaxQueueBytes || enough
}

// drained reports whether every audio and video stream decoded to the end
// of the current serial and presented everything. Subtitles are left out:
// they are expired by presentation and may outlast the last picture.
func (l *Loop) drained() bool {
	av := 0
	for _, t := range l.cfg.Tracks {
		if t.Type == media.Subtitle {
			continue
		}
		av++
		if t.Decoder == nil || t.Decoder.Finished() != t.Packets.Serial() {
			return false
		}
		if t.Frames != nil && t.Frames.Remaining() > 0 {
			return false
		}
	}
	return av > 0
}

// restart seeks back to the start when looping is on and the loop budget
// allows it.
func (l *Loop) restart() bool {
	l.mu.Lock()
	ok := l.looping && (l.loopCount == 0 || l.loopsDone < l.loopCount)
	if ok {
		l.loopsDone++
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	l.loops.Add(1)
	start := l.cfg.Demuxer.StartTime() + l.cfg.Start
	l.log.Debug("looping to start", "pos", start)
	l.cfg.Seeks.Request(seek.Request{Target: start, Pos: start, Backward: true})
	l.emit(Event{Kind: EventLooped, Target: start})
	return true
}

// route queues u when its stream is active and it falls in the play range.
func (l *Loop) route(u *media.Unit) {
	t, ok := l.tracks[u.Type]
	if !ok {
		return
	}
	l.unitsRead.Add(1)
	l.bytesRead.Add(int64(len(u.Data)))
	if l.cfg.Meter != nil {
		l.cfg.Meter.UnitRead(u.Type, len(u.Data))
	}

	if l.cfg.Duration > 0 {
		ts := u.PTS
		if ts == media.NoTimestamp {
			ts = u.DTS
		}
		if ts != media.NoTimestamp && ts-l.cfg.Demuxer.StartTime()-l.cfg.Start > l.cfg.Duration {
			l.dropped.Add(1)
			return
		}
	}
	if err := t.Packets.Put(u); err != nil {
		l.dropped.Add(1)
	}
}

func (l *Loop) wait(ctx context.Context) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.cfg.Seeks.Wake():
	case <-timer.C:
	}
}
