// Package player is the control surface of one playback session. A Player
// opens a file or live source, runs the pipeline behind it, and reports
// state changes through a Listener.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/avsync"
	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/codec"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/demux"
	"github.com/zsiec/cadence/internal/ingest"
	"github.com/zsiec/cadence/internal/live"
	"github.com/zsiec/cadence/internal/source"
	"github.com/zsiec/cadence/internal/stats"
)

// Result codes returned to API callers.
const (
	ResultDone           = 0
	ResultAlreadyDone    = 1
	ResultFailed         = -1
	ResultParameterError = -2
)

var (
	// ErrAlreadyDone is returned when a control call finds the player
	// already in the requested state.
	ErrAlreadyDone = errors.New("player: already done")
	// ErrParameter is returned for out-of-range arguments.
	ErrParameter = errors.New("player: parameter error")
	// ErrNotStarted is returned by controls called without a session.
	ErrNotStarted = errors.New("player: not started")
	// ErrNotPlaying is returned by controls that need running playback.
	ErrNotPlaying = errors.New("player: not playing")
	// ErrLive is returned for transport controls on a live source.
	ErrLive = errors.New("player: not supported on live sources")
)

// ResultCode maps an error from a control call to its result code.
func ResultCode(err error) int {
	switch {
	case err == nil:
		return ResultDone
	case errors.Is(err, ErrAlreadyDone):
		return ResultAlreadyDone
	case errors.Is(err, ErrParameter):
		return ResultParameterError
	}
	return ResultFailed
}

// Event codes carried by notifications.
const (
	CodeStart          = 600001
	CodeStop           = 600002
	CodeFinish         = 600003
	CodePause          = 600004
	CodeResume         = 600005
	CodeSeek           = 600006
	CodeSeekError      = 600007
	CodeStreamInfo     = 600008
	CodeOpenInput      = 600013
	CodeEOF            = 600015
	CodeDecoderOpen    = 600017
	CodeBufferingStart = 600020
	CodeBufferingReady = 600022
)

// State is the player state reported with a notification.
type State int

// Player states.
const (
	Idle State = iota
	Error
	Playing
	Stopped
	Paused
	Seeking
	Buffering
	Stuck
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Error:
		return "error"
	case Playing:
		return "playing"
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	case Buffering:
		return "buffering"
	case Stuck:
		return "stuck"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Notification is one state change.
type Notification struct {
	State   State  `json:"state"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Listener receives notifications. It is called from pipeline goroutines
// and must not call back into the Player.
type Listener func(Notification)

// Options tune file playback.
type Options struct {
	Sync clock.SyncType
	// Framedrop is decode.FramedropAuto, FramedropOff or FramedropOn.
	Framedrop int
	Loop      bool
	// LoopCount bounds the restarts; 0 loops forever.
	LoopCount int
	// Duration limits playback to this much after the start position.
	Duration        time.Duration
	NoSyncThreshold float64
	// SyncMin and SyncMax bound the A/V sync threshold. Zero takes the
	// scheduler defaults.
	SyncMin   time.Duration
	SyncMax   time.Duration
	MinFrames int
	// Preroll is how far before an accurate seek target the demuxer lands.
	Preroll    time.Duration
	NoCaptions bool
}

// LiveOptions tune live playback. Zero values take the package defaults.
type LiveOptions struct {
	ReadyLen      int
	MaxReadyLen   int
	ReadyStep     int
	StallSkip     int
	StallSleep    time.Duration
	RetryInterval time.Duration
	ErrorEvery    int
	ReadTimeout   time.Duration
	SRTLatency    time.Duration
}

// DemuxOpener opens a file-mode source.
type DemuxOpener func(ctx context.Context, url string) (ingest.Demuxer, error)

// Config wires a Player.
type Config struct {
	// Audio is the shared output. Required.
	Audio *audio.Manager
	// Sink presents video and subtitles. Nil uses a headless sink.
	Sink     avsync.Sink
	Listener Listener
	// OnSyncTS receives the receive time of the live audio playing now.
	OnSyncTS func(ts uint64)

	Options Options
	Live    LiveOptions

	OpenDemuxer DemuxOpener
	Decoders    decode.Factory
	Dial        live.Dialer

	Now clock.Source
	Log *slog.Logger
}

// session is one running source.
type session interface {
	run()
	pause() error
	resume() error
	seek(pos time.Duration) error
	setLoop(on bool) error
	setMute(m bool)
	position() time.Duration
	duration() time.Duration
	snapshot() stats.Snapshot
	stop() error
}

// Player runs at most one session at a time. It is safe for concurrent
// use.
type Player struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	sess  session
	url   string
	muted bool

	state atomic.Int32
}

// New creates a player.
func New(cfg Config) (*Player, error) {
	if cfg.Audio == nil {
		return nil, errors.New("player: audio manager is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = avsync.NewLogSink(log)
	}
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	if cfg.Decoders == nil {
		cfg.Decoders = codec.Factory(codec.Options{Log: log})
	}
	if cfg.OpenDemuxer == nil {
		noCaptions := cfg.Options.NoCaptions
		cfg.OpenDemuxer = func(ctx context.Context, url string) (ingest.Demuxer, error) {
			return openTS(ctx, url, demux.Options{NoCaptions: noCaptions, Log: log})
		}
	}
	return &Player{cfg: cfg, log: log.With("component", "player")}, nil
}

func openTS(ctx context.Context, url string, opts demux.Options) (ingest.Demuxer, error) {
	// The source outlives the open call.
	src, err := source.Open(url, source.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		return nil, err
	}
	d, err := demux.Open(ctx, src, opts)
	if err != nil {
		src.Close()
		return nil, err
	}
	return d, nil
}

// notify records s and calls the listener.
func (p *Player) notify(s State, code int, msg string) {
	p.state.Store(int32(s))
	p.log.Debug("state", "state", s, "code", code, "message", msg)
	if p.cfg.Listener != nil {
		p.cfg.Listener(Notification{State: s, Code: code, Message: msg})
	}
}

// State returns the most recently notified state.
func (p *Player) State() State { return State(p.state.Load()) }

// URL returns the source of the running session.
func (p *Player) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Start opens url and begins playback startMS into it. ctx bounds the
// open; the session itself runs until Stop.
func (p *Player) Start(ctx context.Context, url string, startMS int64, paused bool) error {
	if url == "" || startMS < 0 {
		return ErrParameter
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		return ErrAlreadyDone
	}

	start := time.Duration(startMS) * time.Millisecond
	var (
		s   session
		err error
	)
	if live.IsLive(url) {
		s, err = newLiveSession(ctx, p, url)
	} else {
		s, err = newFileSession(ctx, p, url, start, paused)
	}
	if err != nil {
		var oe *openError
		if errors.As(err, &oe) {
			p.notify(Error, oe.code, oe.Error())
		}
		return err
	}
	s.setMute(p.muted)
	p.sess = s
	p.url = url
	p.log.Info("playback started", "url", url, "startMs", startMS, "paused", paused)
	if paused {
		p.notify(Paused, CodeStart, "paused")
	} else {
		p.notify(Playing, CodeStart, "playing")
	}
	s.run()
	return nil
}

// Pause freezes playback.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ErrNotStarted
	}
	if err := p.sess.pause(); err != nil {
		return err
	}
	p.notify(Paused, CodePause, "paused")
	return nil
}

// Resume continues paused playback.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ErrNotStarted
	}
	if err := p.sess.resume(); err != nil {
		return err
	}
	p.notify(Playing, CodeResume, "playing")
	return nil
}

// Seek moves playback to posMS from the start of the source. Positions
// outside the source return ErrParameter and leave playback untouched.
func (p *Player) Seek(posMS int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ErrNotStarted
	}
	if posMS < 0 {
		return ErrParameter
	}
	if err := p.sess.seek(time.Duration(posMS) * time.Millisecond); err != nil {
		return err
	}
	p.notify(Seeking, CodeSeek, "seeking")
	return nil
}

// Stop ends the session and releases everything it opened.
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ErrAlreadyDone
	}
	err := p.sess.stop()
	p.sess = nil
	p.url = ""
	p.log.Info("playback stopped")
	p.notify(Stopped, CodeStop, "stop")
	if err != nil {
		return fmt.Errorf("player: stop: %w", err)
	}
	return nil
}

// SetLoop turns restart-at-end on or off.
func (p *Player) SetLoop(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ErrNotStarted
	}
	return p.sess.setLoop(on)
}

// SetMute silences this player's audio. It holds across sessions.
func (p *Player) SetMute(m bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = m
	if p.sess != nil {
		p.sess.setMute(m)
	}
}

// PositionMS returns the playback position.
func (p *Player) PositionMS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return 0
	}
	return p.sess.position().Milliseconds()
}

// DurationMS returns the source duration, 0 when unknown or live.
func (p *Player) DurationMS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return 0
	}
	return p.sess.duration().Milliseconds()
}

// Stats returns the telemetry accumulated since the previous call.
func (p *Player) Stats() stats.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return stats.Snapshot{}
	}
	return p.sess.snapshot()
}

// openError is a start failure with its event code.
type openError struct {
	code int
	err  error
}

func (e *openError) Error() string { return e.err.Error() }
func (e *openError) Unwrap() error { return e.err }
