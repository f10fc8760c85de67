package live

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/internal/media"
)

// Puller defaults.
const (
	DefaultRetryInterval = time.Second
	DefaultErrorEvery    = 3
)

// jumpThreshold is how far back, in ms, a timestamp may step before it is
// counted as a jump. Only every jumpLogEvery-th jump is logged.
const (
	jumpThreshold = -3600
	jumpLogEvery  = 30
)

// Handler consumes what a Puller reads. Calls come from the puller
// goroutine.
type Handler interface {
	// Connected is called with the streams of every new connection.
	Connected(streams []media.StreamInfo) error
	// Unit delivers one unit and the Unix time, in ms, it was received.
	Unit(u *media.Unit, recvMS uint64)
}

// Meter counts bytes read per stream type.
type Meter interface {
	UnitRead(t media.StreamType, bytes int)
}

// PullerConfig wires a Puller.
type PullerConfig struct {
	URL         string
	Dial        Dialer
	DialOptions DialOptions

	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
	// ErrorEvery escalates every n-th consecutive failure to OnError.
	ErrorEvery int

	Handler Handler
	Meter   Meter
	OnError func(*PullError)

	Now func() time.Time
	Log *slog.Logger
}

// Puller keeps one live source connected until its context ends.
type Puller struct {
	cfg PullerConfig
	log *slog.Logger

	failures  atomic.Int64
	attempts  atomic.Int64
	jumps     atomic.Int64
	connected atomic.Bool
	prevTS    int64
}

// NewPuller creates a puller. Run starts it.
func NewPuller(cfg PullerConfig) *Puller {
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.ErrorEvery <= 0 {
		cfg.ErrorEvery = DefaultErrorEvery
	}
	if cfg.DialOptions.Timeout <= 0 {
		cfg.DialOptions.Timeout = DefaultReadTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialOptions.Log == nil {
		cfg.DialOptions.Log = log
	}
	return &Puller{cfg: cfg, log: log.With("component", "live-puller")}
}

// Connected reports whether a source is currently delivering.
func (p *Puller) Connected() bool { return p.connected.Load() }

// Failures returns the current run of consecutive failed attempts.
func (p *Puller) Failures() int { return int(p.failures.Load()) }

// Attempts returns how many connections were tried.
func (p *Puller) Attempts() int { return int(p.attempts.Load()) }

// Jumps returns how many backward timestamp jumps were seen.
func (p *Puller) Jumps() int64 { return p.jumps.Load() }

// Run pulls until ctx is done, reconnecting after every failure. It
// always returns nil.
func (p *Puller) Run(ctx context.Context) error {
	for {
		err := p.pull(ctx)
		p.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		p.fail(err)

		t := time.NewTimer(p.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (p *Puller) pull(ctx context.Context) error {
	p.attempts.Add(1)
	conn, err := p.cfg.Dial(ctx, p.cfg.URL, p.cfg.DialOptions)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	streams := conn.Streams()
	p.log.Info("connected", "url", p.cfg.URL, "streams", len(streams))
	if err := p.cfg.Handler.Connected(streams); err != nil {
		return err
	}
	p.prevTS = 0

	for {
		u, err := conn.ReadUnit()
		if err != nil {
			return err
		}
		if !p.connected.Swap(true) {
			p.failures.Store(0)
		}
		p.checkJump(u)
		if p.cfg.Meter != nil {
			p.cfg.Meter.UnitRead(u.Type, len(u.Data))
		}
		p.cfg.Handler.Unit(u, uint64(p.cfg.Now().UnixMilli()))
	}
}

// fail records a failed attempt and escalates every ErrorEvery-th one.
func (p *Puller) fail(err error) {
	var pe *PullError
	if !errors.As(err, &pe) {
		pe = &PullError{Code: CodeReadFailed, Event: "read packet failed", Err: err}
	}
	n := p.failures.Add(1)
	p.log.Warn("pull failed", "code", pe.Code, "event", pe.Event, "failures", n, "error", pe.Err)
	if n%int64(p.cfg.ErrorEvery) == 0 && p.cfg.OnError != nil {
		p.cfg.OnError(pe)
	}
}

// checkJump counts timestamps that step back by more than the jump
// threshold. Playback recovers through the jitter buffer's stall skip.
func (p *Puller) checkJump(u *media.Unit) {
	ts := u.DTS
	if ts == media.NoTimestamp {
		ts = u.PTS
	}
	if ts == media.NoTimestamp || ts == 0 {
		return
	}
	ms := ts.Milliseconds()
	if p.prevTS != 0 {
		if dt := ms - p.prevTS; dt < jumpThreshold {
			if n := p.jumps.Add(1); (n-1)%jumpLogEvery == 0 {
				p.log.Debug("timestamp jump", "jumps", n, "dtMs", dt, "prevMs", p.prevTS, "ms", ms)
			}
		}
	}
	p.prevTS = ms
}
