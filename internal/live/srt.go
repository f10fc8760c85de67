package live

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/mpegts"
)

// srtReadBufferSize holds ten 1316-byte SRT payloads.
const srtReadBufferSize = 1316 * 10

// DefaultSRTLatency is the receiver latency used when none is configured.
const DefaultSRTLatency = 120 * time.Millisecond

// srtProbeItems bounds how many TS items are read looking for the PMT.
const srtProbeItems = 2000

// tsConn reads MPEG-TS over SRT. Streams come from the first PMT; codec
// parameters are picked up in-band by the decoders.
type tsConn struct {
	log      *slog.Logger
	conn     io.Closer
	tsd      *mpegts.Demuxer
	dog      *watchdog
	streams  []media.StreamInfo
	videoPID uint16
	audioPID uint16
}

// srtAddress splits srt://host:port?streamid=x&latency=ms into the dial
// address and stream id.
func srtAddress(u *url.URL) (addr, streamID string, latency time.Duration, err error) {
	if u.Host == "" {
		return "", "", 0, fmt.Errorf("live: srt url %q has no host", u.String())
	}
	q := u.Query()
	streamID = q.Get("streamid")
	if streamID == "" {
		streamID = strings.TrimPrefix(u.Path, "/")
	}
	if ms := q.Get("latency"); ms != "" {
		var v int
		if _, err := fmt.Sscanf(ms, "%d", &v); err != nil || v < 0 {
			return "", "", 0, fmt.Errorf("live: srt latency %q: invalid", ms)
		}
		latency = time.Duration(v) * time.Millisecond
	}
	return u.Host, streamID, latency, nil
}

func dialSRT(ctx context.Context, u *url.URL, opts DialOptions) (Conn, error) {
	addr, streamID, latency, err := srtAddress(u)
	if err != nil {
		return nil, &PullError{Code: CodeDialFailed, Event: "bad srt url", Err: err}
	}
	if latency == 0 {
		latency = opts.SRTLatency
	}
	if latency <= 0 {
		latency = DefaultSRTLatency
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	if streamID != "" {
		cfg.StreamID = streamID
	}

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := srtgo.Dial(addr, cfg)
		ch <- result{c, err}
	}()
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &PullError{Code: CodeDialFailed, Event: "srt dial failed", Err: r.err}
		}
		conn = r.conn
	case <-timer.C:
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, &PullError{Code: CodeDialFailed, Event: "srt dial timed out", Err: ErrReadTimeout}
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
	return newTSConn(bufio.NewReaderSize(conn, srtReadBufferSize), conn, opts)
}

func newTSConn(r io.Reader, closer io.Closer, opts DialOptions) (*tsConn, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := &tsConn{
		log:  log.With("component", "live-conn"),
		conn: closer,
		tsd:  mpegts.NewDemuxer(r),
	}
	c.dog = newWatchdog(opts.Timeout, func() { closer.Close() })
	if err := c.probe(); err != nil {
		c.dog.stop()
		closer.Close()
		return nil, err
	}
	return c, nil
}

// probe reads until a PMT names the streams. PES read before it are
// dropped since nothing can decode them yet.
func (c *tsConn) probe() error {
	for range srtProbeItems {
		c.dog.kick()
		d, err := c.tsd.Next(context.Background())
		if err != nil {
			if c.dog.expired() {
				err = ErrReadTimeout
			}
			return &PullError{Code: CodePlayFailed, Event: "stream probe failed", Err: err}
		}
		if d.PMT == nil {
			continue
		}
		for _, es := range d.PMT.Streams {
			switch es.Type {
			case mpegts.StreamTypeH264:
				if c.videoPID == 0 {
					c.videoPID = es.PID
					c.streams = append(c.streams, media.StreamInfo{Type: media.Video, Codec: media.CodecH264})
				}
			case mpegts.StreamTypeAAC:
				if c.audioPID == 0 {
					c.audioPID = es.PID
					c.streams = append(c.streams, media.StreamInfo{Type: media.Audio, Codec: media.CodecAAC})
				}
			default:
				code := CodeUnsupportedAudio
				if es.Type == mpegts.StreamTypeH265 {
					code = CodeUnsupportedVideo
				}
				c.log.Warn("unsupported stream ignored", "code", code, "pid", es.PID, "streamType", es.Type)
			}
		}
		if len(c.streams) == 0 {
			return &PullError{Code: CodePlayFailed, Event: "no playable streams"}
		}
		return nil
	}
	return &PullError{Code: CodePlayFailed, Event: "stream probe failed", Err: errors.New("no PMT")}
}

func (c *tsConn) Streams() []media.StreamInfo { return c.streams }

func (c *tsConn) ReadUnit() (*media.Unit, error) {
	for {
		c.dog.kick()
		d, err := c.tsd.Next(context.Background())
		if err != nil {
			if c.dog.expired() {
				return nil, ErrReadTimeout
			}
			return nil, err
		}
		if d.PES == nil {
			continue
		}
		var typ media.StreamType
		switch d.PID {
		case c.videoPID:
			typ = media.Video
		case c.audioPID:
			typ = media.Audio
		default:
			continue
		}
		pts := media.NoTimestamp
		if d.PES.PTS != nil {
			pts = d.PES.PTS.Duration()
		}
		dts := pts
		if d.PES.DTS != nil {
			dts = d.PES.DTS.Duration()
		}
		return &media.Unit{
			Type:     typ,
			Data:     d.PES.Data,
			PTS:      pts,
			DTS:      dts,
			Pos:      -1,
			Keyframe: typ == media.Audio || d.RandomAccess,
		}, nil
	}
}

func (c *tsConn) Close() error {
	c.dog.stop()
	return c.conn.Close()
}
