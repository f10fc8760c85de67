package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/flv"
	"github.com/nareix/joy4/format/rtmp"

	"github.com/zsiec/cadence/internal/codec"
	"github.com/zsiec/cadence/internal/media"
)

// avConn adapts a joy4 demuxer (RTMP or FLV) to Conn. Video arrives as
// AVCC and leaves as Annex B with the parameter sets in front of every
// keyframe.
type avConn struct {
	log     *slog.Logger
	demux   av.Demuxer
	closer  io.Closer
	dog     *watchdog
	streams []media.StreamInfo
	// kinds maps a joy4 stream index to its type; -1 means ignored.
	kinds    []media.StreamType
	sps, pps []byte
	rates    []int
}

func dialRTMP(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	type result struct {
		conn *rtmp.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := rtmp.DialTimeout(rawURL, opts.Timeout)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &PullError{Code: CodeDialFailed, Event: "rtmp dial failed", Err: r.err}
		}
		return newAVConn(r.conn, r.conn, opts)
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func dialFLV(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &PullError{Code: CodeDialFailed, Event: "bad http-flv request", Err: err}
	}
	client := &http.Client{Transport: http.DefaultTransport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &PullError{Code: CodeDialFailed, Event: "http-flv dial failed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &PullError{
			Code:  CodeConnectFailed,
			Event: "http-flv request rejected",
			Err:   fmt.Errorf("status %s", resp.Status),
		}
	}
	return newAVConn(flv.NewDemuxer(resp.Body), resp.Body, opts)
}

func newAVConn(demux av.Demuxer, closer io.Closer, opts DialOptions) (*avConn, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	c := &avConn{
		log:    log.With("component", "live-conn"),
		demux:  demux,
		closer: closer,
	}
	c.dog = newWatchdog(opts.Timeout, func() { closer.Close() })

	cds, err := demux.Streams()
	if err != nil {
		c.dog.stop()
		closer.Close()
		if c.dog.expired() {
			err = ErrReadTimeout
		}
		return nil, &PullError{Code: CodePlayFailed, Event: "stream probe failed", Err: err}
	}
	if err := c.setStreams(cds); err != nil {
		c.dog.stop()
		closer.Close()
		return nil, err
	}
	c.dog.kick()
	return c, nil
}

func (c *avConn) setStreams(cds []av.CodecData) error {
	c.kinds = make([]media.StreamType, len(cds))
	c.rates = make([]int, len(cds))
	for i, cd := range cds {
		c.kinds[i] = -1
		switch cd.Type() {
		case av.H264:
			h, ok := cd.(h264parser.CodecData)
			if !ok {
				continue
			}
			c.sps, c.pps = h.SPS(), h.PPS()
			c.kinds[i] = media.Video
			c.streams = append(c.streams, media.StreamInfo{
				Type:   media.Video,
				Codec:  media.CodecH264,
				Width:  h.Width(),
				Height: h.Height(),
				Config: c.sps,
			})
		case av.AAC:
			a, ok := cd.(aacparser.CodecData)
			if !ok {
				continue
			}
			c.kinds[i] = media.Audio
			c.rates[i] = a.SampleRate()
			c.streams = append(c.streams, media.StreamInfo{
				Type:       media.Audio,
				Codec:      media.CodecAAC,
				SampleRate: a.SampleRate(),
				Channels:   a.ChannelLayout().Count(),
				Config:     a.MPEG4AudioConfigBytes(),
			})
		default:
			code := CodeUnsupportedAudio
			if cd.Type().IsVideo() {
				code = CodeUnsupportedVideo
			}
			c.log.Warn("unsupported stream ignored", "code", code, "codec", cd.Type().String())
		}
	}
	if len(c.streams) == 0 {
		return &PullError{Code: CodePlayFailed, Event: "no playable streams"}
	}
	return nil
}

func (c *avConn) Streams() []media.StreamInfo { return c.streams }

func (c *avConn) ReadUnit() (*media.Unit, error) {
	for {
		c.dog.kick()
		pkt, err := c.demux.ReadPacket()
		if err != nil {
			if c.dog.expired() {
				return nil, ErrReadTimeout
			}
			return nil, err
		}
		if u := c.unit(pkt); u != nil {
			return u, nil
		}
	}
}

func (c *avConn) unit(pkt av.Packet) *media.Unit {
	idx := int(pkt.Idx)
	if idx < 0 || idx >= len(c.kinds) {
		return nil
	}
	switch c.kinds[idx] {
	case media.Video:
		data, err := annexB(pkt.Data, pkt.IsKeyFrame, c.sps, c.pps)
		if err != nil {
			c.log.Debug("bad avcc packet", "error", err)
			return nil
		}
		return &media.Unit{
			Type:     media.Video,
			Data:     data,
			PTS:      pkt.Time + pkt.CompositionTime,
			DTS:      pkt.Time,
			Pos:      -1,
			Keyframe: pkt.IsKeyFrame,
		}
	case media.Audio:
		var dur time.Duration
		if r := c.rates[idx]; r > 0 {
			dur = time.Duration(codec.AACSamplesPerFrame) * time.Second / time.Duration(r)
		}
		return &media.Unit{
			Type:     media.Audio,
			Data:     pkt.Data,
			PTS:      pkt.Time,
			DTS:      pkt.Time,
			Duration: dur,
			Pos:      -1,
			Keyframe: true,
		}
	}
	return nil
}

func (c *avConn) Close() error {
	c.dog.stop()
	return c.closer.Close()
}

var startCode = []byte{0, 0, 0, 1}

// annexB rewrites a length-prefixed access unit with start codes. A
// keyframe gets the stream's SPS and PPS in front and in-band copies are
// dropped.
func annexB(avcc []byte, keyframe bool, sps, pps []byte) ([]byte, error) {
	nalus, err := codec.SplitAVCC(avcc)
	if err != nil && len(nalus) == 0 {
		return nil, err
	}
	out := make([]byte, 0, len(avcc)+len(sps)+len(pps)+8)
	if keyframe {
		for _, ps := range [][]byte{sps, pps} {
			if len(ps) > 0 {
				out = append(out, startCode...)
				out = append(out, ps...)
			}
		}
	}
	for _, n := range nalus {
		switch n.Type {
		case codec.NALAUD:
			continue
		case codec.NALSPS, codec.NALPPS:
			if keyframe && len(sps) > 0 {
				continue
			}
		}
		out = append(out, startCode...)
		out = append(out, n.Data...)
	}
	return out, nil
}
