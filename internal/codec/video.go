package codec

import (
	"log/slog"
	"math"
	"slices"

	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
)

// VideoOptions configures an H264Decoder.
type VideoOptions struct {
	// AVCC selects 4-byte length-prefixed input (FLV/RTMP) over Annex B.
	AVCC bool
	// DropBFrames discards B slices, as the live path does to save work.
	DropBFrames bool
	// ReorderDepth is how many pictures are held to emit in PTS order.
	ReorderDepth int
	Log          *slog.Logger
}

// H264Decoder is the reference video decoder. It does bitstream-level
// work only: it tracks the SPS for picture size and frame rate, waits for
// a keyframe carrying parameters after every flush, and emits one frame per
// access unit in presentation order with the access unit as payload.
// Pixel reconstruction belongs to the render sink.
type H264Decoder struct {
	opts VideoOptions
	log  *slog.Logger

	sps         SPS
	haveSPS     bool
	needKey     bool
	pending     []*media.Frame
	frameDur    float64
	droppedB    int64
	droppedWait int64
}

var _ decode.Decoder = (*H264Decoder)(nil)

// NewH264Decoder creates a decoder primed from the stream info. A config
// that holds an SPS lets the decoder start without waiting for one in-band.
func NewH264Decoder(info media.StreamInfo, opts VideoOptions) *H264Decoder {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	d := &H264Decoder{
		opts:    opts,
		log:     log.With("component", "h264-decoder"),
		needKey: true,
	}
	if info.Width > 0 && info.Height > 0 {
		d.sps = SPS{Width: info.Width, Height: info.Height}
	}
	if len(info.Config) > 0 && info.Config[0]&0x1F == NALSPS {
		if sps, err := ParseSPS(info.Config); err == nil {
			d.sps = sps
			d.haveSPS = true
			if sps.FrameRate > 0 {
				d.frameDur = 1 / sps.FrameRate
			}
		}
	}
	return d
}

// Decode consumes one access unit.
func (d *H264Decoder) Decode(u *media.Unit) decode.Result {
	if u == nil {
		if len(d.pending) == 0 {
			return decode.Result{Status: decode.EndOfStream}
		}
		out := d.pending
		d.pending = nil
		return decode.Frames(out...)
	}

	var nalus []NALUnit
	if d.opts.AVCC {
		var err error
		if nalus, err = SplitAVCC(u.Data); err != nil && len(nalus) == 0 {
			return decode.Failed(err)
		}
	} else {
		nalus = ParseAnnexB(u.Data)
	}
	if len(nalus) == 0 {
		return decode.Result{Status: decode.NeedMoreInput}
	}

	au := InspectAccessUnit(nalus)
	if au.HasSPS {
		sps, err := ParseSPS(au.SPS)
		if err != nil {
			d.log.Debug("bad SPS", "error", err)
		} else {
			if !d.haveSPS || sps.Width != d.sps.Width || sps.Height != d.sps.Height {
				d.log.Info("video parameters", "width", sps.Width, "height", sps.Height, "codec", sps.CodecString())
			}
			d.sps = sps
			d.haveSPS = true
			if sps.FrameRate > 0 {
				d.frameDur = 1 / sps.FrameRate
			}
		}
	}

	if d.needKey {
		if !au.Keyframe || !d.haveSPS {
			d.droppedWait++
			return decode.Result{Status: decode.NeedMoreInput}
		}
		d.needKey = false
	}
	if d.opts.DropBFrames && au.SliceType == SliceB {
		d.droppedB++
		return decode.Result{Status: decode.NeedMoreInput}
	}

	pts := media.Seconds(u.PTS)
	if math.IsNaN(pts) {
		pts = media.Seconds(u.DTS)
	}
	dur := u.Duration.Seconds()
	if dur <= 0 {
		dur = d.frameDur
	}

	f := &media.Frame{
		Type:     media.Video,
		PTS:      pts,
		Duration: dur,
		Pos:      u.Pos,
		Width:    d.sps.Width,
		Height:   d.sps.Height,
		Keyframe: au.Keyframe,
		Data:     u.Data,
	}
	d.pending = append(d.pending, f)
	slices.SortStableFunc(d.pending, func(a, b *media.Frame) int {
		switch {
		case a.PTS < b.PTS:
			return -1
		case a.PTS > b.PTS:
			return 1
		}
		return 0
	})

	if len(d.pending) <= d.opts.ReorderDepth {
		return decode.Result{Status: decode.NeedMoreInput}
	}
	out := d.pending[0]
	d.pending = d.pending[1:]
	return decode.Frames(out)
}

// Flush drops buffered pictures and waits for the next keyframe.
func (d *H264Decoder) Flush() {
	d.pending = nil
	d.needKey = true
}

// Close releases nothing; it exists to satisfy decode.Decoder.
func (d *H264Decoder) Close() error { return nil }

// Dropped reports units skipped while waiting for a keyframe and B slices
// discarded by DropBFrames.
func (d *H264Decoder) Dropped() (waitingKey, bFrames int64) {
	return d.droppedWait, d.droppedB
}
