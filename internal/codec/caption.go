package codec

import (
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
)

// DefaultCaptionHold is how long a caption stays up when nothing replaces it.
const DefaultCaptionHold = 4.0

// CaptionDecoder is the subtitle decoder. Its units are H.264 SEI NAL units
// split off the video stream by the demuxer; it decodes the CEA-608 pairs
// and CEA-708 DTVCC packets they carry and emits a subtitle frame whenever
// the selected channel's display text changes. Channels 1-4 are CC1-CC4,
// 7-12 are 708 services 1-6.
type CaptionDecoder struct {
	log     *slog.Logger
	channel int
	hold    float64

	dec608 map[int]*ccx.CEA608Decoder
	svc708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	units       int64
	lastCtrl    [2][2]byte
	lastWasCtrl [2]bool
	lastCtrlAt  [2]int64
	lastText    string
}

var _ decode.Decoder = (*CaptionDecoder)(nil)

// NewCaptionDecoder decodes the given caption channel. hold <= 0 uses
// DefaultCaptionHold.
func NewCaptionDecoder(channel int, hold float64, log *slog.Logger) *CaptionDecoder {
	if log == nil {
		log = slog.Default()
	}
	if channel == 0 {
		channel = 1
	}
	if hold <= 0 {
		hold = DefaultCaptionHold
	}
	d := &CaptionDecoder{
		log:     log.With("component", "caption-decoder"),
		channel: channel,
		hold:    hold,
	}
	d.reset()
	return d
}

func (d *CaptionDecoder) reset() {
	d.dec608 = make(map[int]*ccx.CEA608Decoder, 4)
	for ch := 1; ch <= 4; ch++ {
		d.dec608[ch] = ccx.NewCEA608Decoder()
	}
	d.svc708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		d.svc708[svc] = ccx.NewCEA708Service()
	}
	d.dtvcc = d.dtvcc[:0]
	d.lastWasCtrl = [2]bool{}
	d.lastText = ""
}

// Decode feeds one SEI NAL unit.
func (d *CaptionDecoder) Decode(u *media.Unit) decode.Result {
	if u == nil {
		return decode.Result{Status: decode.EndOfStream}
	}
	d.units++
	cd := ccx.ExtractCaptions(u.Data)
	if cd == nil {
		return decode.Result{Status: decode.NeedMoreInput}
	}

	pts := media.Seconds(u.PTS)
	var texts []string

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		// Control codes are transmitted twice; drop the redundant copy.
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastWasCtrl[f] && d.lastCtrl[f] == cp && d.units-d.lastCtrlAt[f] <= 2 {
				d.lastWasCtrl[f] = false
				continue
			}
			d.lastCtrl[f] = cp
			d.lastWasCtrl[f] = true
			d.lastCtrlAt[f] = d.units
		} else {
			d.lastWasCtrl[f] = false
		}

		dec := d.dec608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" && pair.Channel == d.channel {
			texts = append(texts, text)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			texts = append(texts, d.drainDTVCC()...)
			d.dtvcc = d.dtvcc[:0]
		}
		d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
	}

	var out []*media.Frame
	for _, text := range texts {
		if text == d.lastText {
			continue
		}
		d.lastText = text
		out = append(out, &media.Frame{
			Type:     media.Subtitle,
			PTS:      pts,
			Duration: d.hold,
			Pos:      u.Pos,
			Text:     text,
			Start:    0,
			End:      d.hold,
		})
	}
	return decode.Frames(out...)
}

func (d *CaptionDecoder) drainDTVCC() []string {
	if len(d.dtvcc) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return nil
	}
	var texts []string
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.svc708[block.ServiceNum]
		if svc == nil || block.ServiceNum+6 != d.channel {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

// Flush resets caption state after a discontinuity.
func (d *CaptionDecoder) Flush() { d.reset() }

// Close releases nothing.
func (d *CaptionDecoder) Close() error { return nil }

