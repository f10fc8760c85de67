package codec

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
)

// AACDecoder is the reference audio decoder. It frames ADTS or raw AAC
// (with an AudioSpecificConfig) and emits one correctly timed PCM frame of
// silence per AAC frame. Spectral decoding is delegated to a real decoder
// plugged in through decode.Decoder; everything downstream (clocks,
// resampling, sync) only depends on the timing this decoder produces.
type AACDecoder struct {
	log     *slog.Logger
	cfg     AudioConfig
	haveCfg bool
	nextPTS float64
}

var _ decode.Decoder = (*AACDecoder)(nil)

// NewAACDecoder opens a decoder. A non-empty info.Config must be a valid
// AudioSpecificConfig.
func NewAACDecoder(info media.StreamInfo, log *slog.Logger) (*AACDecoder, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &AACDecoder{
		log:     log.With("component", "aac-decoder"),
		nextPTS: math.NaN(),
	}
	if len(info.Config) > 0 {
		cfg, err := ParseAudioSpecificConfig(info.Config)
		if err != nil {
			return nil, fmt.Errorf("aac: open: %w", err)
		}
		d.cfg, d.haveCfg = cfg, true
	} else if info.SampleRate > 0 && info.Channels > 0 {
		d.cfg = AudioConfig{ObjectType: 2, SampleRate: info.SampleRate, Channels: info.Channels}
		d.haveCfg = true
	}
	return d, nil
}

// Decode frames one unit. A unit that starts with an ADTS sync word may
// hold several AAC frames; anything else is a single raw frame.
func (d *AACDecoder) Decode(u *media.Unit) decode.Result {
	if u == nil {
		return decode.Result{Status: decode.EndOfStream}
	}

	type framed struct{ rate, ch int }
	var frames []framed
	if len(u.Data) >= 2 && u.Data[0] == 0xFF && u.Data[1]&0xF0 == 0xF0 {
		adts, err := ParseADTS(u.Data)
		if err != nil && len(adts) == 0 {
			return decode.Failed(err)
		}
		for _, a := range adts {
			ch := a.Channels
			if ch == 0 {
				ch = 2 // channel config 0 is defined in-band; assume stereo
			}
			frames = append(frames, framed{a.SampleRate, ch})
		}
	} else {
		if !d.haveCfg {
			return decode.Failed(ErrInvalidASC)
		}
		if len(u.Data) > 0 {
			frames = append(frames, framed{d.cfg.SampleRate, d.cfg.Channels})
		}
	}
	if len(frames) == 0 {
		return decode.Result{Status: decode.NeedMoreInput}
	}

	pts := media.Seconds(u.PTS)
	if math.IsNaN(pts) {
		pts = d.nextPTS
	}

	out := make([]*media.Frame, 0, len(frames))
	for _, fr := range frames {
		dur := float64(AACSamplesPerFrame) / float64(fr.rate)
		out = append(out, &media.Frame{
			Type:       media.Audio,
			PTS:        pts,
			Duration:   dur,
			Pos:        u.Pos,
			SampleRate: fr.rate,
			Channels:   fr.ch,
			Samples:    AACSamplesPerFrame,
			PCM:        make([]int16, AACSamplesPerFrame*fr.ch),
		})
		pts += dur
	}
	d.nextPTS = pts
	return decode.Frames(out...)
}

// Flush forgets the running timestamp.
func (d *AACDecoder) Flush() {
	d.nextPTS = math.NaN()
}

// Close releases nothing.
func (d *AACDecoder) Close() error { return nil }
