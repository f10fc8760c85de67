// Package codec holds the bitstream helpers (H.264 Annex B / AVCC, SPS,
// ADTS, AudioSpecificConfig) and the reference decoders that plug into the
// decode workers: H.264 access units, AAC framing, and CEA-608/708
// captions.
package codec

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
)

// Options selects per-source decoder behavior.
type Options struct {
	Video          VideoOptions
	CaptionChannel int
	CaptionHold    float64
	Log            *slog.Logger
}

// Factory returns a decode.Factory bound to opts.
func Factory(opts Options) decode.Factory {
	return func(info media.StreamInfo) (decode.Decoder, error) {
		return Open(info, opts)
	}
}

// Open creates the reference decoder for a stream.
func Open(info media.StreamInfo, opts Options) (decode.Decoder, error) {
	switch info.Codec {
	case media.CodecH264:
		vo := opts.Video
		if vo.Log == nil {
			vo.Log = opts.Log
		}
		return NewH264Decoder(info, vo), nil
	case media.CodecAAC:
		return NewAACDecoder(info, opts.Log)
	case media.CodecCEA608:
		return NewCaptionDecoder(opts.CaptionChannel, opts.CaptionHold, opts.Log), nil
	}
	return nil, fmt.Errorf("codec: no decoder for %s stream codec %q", info.Type, info.Codec)
}
