// Package playertest provides a synthetic demuxer and decoder for driving
// players in tests without real media.
package playertest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
)

// Unit spacing of the synthetic clip.
const (
	VideoStep = 40 * time.Millisecond
	AudioStep = 20 * time.Millisecond
)

// Demuxer serves an interleaved synthetic clip: 25 fps 640x360 video with
// a keyframe every second, and 20 ms AAC-sized audio units.
type Demuxer struct {
	mu       sync.Mutex
	units    []media.Unit
	idx      int
	duration time.Duration
	closed   bool

	noVideo  bool
	captions []media.Unit
}

// Option shapes the synthetic clip.
type Option func(*Demuxer)

// AudioOnly drops the video stream.
func AudioOnly() Option {
	return func(f *Demuxer) { f.noVideo = true }
}

// WithCaption adds a CEA-608 stream carrying one caption at pts that stays
// on screen for hold.
func WithCaption(pts, hold time.Duration, text string) Option {
	return func(f *Demuxer) {
		f.captions = append(f.captions, media.Unit{Type: media.Subtitle, Data: []byte(text),
			PTS: pts, DTS: pts, Duration: hold, Pos: -1, Keyframe: true})
	}
}

// NewDemuxer builds a clip of length d.
func NewDemuxer(d time.Duration, opts ...Option) *Demuxer {
	f := &Demuxer{duration: d}
	for _, o := range opts {
		o(f)
	}
	var v, a time.Duration
	if f.noVideo {
		v = d
	}
	captions := f.captions
	for v < d || a < d {
		next := min(a, v)
		if len(captions) > 0 && captions[0].PTS <= next {
			f.units = append(f.units, captions[0])
			captions = captions[1:]
			continue
		}
		if a <= v && a < d {
			f.units = append(f.units, media.Unit{Type: media.Audio, Data: make([]byte, 200),
				PTS: a, DTS: a, Duration: AudioStep, Pos: -1, Keyframe: true})
			a += AudioStep
			continue
		}
		f.units = append(f.units, media.Unit{Type: media.Video, Data: make([]byte, 2000),
			PTS: v, DTS: v, Duration: VideoStep, Pos: -1, Keyframe: v%time.Second == 0})
		v += VideoStep
	}
	f.units = append(f.units, captions...)
	return f
}

func (f *Demuxer) Streams() []media.StreamInfo {
	var out []media.StreamInfo
	if !f.noVideo {
		out = append(out, media.StreamInfo{Type: media.Video, Codec: media.CodecH264, Width: 640, Height: 360})
	}
	out = append(out, media.StreamInfo{Type: media.Audio, Codec: media.CodecAAC, SampleRate: 48000, Channels: 2})
	if len(f.captions) > 0 {
		out = append(out, media.StreamInfo{Type: media.Subtitle, Codec: media.CodecCEA608})
	}
	return out
}

func (f *Demuxer) ReadUnit(ctx context.Context) (*media.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.units) {
		return nil, io.EOF
	}
	u := f.units[f.idx]
	f.idx++
	return &u, nil
}

// Seek moves to the first unit at or after target.
func (f *Demuxer) Seek(ctx context.Context, target time.Duration, backward bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idx = len(f.units)
	for i, u := range f.units {
		if u.PTS >= target {
			f.idx = i
			break
		}
	}
	return nil
}

func (f *Demuxer) Duration() time.Duration  { return f.duration }
func (f *Demuxer) StartTime() time.Duration { return 0 }

func (f *Demuxer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (f *Demuxer) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Decoder turns every unit into one frame.
type Decoder struct {
	mu     sync.Mutex
	closed bool
}

func (d *Decoder) Decode(u *media.Unit) decode.Result {
	if u == nil {
		return decode.Result{Status: decode.EndOfStream}
	}
	f := &media.Frame{PTS: media.Seconds(u.PTS), Pos: -1}
	switch u.Type {
	case media.Video:
		f.Duration = VideoStep.Seconds()
		f.Width, f.Height = 640, 360
		f.Keyframe = u.Keyframe
	case media.Audio:
		f.SampleRate, f.Channels, f.Samples = 48000, 2, 960
		f.Duration = AudioStep.Seconds()
		f.PCM = make([]int16, 1920)
	case media.Subtitle:
		f.Type = media.Subtitle
		f.Text = string(u.Data)
		f.Duration = u.Duration.Seconds()
		f.End = f.Duration
	}
	return decode.Frames(f)
}

func (d *Decoder) Flush() {}

func (d *Decoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (d *Decoder) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Decoders records every decoder it opens.
type Decoders struct {
	mu     sync.Mutex
	opened []*Decoder
}

// Open is a decode.Factory.
func (ds *Decoders) Open(media.StreamInfo) (decode.Decoder, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	d := &Decoder{}
	ds.opened = append(ds.opened, d)
	return d, nil
}

// Opened returns the decoders opened so far.
func (ds *Decoders) Opened() []*Decoder {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return append([]*Decoder(nil), ds.opened...)
}
