// Package media defines the unit and frame types that flow through the
// cadence playback engine, from demuxing through decode to presentation.
package media

import (
	"math"
	"time"
)

// Queue capacities. Frame queues are fixed rings sized to bound memory while
// leaving enough lookahead to estimate the duration between two frames.
const (
	VideoFrameQueueSize    = 3
	AudioFrameQueueSize    = 9
	SubtitleFrameQueueSize = 16
	MaxFrameQueueSize      = 16

	// MaxQueueBytes is the combined packet queue ceiling for the read loop.
	MaxQueueBytes = 10 * 1024 * 1024
	// MinFrames is the per-stream packet floor for "enough buffered".
	MinFrames = 25
	// PacketOverhead is added to every unit's payload length when
	// accounting queue size, so that empty units still count.
	PacketOverhead = 64
)

// NoTimestamp marks an absent PTS or DTS on a Unit.
const NoTimestamp = time.Duration(math.MinInt64)

// StreamType tags a unit or frame with its elementary stream kind.
type StreamType int

// Supported stream kinds.
const (
	Video StreamType = iota
	Audio
	Subtitle
)

func (t StreamType) String() string {
	switch t {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Subtitle:
		return "subtitle"
	}
	return "unknown"
}

// Codec identifies the bitstream format of a stream.
type Codec string

// Codecs understood by the reference decoders.
const (
	CodecH264    Codec = "h264"
	CodecAAC     Codec = "aac"
	CodecCEA608  Codec = "cea608"
	CodecUnknown Codec = ""
)

// StreamInfo describes one elementary stream exposed by a demuxer.
type StreamInfo struct {
	Type       StreamType
	Codec      Codec
	Width      int
	Height     int
	SampleRate int
	Channels   int
	// Config is codec-specific setup data (AudioSpecificConfig, avcC).
	Config []byte
	// Attached is set for cover-art style streams that carry a single picture.
	Attached bool
}

// Unit is one timestamped encoded access unit. Serial is stamped by the
// packet queue on Put; consumers discard units whose serial no longer
// matches the queue's.
type Unit struct {
	Type     StreamType
	Data     []byte
	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration
	Pos      int64
	Keyframe bool
	Serial   int

	// Flush marks a discontinuity. Putting one bumps the queue serial.
	Flush bool
	// EOF is the null unit that tells a decoder to drain.
	EOF bool
}

// HasPTS reports whether the unit carries a presentation timestamp.
func (u *Unit) HasPTS() bool { return u.PTS != NoTimestamp }

// Size is the accounting size of the unit in a packet queue.
func (u *Unit) Size() int { return len(u.Data) + PacketOverhead }

// Seconds converts a unit timestamp to float seconds, NaN when absent.
func Seconds(ts time.Duration) float64 {
	if ts == NoTimestamp {
		return math.NaN()
	}
	return ts.Seconds()
}

// Frame is a decoded audio, video, or subtitle payload ready for
// presentation. PTS and Duration are in seconds; PTS is NaN when unknown.
type Frame struct {
	Type     StreamType
	PTS      float64
	Duration float64
	Pos      int64
	Serial   int
	// Shown is set once the frame has been presented (keep-last).
	Shown bool

	// Video
	Width    int
	Height   int
	Keyframe bool
	Data     []byte

	// Audio: interleaved signed 16-bit PCM, Samples per channel.
	SampleRate int
	Channels   int
	Samples    int
	PCM        []int16

	// Subtitle display window, relative to PTS.
	Text  string
	Start float64
	End   float64
}

// Reset clears a frame slot for reuse while keeping its PCM capacity.
func (f *Frame) Reset() {
	pcm := f.PCM[:0]
	*f = Frame{PTS: math.NaN(), Pos: -1, PCM: pcm}
}
