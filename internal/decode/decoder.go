// Package decode runs the per-stream decode workers. A worker pops units
// from a packet queue, calls an opaque Decoder, and writes the resulting
// frames into a frame queue, applying serial discards, the early video
// frame drop, and accurate-seek discards on the way.
package decode

import (
	"fmt"

	"github.com/zsiec/cadence/internal/media"
)

// Status classifies the outcome of one Decode call.
type Status int

// Decode outcomes.
const (
	// Decoded means Frames holds at least one frame.
	Decoded Status = iota
	// NeedMoreInput means the decoder consumed the unit without output.
	NeedMoreInput
	// EndOfStream means a drain call has no more frames to give.
	EndOfStream
	// DecodeError means the unit was rejected; Err says why.
	DecodeError
)

func (s Status) String() string {
	switch s {
	case Decoded:
		return "decoded"
	case NeedMoreInput:
		return "need-more-input"
	case EndOfStream:
		return "end-of-stream"
	case DecodeError:
		return "decode-error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the explicit return of a decode call.
type Result struct {
	Status Status
	Frames []*media.Frame
	Err    error
}

// Frames wraps decoded output in a Result.
func Frames(fs ...*media.Frame) Result {
	if len(fs) == 0 {
		return Result{Status: NeedMoreInput}
	}
	return Result{Status: Decoded, Frames: fs}
}

// Failed wraps a decode error in a Result.
func Failed(err error) Result {
	return Result{Status: DecodeError, Err: err}
}

// Decoder turns encoded units into frames. Decode(nil) drains buffered
// output: it returns Decoded until empty, then EndOfStream. Flush drops
// any buffered state after a discontinuity.
type Decoder interface {
	Decode(u *media.Unit) Result
	Flush()
	Close() error
}

// Factory opens a decoder for a stream. Open errors are fatal for the
// session.
type Factory func(info media.StreamInfo) (Decoder, error)
