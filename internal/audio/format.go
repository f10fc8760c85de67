// Package audio owns the output side of playback: the device format, PCM
// resampling and channel mapping, and the Manager that mixes every
// registered track into the device's 10 ms pulls.
package audio

import "fmt"

// ChunkDuration is the device pull period in seconds.
const ChunkDuration = 0.010

// MaxVolume is full scale for Manager.SetVolume.
const MaxVolume = 255

// Format is the device output format. PCM is always signed 16-bit
// interleaved.
type Format struct {
	SampleRate int
	Channels   int
	// HWBufferBytes is the device-side buffer size. Zero means one chunk.
	HWBufferBytes int
}

// DefaultFormat is 48 kHz stereo.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2}

// Validate rejects formats the mixer cannot produce.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("audio: sample rate %d out of range", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("audio: %d channels out of range", f.Channels)
	}
	return nil
}

// BytesPerSec is the byte rate of the format.
func (f Format) BytesPerSec() int { return f.SampleRate * f.Channels * 2 }

// ChunkSamples is the number of interleaved samples in one 10 ms pull.
func (f Format) ChunkSamples() int { return f.SampleRate / 100 * f.Channels }

// HWBuffer returns the device buffer in bytes.
func (f Format) HWBuffer() int {
	if f.HWBufferBytes > 0 {
		return f.HWBufferBytes
	}
	return f.ChunkSamples() * 2
}
