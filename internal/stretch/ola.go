// Package stretch changes the tempo of PCM audio without changing its
// pitch. The live path uses it to drain an overgrown jitter buffer by
// playing slightly faster.
package stretch

import (
	"math"

	"github.com/zsiec/cadence/internal/audio"
)

// Stretcher is a streaming tempo changer for interleaved signed 16-bit
// PCM. Push input, then Pull whatever output is ready.
type Stretcher interface {
	SetTempo(tempo float64)
	Push(samples []int16)
	// Pull copies ready output into dst and returns the number of
	// interleaved samples written.
	Pull(dst []int16) int
}

// DefaultWindow is the analysis window length.
const DefaultWindow = 0.020

// OLA is an overlap-add stretcher: Hann-windowed frames are read from the
// input at a hop of tempo times the output hop and summed at a fixed 50%
// overlap. At tempo 1 it reconstructs the input exactly, delayed by half
// a window.
type OLA struct {
	channels int
	frameLen int
	hop      int
	window   []float64
	tempo    float64

	in    []int16
	inPos float64
	acc   []float64
	out   []int16
}

var _ Stretcher = (*OLA)(nil)

// NewOLA creates a stretcher for the given format at tempo 1.
func NewOLA(sampleRate, channels int) *OLA {
	frameLen := max(4, int(float64(sampleRate)*DefaultWindow)&^1)
	o := &OLA{
		channels: max(1, channels),
		frameLen: frameLen,
		hop:      frameLen / 2,
		window:   make([]float64, frameLen),
		tempo:    1,
	}
	for i := range o.window {
		o.window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(frameLen))
	}
	o.acc = make([]float64, frameLen*o.channels)
	return o
}

// SetTempo sets the playback rate; 1.2 plays 20% faster. Values are
// clamped to [0.5, 2].
func (o *OLA) SetTempo(tempo float64) {
	o.tempo = math.Max(0.5, math.Min(2, tempo))
}

// Tempo returns the current rate.
func (o *OLA) Tempo() float64 { return o.tempo }

// Push appends input and synthesizes as many output hops as it allows.
func (o *OLA) Push(samples []int16) {
	o.in = append(o.in, samples...)
	ch := o.channels
	for int(o.inPos)+o.frameLen <= len(o.in)/ch {
		start := int(o.inPos) * ch
		for i := range o.frameLen {
			w := o.window[i]
			for c := range ch {
				o.acc[i*ch+c] += float64(o.in[start+i*ch+c]) * w
			}
		}

		done := o.hop * ch
		for _, v := range o.acc[:done] {
			o.out = append(o.out, audio.Saturate(int32(math.Round(v))))
		}
		copy(o.acc, o.acc[done:])
		clear(o.acc[len(o.acc)-done:])

		o.inPos += float64(o.hop) * o.tempo
		if drop := int(o.inPos); drop > 0 {
			o.in = o.in[drop*ch:]
			o.inPos -= float64(drop)
		}
	}
	if len(o.in) == 0 {
		o.in = nil
	}
}

// Pull copies ready output into dst, whole frames only.
func (o *OLA) Pull(dst []int16) int {
	n := min(len(dst), len(o.out))
	n -= n % o.channels
	copy(dst, o.out[:n])
	o.out = o.out[n:]
	return n
}

// Available returns the number of interleaved samples ready to Pull.
func (o *OLA) Available() int { return len(o.out) }
