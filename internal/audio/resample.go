package audio

import "math"

// Resampler converts interleaved PCM between rates and channel layouts by
// linear interpolation. It also stretches or squeezes a frame to a wanted
// sample count, which is how audio follows a non-audio master clock.
// A Resampler keeps an output buffer and is not safe for concurrent use.
type Resampler struct {
	out []int16
}

// Convert resamples samples frames of src (srcCh channels at srcRate) to
// dstRate and dstCh. wanted is the number of source frames the output
// should last; pass samples for no compensation. The returned slice is
// reused by the next call.
func (r *Resampler) Convert(src []int16, srcRate, srcCh, samples, wanted, dstRate, dstCh int) []int16 {
	if samples <= 0 || srcRate <= 0 || srcCh <= 0 || dstCh <= 0 {
		return r.out[:0]
	}
	if wanted <= 0 {
		wanted = samples
	}
	outFrames := int(math.Round(float64(wanted) * float64(dstRate) / float64(srcRate)))
	n := outFrames * dstCh
	if cap(r.out) < n {
		r.out = make([]int16, n)
	}
	out := r.out[:n]

	if outFrames == samples && srcCh == dstCh {
		copy(out, src[:n])
		return out
	}

	step := float64(samples) / float64(max(outFrames, 1))
	for i := range outFrames {
		pos := float64(i) * step
		i0 := int(pos)
		frac := pos - float64(i0)
		i1 := min(i0+1, samples-1)
		for c := range dstCh {
			a := mapChannel(src, i0, srcCh, dstCh, c)
			b := mapChannel(src, i1, srcCh, dstCh, c)
			out[i*dstCh+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// mapChannel returns output channel c of source frame i. Mono fans out,
// stereo or more folds to mono by averaging, and wider layouts keep their
// leading channels.
func mapChannel(src []int16, i, srcCh, dstCh, c int) float64 {
	base := i * srcCh
	switch {
	case srcCh == dstCh:
		return float64(src[base+c])
	case srcCh == 1:
		return float64(src[base])
	case dstCh == 1:
		sum := 0
		for k := range srcCh {
			sum += int(src[base+k])
		}
		return float64(sum) / float64(srcCh)
	}
	return float64(src[base+c%srcCh])
}

// Saturate clamps a mixed sample to the int16 range.
func Saturate(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
