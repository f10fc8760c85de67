package jitter

// Tempo rates.
const (
	NormalTempo  = 1.0
	CatchUpTempo = 1.2
)

// catchUpMargin is how far past the ready threshold, in ms, the cache must
// grow before playback speeds up.
const catchUpMargin = 2000

// Tempo picks the playback rate from the cache level. The zero value plays
// at normal speed.
type Tempo struct {
	rate float64
}

// Rate returns the current rate.
func (t *Tempo) Rate() float64 {
	if t.rate == 0 {
		return NormalTempo
	}
	return t.rate
}

// Update returns the rate for the given cache and ready threshold and
// reports whether it changed. Between the two thresholds the rate holds.
func (t *Tempo) Update(cacheMS, readyLen int) (float64, bool) {
	prev := t.Rate()
	next := prev
	switch {
	case cacheMS < readyLen:
		next = NormalTempo
	case cacheMS > readyLen+catchUpMargin:
		next = CatchUpTempo
	}
	t.rate = next
	return next, next != prev
}
