package jitter

// Chunker cuts a PCM stream into 10 ms chunks. Each chunk carries the pts
// of the packet whose data completed it.
type Chunker struct {
	rate     int
	channels int
	pending  []int16
}

// NewChunker creates a chunker for interleaved PCM at rate and channels.
func NewChunker(rate, channels int) *Chunker {
	return &Chunker{rate: rate, channels: max(1, channels)}
}

// ChunkSamples returns the interleaved sample count of one chunk.
func (c *Chunker) ChunkSamples() int {
	return c.rate * ChunkMS / 1000 * c.channels
}

// Pending returns the interleaved samples held back for the next chunk.
func (c *Chunker) Pending() int { return len(c.pending) }

// Push appends pcm and returns every complete chunk, tagged with pts and
// syncTS.
func (c *Chunker) Push(pcm []int16, pts float64, syncTS uint64) []Chunk {
	c.pending = append(c.pending, pcm...)
	n := c.ChunkSamples()
	if n <= 0 {
		return nil
	}
	var out []Chunk
	for len(c.pending) >= n {
		buf := make([]int16, n)
		copy(buf, c.pending[:n])
		out = append(out, Chunk{
			PCM:        buf,
			SampleRate: c.rate,
			Channels:   c.channels,
			PTS:        pts,
			SyncTS:     syncTS,
		})
		c.pending = c.pending[n:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return out
}

// Reset drops pending samples.
func (c *Chunker) Reset() { c.pending = nil }
