package avsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/frameq"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/packetq"
)

type rendererHarness struct {
	pq     *packetq.Queue
	frames *frameq.Queue
	clocks *clock.Set
	r      *AudioRenderer
}

func newRendererHarness(sync clock.SyncType) *rendererHarness {
	h := &rendererHarness{pq: packetq.New()}
	h.pq.Start()
	h.frames = frameq.New(h.pq, media.AudioFrameQueueSize, true)
	h.clocks = clock.NewSet(sync, h.pq, nil, func() float64 { return 100 })
	h.r = NewAudioRenderer(RendererConfig{
		Frames:  h.frames,
		Packets: h.pq,
		Clocks:  h.clocks,
		Format:  audio.DefaultFormat,
	})
	return h
}

// push queues 10 ms of 48 kHz stereo filled with v.
func (h *rendererHarness) push(t *testing.T, pts float64, v int16) {
	t.Helper()
	f := h.frames.PeekWritable(context.Background())
	require.NotNil(t, f)
	f.Type = media.Audio
	f.PTS = pts
	f.SampleRate = 48000
	f.Channels = 2
	f.Samples = 480
	f.Serial = h.pq.Serial()
	for range 960 {
		f.PCM = append(f.PCM, v)
	}
	h.frames.Push()
}

func TestRendererAnchorsAudioClock(t *testing.T) {
	t.Parallel()
	h := newRendererHarness(clock.AudioMaster)
	h.push(t, 1.0, 100)

	buf := make([]int16, 960)
	h.r.Pull(buf, 100)
	require.Equal(t, int16(100), buf[0])
	require.Equal(t, int16(100), buf[959])

	// 1.01 at the end of the frame, minus two device buffers of 10 ms.
	require.InDelta(t, 0.99, h.clocks.Audio.GetAt(100), 1e-9)
	require.InDelta(t, 0.99, h.clocks.External.GetAt(100), 1e-9)
}

func TestRendererSilenceWhenStarvedPausedOrMuted(t *testing.T) {
	t.Parallel()
	h := newRendererHarness(clock.AudioMaster)
	buf := make([]int16, 960)

	buf[0] = 7
	h.r.Pull(buf, 100)
	require.Zero(t, buf[0])
	require.Equal(t, int64(1), h.r.Underruns())

	h.push(t, 1.0, 100)
	h.clocks.SetPaused(true)
	h.r.Pull(buf, 100)
	require.Zero(t, buf[0])
	require.Equal(t, 1, h.frames.Remaining())

	h.clocks.SetPaused(false)
	h.r.SetMuted(true)
	h.r.Pull(buf, 100)
	require.Zero(t, buf[0])
	require.Zero(t, h.frames.Remaining())
}

func TestRendererSkipsStaleSerial(t *testing.T) {
	t.Parallel()
	h := newRendererHarness(clock.AudioMaster)
	h.push(t, 1.0, 1)
	require.NoError(t, h.pq.PutFlush())
	h.push(t, 5.0, 2)

	buf := make([]int16, 960)
	h.r.Pull(buf, 100)
	require.Equal(t, int16(2), buf[0])
	require.InDelta(t, 4.99, h.clocks.Audio.GetAt(100), 1e-9)
}

func TestRendererSplitsFrameAcrossPulls(t *testing.T) {
	t.Parallel()
	h := newRendererHarness(clock.AudioMaster)
	h.push(t, 2.0, 9)

	buf := make([]int16, 480)
	h.r.Pull(buf, 100)
	// Half the frame is still buffered: 2.01 - (3840 + 960) / 192000.
	require.InDelta(t, 2.01-0.025, h.clocks.Audio.GetAt(100), 1e-9)

	// A paused pull keeps the rest of the frame and the clock value.
	h.clocks.SetPaused(true)
	buf[0] = 7
	h.r.Pull(buf, 100.01)
	require.Zero(t, buf[0])
	h.clocks.SetPaused(false)
	require.InDelta(t, 2.01-0.025, h.clocks.Audio.GetAt(100.01), 1e-9)
}

func TestWantedSamplesCorrection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		sync  clock.SyncType
		drift float64
		want  int
	}{
		{"audio master unchanged", clock.AudioMaster, 0.5, 480},
		{"audio ahead stretches", clock.ExternalClock, 0.5, 528},
		{"audio behind squeezes", clock.ExternalClock, -0.5, 432},
		{"within threshold", clock.ExternalClock, 0.005, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newRendererHarness(tt.sync)
			h.clocks.External.SetAt(10, 0, 100)
			h.clocks.Audio.SetAt(10+tt.drift, h.pq.Serial(), 100)

			for i := range AudioDiffAvgCount {
				if got := h.r.wantedSamples(480, 48000, 100); got != 480 {
					t.Fatalf("warm-up %d: wanted = %d, want 480", i, got)
				}
			}
			if got := h.r.wantedSamples(480, 48000, 100); got != tt.want {
				t.Fatalf("wanted = %d, want %d", got, tt.want)
			}
		})
	}
}
