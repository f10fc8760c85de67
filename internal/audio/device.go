package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/cadence/internal/clock"
)

// TickerDevice is a headless output that pulls one chunk from a Manager
// every 10 ms. Pulled PCM is written little-endian to an optional sink,
// which lets the play command capture output to a file.
type TickerDevice struct {
	log *slog.Logger
	m   *Manager
	out io.Writer
	now clock.Source

	pulls int64
}

// NewTickerDevice creates a device for m. out may be nil.
func NewTickerDevice(m *Manager, out io.Writer, log *slog.Logger) *TickerDevice {
	if log == nil {
		log = slog.Default()
	}
	return &TickerDevice{
		log: log.With("component", "audio-device"),
		m:   m,
		out: out,
		now: clock.Now,
	}
}

// Run pulls until ctx is done. A write error to the sink stops the device.
func (d *TickerDevice) Run(ctx context.Context) error {
	f := d.m.Format()
	buf := make([]int16, f.ChunkSamples())
	raw := make([]byte, 2*len(buf))

	ticker := time.NewTicker(time.Duration(ChunkDuration * float64(time.Second)))
	defer ticker.Stop()
	d.log.Info("device started", "rate", f.SampleRate, "channels", f.Channels, "device", d.m.Device())

	for {
		select {
		case <-ctx.Done():
			d.log.Info("device stopped", "pulls", d.pulls)
			return nil
		case <-ticker.C:
		}
		d.m.Pull(buf, d.now())
		d.pulls++
		if d.out == nil {
			continue
		}
		for i, s := range buf {
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
		}
		if _, err := d.out.Write(raw); err != nil {
			return fmt.Errorf("audio: write output: %w", err)
		}
	}
}
