package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// tsChunk is seven TS packets, the usual SRT payload.
const tsChunk = 188 * 7

// FileServer loops an MPEG-TS file to every SRT caller at the file's
// real-time byte rate. It stands in for an encoder when exercising
// srt:// playback locally.
type FileServer struct {
	log     *slog.Logger
	addr    string
	data    []byte
	rate    float64
	latency time.Duration
}

// NewFileServer serves data, which plays for duration, on addr. If log is
// nil, slog.Default() is used.
func NewFileServer(addr string, data []byte, duration, latency time.Duration, log *slog.Logger) (*FileServer, error) {
	if len(data) < tsChunk {
		return nil, errors.New("live: file too short to serve")
	}
	if duration <= 0 {
		return nil, errors.New("live: file duration unknown")
	}
	if latency <= 0 {
		latency = DefaultSRTLatency
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileServer{
		log:     log.With("component", "srt-file-server"),
		addr:    addr,
		data:    data,
		rate:    float64(len(data)) / duration.Seconds(),
		latency: latency,
	}, nil
}

// Start accepts callers until ctx is cancelled.
func (s *FileServer) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = s.latency

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("live: srt listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "bytesPerSec", int64(s.rate))

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.log.Info("caller connected", "stream_id", conn.StreamID(), "remote", conn.RemoteAddr())
		go s.handle(ctx, conn)
	}
}

func (s *FileServer) handle(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()
	start := time.Now()
	sent, err := pace(ctx, conn, s.data, s.rate, time.Now, sleepCtx)
	if err != nil && ctx.Err() == nil {
		s.log.Debug("write error", "error", err)
	}
	s.log.Info("caller disconnected", "remote", conn.RemoteAddr(),
		"bytes", sent, "uptime", time.Since(start).Truncate(time.Millisecond))
}

// pace writes data to w in a loop, sleeping so the byte count tracks rate
// against one start time. Pacing off the total keeps the seam between
// loops free of bursts.
func pace(ctx context.Context, w io.Writer, data []byte, rate float64,
	now func() time.Time, sleep func(context.Context, time.Duration) error) (int64, error) {
	begin := now()
	var sent int64
	for {
		for i := 0; i < len(data); i += tsChunk {
			end := min(i+tsChunk, len(data))
			if _, err := w.Write(data[i:end]); err != nil {
				return sent, err
			}
			sent += int64(end - i)

			due := time.Duration(float64(sent) / rate * float64(time.Second))
			if ahead := due - now().Sub(begin); ahead > 0 {
				if err := sleep(ctx, ahead); err != nil {
					return sent, err
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
