// Package live pulls realtime streams (RTMP, HTTP-FLV, SRT) and feeds
// their decoded output into the jitter buffer. A Puller owns the network
// side and reconnects on failure; a Pipeline decodes, tempo-stretches and
// chunks what the puller delivers.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/zsiec/cadence/internal/media"
)

// ErrUnsupportedScheme is returned for URLs no live source can pull.
var ErrUnsupportedScheme = errors.New("live: unsupported url scheme")

// Pull event codes.
const (
	CodeDialFailed        = 2002003
	CodeConnectFailed     = 2002004
	CodePlayFailed        = 2002005
	CodeReadFailed        = 2002006
	CodeUnsupportedVideo  = 2002007
	CodeVideoDecodeFailed = 2002009
	CodeAudioDecodeFailed = 2002013
	CodeUnsupportedAudio  = 2002014
)

// PullError describes one failed pull attempt.
type PullError struct {
	Code int
	// Event is a short human-readable description.
	Event string
	Err   error
}

func (e *PullError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("live: %s (%d)", e.Event, e.Code)
	}
	return fmt.Sprintf("live: %s (%d): %v", e.Event, e.Code, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

// Conn is one connected live source.
type Conn interface {
	// Streams returns the streams announced by the source.
	Streams() []media.StreamInfo
	// ReadUnit blocks for the next unit. Video units are Annex B access
	// units; audio units are raw AAC frames.
	ReadUnit() (*media.Unit, error)
	Close() error
}

// DialOptions tune a connection attempt.
type DialOptions struct {
	// Timeout bounds the connect and stream probing.
	Timeout time.Duration
	// SRTLatency is the receiver latency for srt:// sources.
	SRTLatency time.Duration
	Log        *slog.Logger
}

// Dialer opens a live source.
type Dialer func(ctx context.Context, rawURL string, opts DialOptions) (Conn, error)

// IsLive reports whether rawURL names a live source rather than a file.
func IsLive(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "rtmp", "srt":
		return true
	case "http", "https":
		return strings.HasSuffix(strings.ToLower(u.Path), ".flv")
	}
	return false
}

// Dial opens rawURL with the source matching its scheme: rtmp:// over
// RTMP, http(s)://....flv as HTTP-FLV, and srt:// as MPEG-TS over SRT.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("live: parse url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReadTimeout
	}
	switch strings.ToLower(u.Scheme) {
	case "rtmp":
		return dialRTMP(ctx, rawURL, opts)
	case "http", "https":
		return dialFLV(ctx, rawURL, opts)
	case "srt":
		return dialSRT(ctx, u, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}
