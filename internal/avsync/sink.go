package avsync

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/cadence/internal/media"
)

// LogSink is a headless Sink. It counts presented video and logs
// keyframes and caption text at debug level.
type LogSink struct {
	log       *slog.Logger
	video     atomic.Int64
	subtitles atomic.Int64
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a headless sink. log may be nil.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With("component", "sink")}
}

func (s *LogSink) PresentVideo(f *media.Frame) {
	if s.video.Add(1) == 1 || f.Keyframe {
		s.log.Debug("video", "pts", f.PTS, "width", f.Width, "height", f.Height, "keyframe", f.Keyframe)
	}
}

func (s *LogSink) PresentSubtitle(f *media.Frame) {
	s.subtitles.Add(1)
	s.log.Debug("caption", "pts", f.PTS, "text", f.Text)
}

func (s *LogSink) ClearSubtitle() {}

// Presented returns how many video frames and subtitles were shown.
func (s *LogSink) Presented() (video, subtitles int64) {
	return s.video.Load(), s.subtitles.Load()
}
