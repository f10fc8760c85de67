package clock

import (
	"fmt"
	"math"
	"strings"
)

// SyncType selects which clock the other streams follow.
type SyncType int

// Sync modes.
const (
	AudioMaster SyncType = iota
	VideoMaster
	ExternalClock
)

func (s SyncType) String() string {
	switch s {
	case AudioMaster:
		return "audio"
	case VideoMaster:
		return "video"
	case ExternalClock:
		return "ext"
	}
	return "unknown"
}

// ParseSyncType parses "audio", "video", or "ext".
func ParseSyncType(s string) (SyncType, error) {
	switch strings.ToLower(s) {
	case "", "audio":
		return AudioMaster, nil
	case "video":
		return VideoMaster, nil
	case "ext", "external":
		return ExternalClock, nil
	}
	return AudioMaster, fmt.Errorf("clock: unknown sync type %q", s)
}

// External clock speed control for realtime sources.
const (
	ExternalSpeedMin  = 0.900
	ExternalSpeedMax  = 1.010
	ExternalSpeedStep = 0.001
	externalMinFrames = 2
	externalMaxFrames = 10
)

// Set holds the three playback clocks of a session.
type Set struct {
	Audio    *Clock
	Video    *Clock
	External *Clock

	sync SyncType
}

// NewSet creates the clocks. audioQ and videoQ are the serial sources of
// the respective packet queues; the external clock validates against its
// own serial.
func NewSet(sync SyncType, audioQ, videoQ SerialSource, now Source) *Set {
	return &Set{
		Audio:    New(audioQ, now),
		Video:    New(videoQ, now),
		External: New(nil, now),
		sync:     sync,
	}
}

// Configured returns the sync mode the set was created with.
func (s *Set) Configured() SyncType { return s.sync }

// Master resolves the effective master: video only when configured and a
// video stream exists, otherwise audio when present, otherwise external.
func (s *Set) Master(hasVideo, hasAudio bool) SyncType {
	switch s.sync {
	case VideoMaster:
		if hasVideo {
			return VideoMaster
		}
		return AudioMaster
	case AudioMaster:
		if hasAudio {
			return AudioMaster
		}
		return ExternalClock
	}
	return ExternalClock
}

// MasterClock returns the clock selected by Master.
func (s *Set) MasterClock(hasVideo, hasAudio bool) *Clock {
	switch s.Master(hasVideo, hasAudio) {
	case VideoMaster:
		return s.Video
	case AudioMaster:
		return s.Audio
	}
	return s.External
}

// MasterTime is the current time of the master clock, NaN when unknown.
func (s *Set) MasterTime(hasVideo, hasAudio bool) float64 {
	return s.MasterClock(hasVideo, hasAudio).Get()
}

// SetPaused freezes or unfreezes every clock.
func (s *Set) SetPaused(p bool) {
	s.Audio.SetPaused(p)
	s.Video.SetPaused(p)
	s.External.SetPaused(p)
}

// AdjustExternalSpeed nudges the external clock so that a realtime source
// neither drains nor floods the packet queues: slow down when a present
// stream has almost nothing queued, speed up when every present stream
// has a comfortable backlog, otherwise drift back toward 1.0.
func (s *Set) AdjustExternalSpeed(videoPackets, audioPackets int, hasVideo, hasAudio bool) {
	ext := s.External
	speed := ext.Speed()
	switch {
	case (hasVideo && videoPackets <= externalMinFrames) || (hasAudio && audioPackets <= externalMinFrames):
		ext.SetSpeed(math.Max(ExternalSpeedMin, speed-ExternalSpeedStep))
	case (!hasVideo || videoPackets > externalMaxFrames) && (!hasAudio || audioPackets > externalMaxFrames):
		ext.SetSpeed(math.Min(ExternalSpeedMax, speed+ExternalSpeedStep))
	case speed != 1:
		ext.SetSpeed(speed + ExternalSpeedStep*(1-speed)/math.Abs(1-speed))
	}
}
