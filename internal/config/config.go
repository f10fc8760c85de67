// Package config loads the cadence YAML configuration and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/certs"
	"github.com/zsiec/cadence/internal/clock"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/player"
	"github.com/zsiec/cadence/internal/seek"
)

// Config is the full process configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
	Playback PlaybackConfig `yaml:"playback"`
	Live     LiveConfig     `yaml:"live"`
	Audio    AudioConfig    `yaml:"audio"`
}

// APIConfig configures the control API listeners. The HTTPS and HTTP/3
// servers share Addr, one on TCP and one on UDP.
type APIConfig struct {
	Addr         string        `yaml:"addr"`
	CertValidity time.Duration `yaml:"certValidity"`
	// Hosts are extra certificate names besides localhost.
	Hosts []string `yaml:"hosts"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables a rotating log file instead of stderr.
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"maxSizeMB"`
}

// PlaybackConfig holds the file playback defaults.
type PlaybackConfig struct {
	Sync            string        `yaml:"sync"`
	Framedrop       string        `yaml:"framedrop"`
	Loop            bool          `yaml:"loop"`
	LoopCount       int           `yaml:"loopCount"`
	NoSyncThreshold float64       `yaml:"noSyncThreshold"`
	SyncMin         time.Duration `yaml:"syncMin"`
	SyncMax         time.Duration `yaml:"syncMax"`
	MinFrames       int           `yaml:"minFrames"`
	Preroll         time.Duration `yaml:"preroll"`
	NoCaptions      bool          `yaml:"noCaptions"`
}

// LiveConfig holds the live playback defaults. Zero values leave the
// package defaults in place.
type LiveConfig struct {
	ReadyLen      int           `yaml:"readyLen"`
	MaxReadyLen   int           `yaml:"maxReadyLen"`
	ReadyStep     int           `yaml:"readyStep"`
	StallSkip     int           `yaml:"stallSkip"`
	StallSleep    time.Duration `yaml:"stallSleep"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	ErrorEvery    int           `yaml:"errorEvery"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	SRTLatency    time.Duration `yaml:"srtLatency"`
}

// AudioConfig describes the shared output device.
type AudioConfig struct {
	SampleRate int    `yaml:"sampleRate"`
	Channels   int    `yaml:"channels"`
	Volume     int    `yaml:"volume"`
	Device     string `yaml:"device"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		API: APIConfig{
			Addr:         ":4444",
			CertValidity: certs.MaxValidity,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 100,
		},
		Playback: PlaybackConfig{
			Sync:            "audio",
			Framedrop:       "auto",
			NoSyncThreshold: decode.DefaultNoSyncThreshold,
			SyncMin:         40 * time.Millisecond,
			SyncMax:         100 * time.Millisecond,
			MinFrames:       media.MinFrames,
			Preroll:         seek.DefaultPreroll,
		},
		Audio: AudioConfig{
			SampleRate: audio.DefaultFormat.SampleRate,
			Channels:   audio.DefaultFormat.Channels,
			Volume:     audio.MaxVolume,
			Device:     "default",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.Addr = envOr("CADENCE_API_ADDR", c.API.Addr)
	c.Playback.Sync = envOr("CADENCE_SYNC", c.Playback.Sync)
	c.Playback.Framedrop = envOr("CADENCE_FRAMEDROP", c.Playback.Framedrop)
	if os.Getenv("DEBUG") != "" {
		c.Log.Level = "debug"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required"))
	}
	if c.API.CertValidity < 0 || c.API.CertValidity > certs.MaxValidity {
		errs = append(errs, fmt.Errorf("api.certValidity %v outside (0, %v]", c.API.CertValidity, certs.MaxValidity))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.MaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("log.maxSizeMB %d is negative", c.Log.MaxSizeMB))
	}
	if _, err := clock.ParseSyncType(c.Playback.Sync); err != nil {
		errs = append(errs, fmt.Errorf("playback.sync: %w", err))
	}
	if _, err := ParseFramedrop(c.Playback.Framedrop); err != nil {
		errs = append(errs, fmt.Errorf("playback.framedrop: %w", err))
	}
	if c.Playback.LoopCount < 0 || c.Playback.MinFrames < 0 || c.Playback.NoSyncThreshold < 0 {
		errs = append(errs, errors.New("playback: loopCount, minFrames and noSyncThreshold must not be negative"))
	}
	if c.Playback.SyncMin < 0 || c.Playback.SyncMax < c.Playback.SyncMin {
		errs = append(errs, fmt.Errorf("playback: syncMin %v and syncMax %v out of order", c.Playback.SyncMin, c.Playback.SyncMax))
	}
	if c.Live.StallSleep < 0 || c.Live.RetryInterval < 0 || c.Live.ReadTimeout < 0 || c.Live.SRTLatency < 0 {
		errs = append(errs, errors.New("live: durations must not be negative"))
	}
	if c.Live.MaxReadyLen > 0 && c.Live.ReadyLen > c.Live.MaxReadyLen {
		errs = append(errs, fmt.Errorf("live.readyLen %d exceeds maxReadyLen %d", c.Live.ReadyLen, c.Live.MaxReadyLen))
	}
	if err := c.AudioFormat().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > audio.MaxVolume {
		errs = append(errs, fmt.Errorf("audio.volume %d outside [0, %d]", c.Audio.Volume, audio.MaxVolume))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// ParseFramedrop parses "auto", "on" or "off".
func ParseFramedrop(s string) (int, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return decode.FramedropAuto, nil
	case "on", "true":
		return decode.FramedropOn, nil
	case "off", "false":
		return decode.FramedropOff, nil
	}
	return decode.FramedropAuto, fmt.Errorf("unknown framedrop mode %q", s)
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// LogLevel returns the configured level. Invalid names yield info.
func (c Config) LogLevel() slog.Level {
	l, _ := ParseLevel(c.Log.Level)
	return l
}

// AudioFormat returns the device format.
func (c Config) AudioFormat() audio.Format {
	return audio.Format{SampleRate: c.Audio.SampleRate, Channels: c.Audio.Channels}
}

// PlayerOptions converts the playback section. The config must be valid.
func (c Config) PlayerOptions() player.Options {
	sync, _ := clock.ParseSyncType(c.Playback.Sync)
	fd, _ := ParseFramedrop(c.Playback.Framedrop)
	return player.Options{
		Sync:            sync,
		Framedrop:       fd,
		Loop:            c.Playback.Loop,
		LoopCount:       c.Playback.LoopCount,
		NoSyncThreshold: c.Playback.NoSyncThreshold,
		SyncMin:         c.Playback.SyncMin,
		SyncMax:         c.Playback.SyncMax,
		MinFrames:       c.Playback.MinFrames,
		Preroll:         c.Playback.Preroll,
		NoCaptions:      c.Playback.NoCaptions,
	}
}

// LiveOptions converts the live section.
func (c Config) LiveOptions() player.LiveOptions {
	return player.LiveOptions{
		ReadyLen:      c.Live.ReadyLen,
		MaxReadyLen:   c.Live.MaxReadyLen,
		ReadyStep:     c.Live.ReadyStep,
		StallSkip:     c.Live.StallSkip,
		StallSleep:    c.Live.StallSleep,
		RetryInterval: c.Live.RetryInterval,
		ErrorEvery:    c.Live.ErrorEvery,
		ReadTimeout:   c.Live.ReadTimeout,
		SRTLatency:    c.Live.SRTLatency,
	}
}
