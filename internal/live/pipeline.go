package live

import (
	"log/slog"
	"sync"

	"github.com/zsiec/cadence/internal/codec"
	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/jitter"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/stretch"
)

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Buffer   *jitter.Buffer
	Observer decode.Observer
	// OnFirstAudio fires for the first PCM cached after every connect.
	OnFirstAudio func()
	Log          *slog.Logger
}

// Pipeline decodes live units and caches the output in the jitter buffer.
// Video waits for a keyframe carrying an SPS and drops B slices; audio
// goes through the tempo stretcher and is cut into 10 ms chunks tagged
// with the packet pts. It implements Handler.
type Pipeline struct {
	cfg PipelineConfig
	log *slog.Logger

	mu         sync.Mutex
	video      *codec.H264Decoder
	audio      *codec.AACDecoder
	stretcher  *stretch.OLA
	chunker    *jitter.Chunker
	tempo      jitter.Tempo
	rate       int
	channels   int
	firstAudio bool
	scratch    []int16
}

var _ Handler = (*Pipeline)(nil)

// NewPipeline creates a pipeline feeding cfg.Buffer.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cfg: cfg, log: log.With("component", "live-pipeline")}
}

// Connected opens fresh decoders for a new connection.
func (p *Pipeline) Connected(streams []media.StreamInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video, p.audio = nil, nil
	for _, s := range streams {
		switch s.Type {
		case media.Video:
			if s.Codec != media.CodecH264 {
				return &PullError{Code: CodeUnsupportedVideo, Event: "unsupported video codec"}
			}
			p.video = codec.NewH264Decoder(s, codec.VideoOptions{DropBFrames: true, Log: p.log})
		case media.Audio:
			if s.Codec != media.CodecAAC {
				return &PullError{Code: CodeUnsupportedAudio, Event: "unsupported audio codec"}
			}
			d, err := codec.NewAACDecoder(s, p.log)
			if err != nil {
				return &PullError{Code: CodeUnsupportedAudio, Event: "aac decoder open failed", Err: err}
			}
			p.audio = d
		}
	}
	p.stretcher, p.chunker = nil, nil
	p.firstAudio = true
	return nil
}

// Unit decodes one unit.
func (p *Pipeline) Unit(u *media.Unit, recvMS uint64) {
	p.mu.Lock()
	first := false
	switch u.Type {
	case media.Video:
		p.decodeVideo(u)
	case media.Audio:
		first = p.decodeAudio(u, recvMS)
	}
	p.mu.Unlock()

	if first && p.cfg.OnFirstAudio != nil {
		p.cfg.OnFirstAudio()
	}
}

// Tempo returns the current playback rate.
func (p *Pipeline) Tempo() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tempo.Rate()
}

func (p *Pipeline) decodeVideo(u *media.Unit) {
	if p.video == nil {
		return
	}
	res := p.video.Decode(u)
	if res.Status == decode.DecodeError {
		p.log.Debug("video decode failed", "code", CodeVideoDecodeFailed, "error", res.Err)
		return
	}
	for _, f := range res.Frames {
		if p.cfg.Observer != nil {
			p.cfg.Observer.FrameDecoded(f)
		}
		p.cfg.Buffer.PushVideo(f)
	}
}

// decodeAudio reports whether it cached the first PCM since connecting.
func (p *Pipeline) decodeAudio(u *media.Unit, recvMS uint64) bool {
	if p.audio == nil {
		return false
	}
	res := p.audio.Decode(u)
	if res.Status == decode.DecodeError {
		p.log.Warn("audio decode failed", "code", CodeAudioDecodeFailed, "error", res.Err)
		return false
	}
	pushed := false
	for _, f := range res.Frames {
		if p.cfg.Observer != nil {
			p.cfg.Observer.FrameDecoded(f)
		}
		if p.pushPCM(f, recvMS) {
			pushed = true
		}
	}
	if pushed && p.firstAudio {
		p.firstAudio = false
		return true
	}
	return false
}

func (p *Pipeline) pushPCM(f *media.Frame, recvMS uint64) bool {
	if p.stretcher == nil || f.SampleRate != p.rate || f.Channels != p.channels {
		p.rate, p.channels = f.SampleRate, f.Channels
		p.stretcher = stretch.NewOLA(f.SampleRate, f.Channels)
		p.stretcher.SetTempo(p.tempo.Rate())
		p.chunker = jitter.NewChunker(f.SampleRate, f.Channels)
		p.log.Info("audio format", "sampleRate", f.SampleRate, "channels", f.Channels)
	}

	buf := p.cfg.Buffer
	if rate, changed := p.tempo.Update(buf.CacheMS(), buf.ReadyLen()); changed {
		p.stretcher.SetTempo(rate)
		p.log.Info("tempo changed", "tempo", rate, "cacheMs", buf.CacheMS(), "readyLenMs", buf.ReadyLen())
	}

	p.stretcher.Push(f.PCM)
	n := p.stretcher.Available()
	if cap(p.scratch) < n {
		p.scratch = make([]int16, n)
	}
	n = p.stretcher.Pull(p.scratch[:n])
	chunks := p.chunker.Push(p.scratch[:n], f.PTS, recvMS)
	for _, c := range chunks {
		buf.PushPCM(c)
	}
	return len(chunks) > 0
}
