// Package demux turns a seekable MPEG-TS file into timestamped units for
// the ingest loop. It selects the first H.264 and AAC streams of the
// program, exposes captions carried in the video SEI as a subtitle stream,
// probes start time and duration, and seeks by bisecting on byte offset.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/cadence/internal/codec"
	"github.com/zsiec/cadence/internal/media"
	"github.com/zsiec/cadence/internal/mpegts"
	"github.com/zsiec/cadence/internal/source"
)

// ErrNoStreams is returned when the probe finds nothing playable.
var ErrNoStreams = errors.New("demux: no playable streams")

const (
	defaultProbeSize = 4 << 20
	durationTail     = 1 << 20
	// seekWindow is where bisection stops and a linear keyframe scan
	// takes over.
	seekWindow = 512 * mpegts.PacketSize * 4
)

// Options configure a TS demuxer.
type Options struct {
	// ProbeSize bounds how many bytes are read to discover streams.
	ProbeSize int64
	// NoCaptions hides the caption subtitle stream.
	NoCaptions bool
	Log        *slog.Logger
}

// TS demuxes a transport stream file.
type TS struct {
	log  *slog.Logger
	src  source.Source
	opts Options
	tsd  *mpegts.Demuxer

	streams  []media.StreamInfo
	videoPID uint16
	audioPID uint16
	captions bool
	frameDur time.Duration

	start    time.Duration
	duration time.Duration
	pending  []*media.Unit
}

// Open probes src and positions it at the start.
func Open(ctx context.Context, src source.Source, opts Options) (*TS, error) {
	if opts.ProbeSize <= 0 {
		opts.ProbeSize = defaultProbeSize
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	d := &TS{
		log:   log.With("component", "demux"),
		src:   src,
		opts:  opts,
		start: media.NoTimestamp,
	}
	if err := d.probe(ctx); err != nil {
		return nil, err
	}
	d.probeDuration(ctx)
	if err := d.reposition(0); err != nil {
		return nil, err
	}
	d.log.Info("opened transport stream",
		"streams", len(d.streams), "start", d.start, "duration", d.duration, "size", src.Size())
	return d, nil
}

func (d *TS) probe(ctx context.Context) error {
	tsd := mpegts.NewDemuxer(io.LimitReader(d.src, d.opts.ProbeSize))
	var video, audio *media.StreamInfo
	pmtSeen := false

	for {
		data, err := tsd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("demux: probe: %w", err)
		}

		if data.PMT != nil && !pmtSeen {
			pmtSeen = true
			for _, es := range data.PMT.Streams {
				switch es.Type {
				case mpegts.StreamTypeH264:
					if d.videoPID == 0 {
						d.videoPID = es.PID
					}
				case mpegts.StreamTypeAAC:
					if d.audioPID == 0 {
						d.audioPID = es.PID
					}
				default:
					d.log.Debug("ignoring elementary stream", "pid", es.PID, "type", es.Type)
				}
			}
			continue
		}
		if data.PES == nil || data.PES.PTS == nil {
			continue
		}

		switch data.PID {
		case d.videoPID:
			d.noteStart(data.PES.PTS.Duration())
			if video == nil || video.Config == nil {
				video = d.probeVideo(data.PES.Data, video)
			}
			if !d.captions && !d.opts.NoCaptions && hasCaptions(data.PES.Data) {
				d.captions = true
			}
		case d.audioPID:
			d.noteStart(data.PES.PTS.Duration())
			if audio == nil {
				if frames, _ := codec.ParseADTS(data.PES.Data); len(frames) > 0 {
					audio = &media.StreamInfo{
						Type:       media.Audio,
						Codec:      media.CodecAAC,
						SampleRate: frames[0].SampleRate,
						Channels:   frames[0].Channels,
					}
				}
			}
		}

		if (d.videoPID == 0 || (video != nil && video.Config != nil)) &&
			(d.audioPID == 0 || audio != nil) && pmtSeen {
			break
		}
	}

	if video != nil {
		d.streams = append(d.streams, *video)
		if d.captions {
			d.streams = append(d.streams, media.StreamInfo{Type: media.Subtitle, Codec: media.CodecCEA608})
		}
	} else {
		d.videoPID = 0
	}
	if audio != nil {
		d.streams = append(d.streams, *audio)
	} else {
		d.audioPID = 0
	}
	if len(d.streams) == 0 {
		return ErrNoStreams
	}
	return nil
}

func (d *TS) probeVideo(data []byte, prev *media.StreamInfo) *media.StreamInfo {
	info := prev
	if info == nil {
		info = &media.StreamInfo{Type: media.Video, Codec: media.CodecH264}
	}
	au := codec.InspectAccessUnit(codec.ParseAnnexB(data))
	if !au.HasSPS {
		return info
	}
	sps, err := codec.ParseSPS(au.SPS)
	if err != nil {
		d.log.Warn("unparseable SPS", "error", err)
		return info
	}
	info.Width, info.Height = sps.Width, sps.Height
	info.Config = append([]byte(nil), au.SPS...)
	if sps.FrameRate > 0 {
		d.frameDur = time.Duration(float64(time.Second) / sps.FrameRate)
	}
	return info
}

func hasCaptions(data []byte) bool {
	for _, sei := range codec.InspectAccessUnit(codec.ParseAnnexB(data)).SEI {
		if ccx.ExtractCaptions(sei) != nil {
			return true
		}
	}
	return false
}

func (d *TS) noteStart(pts time.Duration) {
	if d.start == media.NoTimestamp || pts < d.start {
		d.start = pts
	}
}

// probeDuration reads the tail of the file for the last timestamp.
func (d *TS) probeDuration(ctx context.Context) {
	size := d.src.Size()
	if size <= 0 || d.start == media.NoTimestamp {
		return
	}
	off := max(0, size-durationTail)
	off -= off % mpegts.PacketSize
	last := media.NoTimestamp
	d.scan(ctx, off, size-off, func(data *mpegts.Data) bool {
		if pts := data.PES.PTS; pts != nil && pts.Duration() > last {
			last = pts.Duration()
		}
		return true
	})
	if last != media.NoTimestamp && last > d.start {
		d.duration = last - d.start
	}
}

// scan reads up to limit bytes from off and calls fn for each selected
// PES with a timestamp until fn returns false.
func (d *TS) scan(ctx context.Context, off, limit int64, fn func(*mpegts.Data) bool) error {
	if _, err := d.src.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("demux: seek to %d: %w", off, err)
	}
	tsd := mpegts.NewDemuxer(io.LimitReader(d.src, limit), mpegts.WithOffset(off))
	for {
		data, err := tsd.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if data.PES == nil || data.PES.PTS == nil {
			continue
		}
		if data.PID != d.videoPID && data.PID != d.audioPID {
			continue
		}
		if !fn(data) {
			return nil
		}
	}
}

func (d *TS) reposition(off int64) error {
	if _, err := d.src.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("demux: seek to %d: %w", off, err)
	}
	if d.tsd == nil {
		d.tsd = mpegts.NewDemuxer(d.src, mpegts.WithOffset(off))
	} else {
		d.tsd.Reset(d.src, off)
	}
	d.pending = nil
	return nil
}

// Streams returns the selected streams: video, then captions, then audio.
func (d *TS) Streams() []media.StreamInfo { return d.streams }

// StartTime returns the first presentation timestamp.
func (d *TS) StartTime() time.Duration {
	if d.start == media.NoTimestamp {
		return 0
	}
	return d.start
}

// Duration returns the probed duration, or 0 when unknown.
func (d *TS) Duration() time.Duration { return d.duration }

// ReadUnit returns the next unit, or io.EOF at the end of the file.
func (d *TS) ReadUnit(ctx context.Context) (*media.Unit, error) {
	for len(d.pending) == 0 {
		data, err := d.tsd.Next(ctx)
		if err != nil {
			return nil, err
		}
		if data.PES == nil {
			continue
		}
		switch data.PID {
		case d.videoPID:
			d.pending = d.videoUnits(data)
		case d.audioPID:
			d.pending = d.audioUnits(data)
		}
	}
	u := d.pending[0]
	d.pending = d.pending[1:]
	return u, nil
}

func timestamp(ts *mpegts.Timestamp) time.Duration {
	if ts == nil {
		return media.NoTimestamp
	}
	return ts.Duration()
}

func (d *TS) videoUnits(data *mpegts.Data) []*media.Unit {
	pes := data.PES
	if len(pes.Data) == 0 {
		return nil
	}
	pts := timestamp(pes.PTS)
	dts := timestamp(pes.DTS)
	if dts == media.NoTimestamp {
		dts = pts
	}
	au := codec.InspectAccessUnit(codec.ParseAnnexB(pes.Data))
	out := []*media.Unit{{
		Type:     media.Video,
		Data:     pes.Data,
		PTS:      pts,
		DTS:      dts,
		Duration: d.frameDur,
		Pos:      data.Offset,
		Keyframe: au.Keyframe || data.RandomAccess,
	}}
	if d.captions {
		for _, sei := range au.SEI {
			out = append(out, &media.Unit{
				Type: media.Subtitle,
				Data: sei,
				PTS:  pts,
				DTS:  dts,
				Pos:  data.Offset,
			})
		}
	}
	return out
}

func (d *TS) audioUnits(data *mpegts.Data) []*media.Unit {
	pes := data.PES
	if len(pes.Data) == 0 {
		return nil
	}
	var dur time.Duration
	if frames, _ := codec.ParseADTS(pes.Data); len(frames) > 0 && frames[0].SampleRate > 0 {
		dur = time.Duration(len(frames)*codec.AACSamplesPerFrame) * time.Second / time.Duration(frames[0].SampleRate)
	}
	pts := timestamp(pes.PTS)
	return []*media.Unit{{
		Type:     media.Audio,
		Data:     pes.Data,
		PTS:      pts,
		DTS:      pts,
		Duration: dur,
		Pos:      data.Offset,
		Keyframe: true,
	}}
}

// Seek positions the demuxer on the last sync point at or before target.
// Sync points are video keyframes, or audio PES when there is no video.
// Without backward set, the first sync point after target is preferred
// when none precedes it.
func (d *TS) Seek(ctx context.Context, target time.Duration, backward bool) error {
	size := d.src.Size()
	if size <= 0 {
		return fmt.Errorf("demux: seek: unknown file size")
	}
	refPID := d.videoPID
	if refPID == 0 {
		refPID = d.audioPID
	}

	firstPTS := func(off int64) (time.Duration, bool) {
		pts, found := time.Duration(0), false
		d.scan(ctx, off, seekWindow, func(data *mpegts.Data) bool {
			if data.PID != refPID {
				return true
			}
			pts, found = data.PES.PTS.Duration(), true
			return false
		})
		return pts, found
	}

	lo, hi := int64(0), size/mpegts.PacketSize
	for (hi-lo)*mpegts.PacketSize > seekWindow {
		mid := lo + (hi-lo)/2
		pts, ok := firstPTS(mid * mpegts.PacketSize)
		if !ok || pts > target {
			hi = mid
		} else {
			lo = mid
		}
	}

	best, after := int64(-1), int64(-1)
	err := d.scan(ctx, lo*mpegts.PacketSize, size-lo*mpegts.PacketSize, func(data *mpegts.Data) bool {
		if data.PID != refPID {
			return true
		}
		sync := data.PID == d.audioPID || data.RandomAccess ||
			codec.InspectAccessUnit(codec.ParseAnnexB(data.PES.Data)).Keyframe
		if !sync {
			return true
		}
		if data.PES.PTS.Duration() <= target {
			best = data.Offset
			return true
		}
		after = data.Offset
		return false
	})
	if err != nil {
		return fmt.Errorf("demux: seek scan: %w", err)
	}

	pos := best
	switch {
	case pos < 0 && !backward && after >= 0:
		pos = after
	case pos < 0:
		pos = lo * mpegts.PacketSize
	}
	d.log.Debug("seek", "target", target, "offset", pos)
	return d.reposition(pos)
}

// Close closes the source.
func (d *TS) Close() error {
	return d.src.Close()
}
