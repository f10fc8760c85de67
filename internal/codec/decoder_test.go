package codec

import (
	"math"
	"testing"
	"time"

	"github.com/zsiec/cadence/internal/decode"
	"github.com/zsiec/cadence/internal/media"
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func videoUnit(pts time.Duration, nalus ...[]byte) *media.Unit {
	return &media.Unit{Type: media.Video, Data: annexB(nalus...), PTS: pts, DTS: media.NoTimestamp, Pos: -1}
}

var (
	idr    = []byte{0x65, 0x88, 0x84}
	pSlice = []byte{0x41, 0xC0}
	bSlice = []byte{0x41, 0xA0}
)

func TestH264DecoderWaitsForKeyframe(t *testing.T) {
	t.Parallel()
	d := NewH264Decoder(media.StreamInfo{Codec: media.CodecH264}, VideoOptions{})

	if r := d.Decode(videoUnit(0, pSlice)); r.Status != decode.NeedMoreInput {
		t.Fatalf("P slice before keyframe: status = %v, want need-more-input", r.Status)
	}
	r := d.Decode(videoUnit(time.Second, sps720p, idr))
	if r.Status != decode.Decoded || len(r.Frames) != 1 {
		t.Fatalf("keyframe: status = %v frames = %d", r.Status, len(r.Frames))
	}
	f := r.Frames[0]
	if f.Width != 1280 || f.Height != 720 || !f.Keyframe || f.PTS != 1 {
		t.Fatalf("frame = %dx%d key=%v pts=%v", f.Width, f.Height, f.Keyframe, f.PTS)
	}

	d.Flush()
	if r := d.Decode(videoUnit(2*time.Second, pSlice)); r.Status != decode.NeedMoreInput {
		t.Fatalf("P slice after flush: status = %v, want need-more-input", r.Status)
	}
	waiting, _ := d.Dropped()
	if waiting != 2 {
		t.Fatalf("dropped while waiting = %d, want 2", waiting)
	}
}

func TestH264DecoderReorders(t *testing.T) {
	t.Parallel()
	d := NewH264Decoder(media.StreamInfo{Codec: media.CodecH264}, VideoOptions{ReorderDepth: 2})

	ms := time.Millisecond
	for _, u := range []*media.Unit{
		videoUnit(0, sps720p, idr),
		videoUnit(80*ms, pSlice),
	} {
		if r := d.Decode(u); r.Status != decode.NeedMoreInput {
			t.Fatalf("status = %v while filling reorder window", r.Status)
		}
	}
	r := d.Decode(videoUnit(40*ms, bSlice))
	if r.Status != decode.Decoded || r.Frames[0].PTS != 0 {
		t.Fatalf("first output = %v %+v, want pts 0", r.Status, r.Frames)
	}

	r = d.Decode(nil)
	if r.Status != decode.Decoded || len(r.Frames) != 2 {
		t.Fatalf("drain = %v with %d frames, want 2", r.Status, len(r.Frames))
	}
	if math.Abs(r.Frames[0].PTS-0.04) > 1e-9 || math.Abs(r.Frames[1].PTS-0.08) > 1e-9 {
		t.Fatalf("drain order = %v, %v; want 0.04, 0.08", r.Frames[0].PTS, r.Frames[1].PTS)
	}
	if r := d.Decode(nil); r.Status != decode.EndOfStream {
		t.Fatalf("second drain = %v, want end-of-stream", r.Status)
	}
}

func TestH264DecoderDropsBFrames(t *testing.T) {
	t.Parallel()
	d := NewH264Decoder(media.StreamInfo{Codec: media.CodecH264, Config: sps720p}, VideoOptions{DropBFrames: true})

	if r := d.Decode(videoUnit(0, idr)); r.Status != decode.Decoded {
		t.Fatalf("IDR with SPS from config: status = %v, want decoded", r.Status)
	}
	if r := d.Decode(videoUnit(time.Millisecond, bSlice)); r.Status != decode.NeedMoreInput {
		t.Fatalf("B slice: status = %v, want need-more-input", r.Status)
	}
	if r := d.Decode(videoUnit(2*time.Millisecond, pSlice)); r.Status != decode.Decoded {
		t.Fatalf("P slice: status = %v, want decoded", r.Status)
	}
	if _, b := d.Dropped(); b != 1 {
		t.Fatalf("dropped B = %d, want 1", b)
	}
}

func TestAACDecoderTiming(t *testing.T) {
	t.Parallel()
	d, err := NewAACDecoder(media.StreamInfo{Codec: media.CodecAAC}, nil)
	if err != nil {
		t.Fatalf("NewAACDecoder: %v", err)
	}

	data := append(adtsFrame(3, 2, []byte{1, 2}), adtsFrame(3, 2, []byte{3, 4})...)
	r := d.Decode(&media.Unit{Type: media.Audio, Data: data, PTS: time.Second})
	if r.Status != decode.Decoded || len(r.Frames) != 2 {
		t.Fatalf("status = %v frames = %d", r.Status, len(r.Frames))
	}
	step := 1024.0 / 48000
	if r.Frames[0].PTS != 1 || math.Abs(r.Frames[1].PTS-(1+step)) > 1e-9 {
		t.Fatalf("pts = %v, %v", r.Frames[0].PTS, r.Frames[1].PTS)
	}
	if len(r.Frames[0].PCM) != 1024*2 || r.Frames[0].Samples != 1024 {
		t.Fatalf("pcm len = %d samples = %d", len(r.Frames[0].PCM), r.Frames[0].Samples)
	}

	r = d.Decode(&media.Unit{Type: media.Audio, Data: adtsFrame(3, 2, []byte{5}), PTS: media.NoTimestamp})
	if math.Abs(r.Frames[0].PTS-(1+2*step)) > 1e-9 {
		t.Fatalf("pts without timestamp = %v, want continuation", r.Frames[0].PTS)
	}
}

func TestAACDecoderRawNeedsConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewAACDecoder(media.StreamInfo{Config: []byte{0x12}}, nil); err == nil {
		t.Fatal("expected open error for bad config")
	}

	d, _ := NewAACDecoder(media.StreamInfo{}, nil)
	if r := d.Decode(&media.Unit{Data: []byte{0x21, 0x00}, PTS: 0}); r.Status != decode.DecodeError {
		t.Fatalf("raw frame without config: status = %v, want decode-error", r.Status)
	}

	d, _ = NewAACDecoder(media.StreamInfo{Config: []byte{0x12, 0x10}}, nil)
	r := d.Decode(&media.Unit{Data: []byte{0x21, 0x00}, PTS: 0})
	if r.Status != decode.Decoded || r.Frames[0].SampleRate != 44100 {
		t.Fatalf("raw frame: status = %v", r.Status)
	}
}

func TestOpenDispatch(t *testing.T) {
	t.Parallel()
	for _, c := range []media.Codec{media.CodecH264, media.CodecAAC, media.CodecCEA608} {
		if _, err := Open(media.StreamInfo{Codec: c}, Options{}); err != nil {
			t.Fatalf("Open(%s): %v", c, err)
		}
	}
	if _, err := Open(media.StreamInfo{Codec: "vp9"}, Options{}); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}
