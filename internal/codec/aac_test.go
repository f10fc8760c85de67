package codec

import (
	"testing"
)

// adtsFrame builds an ADTS frame without CRC for AAC-LC.
func adtsFrame(srIdx, channels byte, payload []byte) []byte {
	size := 7 + len(payload)
	h := []byte{
		0xFF,
		0xF1,
		1<<6 | srIdx<<2 | (channels>>2)&0x01,
		(channels&0x03)<<6 | byte(size>>11)&0x03,
		byte(size >> 3),
		byte(size&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

func TestParseADTS(t *testing.T) {
	t.Parallel()
	data := append(adtsFrame(3, 2, []byte{0xDE, 0xAD, 0xBE, 0xEF}), adtsFrame(3, 2, []byte{0xCA, 0xFE})...)

	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].SampleRate != 48000 || frames[0].Channels != 2 {
		t.Fatalf("frame 0 = %d Hz %d ch, want 48000 Hz 2 ch", frames[0].SampleRate, frames[0].Channels)
	}
	if len(frames[0].Payload) != 4 || len(frames[1].Payload) != 2 {
		t.Fatalf("payload lengths = %d, %d; want 4, 2", len(frames[0].Payload), len(frames[1].Payload))
	}
}

func TestParseADTSResyncAndTruncation(t *testing.T) {
	t.Parallel()
	data := append([]byte{0x00, 0x12}, adtsFrame(4, 1, []byte{1, 2, 3})...)
	data = append(data, adtsFrame(4, 1, []byte{1, 2, 3, 4, 5})[:9]...)

	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 (garbage skipped, truncated tail dropped)", len(frames))
	}
	if frames[0].SampleRate != 44100 || frames[0].Channels != 1 {
		t.Fatalf("frame = %d Hz %d ch, want 44100 Hz 1 ch", frames[0].SampleRate, frames[0].Channels)
	}
}

func TestParseADTSEmpty(t *testing.T) {
	t.Parallel()
	frames, err := ParseADTS(nil)
	if err != nil || len(frames) != 0 {
		t.Fatalf("ParseADTS(nil) = %v, %v; want no frames", frames, err)
	}
}

func TestParseAudioSpecificConfig(t *testing.T) {
	t.Parallel()
	cfg, err := ParseAudioSpecificConfig([]byte{0x12, 0x10})
	if err != nil {
		t.Fatalf("ParseAudioSpecificConfig: %v", err)
	}
	if cfg.ObjectType != 2 || cfg.SampleRate != 44100 || cfg.Channels != 2 {
		t.Fatalf("cfg = %+v, want AAC-LC 44100 Hz stereo", cfg)
	}

	if _, err := ParseAudioSpecificConfig([]byte{0x12}); err == nil {
		t.Fatal("expected error for 1-byte config")
	}
}
