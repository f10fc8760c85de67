package codec

import "errors"

var (
	// ErrInvalidADTS is returned when an ADTS header is malformed.
	ErrInvalidADTS = errors.New("codec: invalid ADTS header")
	// ErrInvalidASC is returned for an unusable AudioSpecificConfig.
	ErrInvalidASC = errors.New("codec: invalid AudioSpecificConfig")
)

// AACSamplesPerFrame is the PCM sample count of one AAC-LC frame.
const AACSamplesPerFrame = 1024

// ISO 14496-3 sampling frequency index table.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC frame located in an ADTS stream.
type ADTSFrame struct {
	// Payload is the raw AAC payload without the ADTS header.
	Payload    []byte
	SampleRate int
	Channels   int
}

// ParseADTS splits an ADTS byte stream into frames, resyncing on garbage.
// A truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	off := 0
	for len(data)-off >= 7 {
		if data[off] != 0xFF || data[off+1]&0xF0 != 0xF0 {
			off++
			continue
		}
		hdr := 7
		if data[off+1]&0x01 == 0 {
			hdr = 9 // CRC present
		}
		srIdx := (data[off+2] >> 2) & 0x0F
		if int(srIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		ch := int((data[off+2]&0x01)<<2 | (data[off+3]>>6)&0x03)
		size := int(data[off+3]&0x03)<<11 | int(data[off+4])<<3 | int(data[off+5]>>5)
		if size < hdr || off+size > len(data) {
			break
		}
		frames = append(frames, ADTSFrame{
			Payload:    data[off+hdr : off+size],
			SampleRate: aacSampleRates[srIdx],
			Channels:   ch,
		})
		off += size
	}
	return frames, nil
}

// AudioConfig is the subset of an AudioSpecificConfig the decoder needs.
type AudioConfig struct {
	ObjectType int
	SampleRate int
	Channels   int
}

// ParseAudioSpecificConfig decodes the 2+ byte ASC carried in FLV
// sequence headers and MP4 esds boxes.
func ParseAudioSpecificConfig(b []byte) (AudioConfig, error) {
	if len(b) < 2 {
		return AudioConfig{}, ErrInvalidASC
	}
	br := newBitReader(b)
	ot, _ := br.readBits(5)
	idx, _ := br.readBits(4)
	cfg := AudioConfig{ObjectType: int(ot)}
	if idx == 0x0F {
		sr, err := br.readBits(24)
		if err != nil {
			return AudioConfig{}, ErrInvalidASC
		}
		cfg.SampleRate = int(sr)
	} else if int(idx) < len(aacSampleRates) {
		cfg.SampleRate = aacSampleRates[idx]
	} else {
		return AudioConfig{}, ErrInvalidASC
	}
	ch, err := br.readBits(4)
	if err != nil {
		return AudioConfig{}, ErrInvalidASC
	}
	cfg.Channels = int(ch)
	if cfg.Channels == 0 || cfg.SampleRate == 0 {
		return cfg, ErrInvalidASC
	}
	return cfg, nil
}
