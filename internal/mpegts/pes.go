package mpegts

import (
	"errors"
	"fmt"
)

var errPESStartCode = errors.New("mpegts: missing PES start code")

func hasPESStartCode(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// Stream ids without the optional PES header: padding, private stream 2,
// ECM, EMM, DSMCC, H.222.1 type E, and the program stream directory.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES too short (%d bytes)", len(b))
	}
	if !hasPESStartCode(b) {
		return nil, errPESStartCode
	}

	pes := &PES{StreamID: b[3]}
	length := int(b[4])<<8 | int(b[5])
	end := len(b)
	if length > 0 && 6+length < end {
		end = 6 + length
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES header truncated")
	}

	flags := b[7] >> 6
	start := min(9+int(b[8]), end)
	switch flags {
	case 2:
		if len(b) >= 14 {
			pes.PTS = parseTimestamp(b[9:14])
		}
	case 3:
		if len(b) >= 19 {
			pes.PTS = parseTimestamp(b[9:14])
			pes.DTS = parseTimestamp(b[14:19])
		}
	}
	pes.Data = b[start:end]
	return pes, nil
}

func parseTimestamp(b []byte) *Timestamp {
	return &Timestamp{Base: int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)}
}
