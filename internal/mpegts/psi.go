package mpegts

import "fmt"

const (
	pidPAT     = 0x0000
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// sections walks the sections of a PSI payload, starting after the
// pointer field, and calls fn with each complete one.
func sections(payload []byte, fn func(tableID byte, section []byte) error) error {
	if len(payload) < 1 {
		return fmt.Errorf("mpegts: empty PSI payload")
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return fmt.Errorf("mpegts: PSI pointer field out of range")
	}
	for off+3 <= len(payload) {
		tableID := payload[off]
		// 0xFF is stuffing; a clear syntax indicator is zero padding.
		if tableID == 0xFF || payload[off+1]&0x80 == 0 {
			return nil
		}
		end := off + 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if end > len(payload) {
			return nil
		}
		if err := fn(tableID, payload[off:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}

// sectionComplete reports whether every section in payload has arrived.
func sectionComplete(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			return true
		}
		off += 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if off > len(payload) {
			return false
		}
	}
	return true
}

func parsePAT(s []byte) (*PAT, error) {
	if len(s) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if err := checkCRC(s); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}
	pat := &PAT{}
	for i := 8; i+4 <= len(s)-4; i += 4 {
		num := uint16(s[i])<<8 | uint16(s[i+1])
		if num == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, Program{
			Number: num,
			PMTPID: uint16(s[i+2]&0x1F)<<8 | uint16(s[i+3]),
		})
	}
	return pat, nil
}

func parsePMT(s []byte) (*PMT, error) {
	if len(s) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if err := checkCRC(s); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	pmt := &PMT{
		ProgramNumber: uint16(s[3])<<8 | uint16(s[4]),
		PCRPID:        uint16(s[8]&0x1F)<<8 | uint16(s[9]),
	}
	off := 12 + (int(s[10]&0x0F)<<8 | int(s[11]))
	for off+5 <= len(s)-4 {
		pmt.Streams = append(pmt.Streams, ElementaryStream{
			Type: s[off],
			PID:  uint16(s[off+1]&0x1F)<<8 | uint16(s[off+2]),
		})
		off += 5 + (int(s[off+3]&0x0F)<<8 | int(s[off+4]))
	}
	return pmt, nil
}
