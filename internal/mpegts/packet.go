package mpegts

import "fmt"

// PacketSize is the transport packet length.
const PacketSize = 188

const syncByte = 0x47

func parsePacket(buf []byte, offset int64) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, want %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: bad sync byte 0x%02X at %d", buf[0], offset)
	}

	p := &Packet{
		PID:               uint16(buf[1]&0x1F)<<8 | uint16(buf[2]),
		ContinuityCounter: buf[3] & 0x0F,
		HasPayload:        buf[3]&0x10 != 0,
		UnitStart:         buf[1]&0x40 != 0,
		TransportError:    buf[1]&0x80 != 0,
		Offset:            offset,
	}

	pos := 4
	if buf[3]&0x20 != 0 {
		afLen := int(buf[pos])
		if afLen > 0 {
			p.Discontinuity = buf[pos+1]&0x80 != 0
			p.RandomAccess = buf[pos+1]&0x40 != 0
		}
		pos = min(pos+1+afLen, PacketSize)
	}
	if p.HasPayload && pos < PacketSize {
		p.Payload = append([]byte(nil), buf[pos:]...)
	}
	return p, nil
}
