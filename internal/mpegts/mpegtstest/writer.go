// Package mpegtstest builds synthetic transport streams for tests.
package mpegtstest

import (
	"bytes"
	"encoding/binary"

	"github.com/zsiec/cadence/internal/mpegts"
)

// PMTPID is the PID the writer puts the program map on.
const PMTPID = 0x1000

// Stream is one elementary stream announced in the PMT.
type Stream struct {
	PID  uint16
	Type uint8
}

// Writer accumulates 188-byte packets in memory.
type Writer struct {
	buf     bytes.Buffer
	cc      map[uint16]uint8
	streams []Stream
}

// NewWriter creates a writer for a single program carrying streams.
func NewWriter(streams ...Stream) *Writer {
	return &Writer{cc: make(map[uint16]uint8), streams: streams}
}

// Bytes returns everything written so far.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return w.buf.Len() }

// WriteRaw appends arbitrary bytes, for corrupting a stream.
func (w *Writer) WriteRaw(b []byte) { w.buf.Write(b) }

// WriteTables writes a PAT and a PMT.
func (w *Writer) WriteTables() {
	pat := []byte{
		0x00,       // table id
		0xB0, 0x00, // section length, patched below
		0x00, 0x01, // transport stream id
		0xC1, 0x00, 0x00,
		0x00, 0x01, // program 1
		0xE0 | PMTPID>>8, PMTPID & 0xFF,
	}
	w.writeSection(0, pat)

	pcr := uint16(0x1FFF)
	if len(w.streams) > 0 {
		pcr = w.streams[0].PID
	}
	pmt := []byte{
		0x02,
		0xB0, 0x00,
		0x00, 0x01, // program number
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcr>>8), byte(pcr),
		0xF0, 0x00, // no program descriptors
	}
	for _, s := range w.streams {
		pmt = append(pmt, s.Type, 0xE0|byte(s.PID>>8), byte(s.PID), 0xF0, 0x00)
	}
	w.writeSection(PMTPID, pmt)
}

func (w *Writer) writeSection(pid uint16, section []byte) {
	length := len(section) - 3 + 4
	section[1] = 0xB0 | byte(length>>8)&0x0F
	section[2] = byte(length)
	section = binary.BigEndian.AppendUint32(section, mpegts.CRC32(section))
	w.packetize(pid, append([]byte{0x00}, section...), false)
}

// WritePES writes one PES packet. Negative pts or dts are omitted. Video
// stream ids (0xE0..0xEF) use an unbounded PES length.
func (w *Writer) WritePES(pid uint16, streamID byte, pts, dts int64, data []byte, randomAccess bool) {
	var ts []byte
	flags := byte(0)
	switch {
	case pts >= 0 && dts >= 0:
		flags = 3
		ts = append(encodeTimestamp(0x3, pts), encodeTimestamp(0x1, dts)...)
	case pts >= 0:
		flags = 2
		ts = encodeTimestamp(0x2, pts)
	}

	length := 3 + len(ts) + len(data)
	if streamID&0xF0 == 0xE0 || length > 0xFFFF {
		length = 0
	}
	pes := []byte{0, 0, 1, streamID, byte(length >> 8), byte(length), 0x80, flags << 6, byte(len(ts))}
	pes = append(pes, ts...)
	pes = append(pes, data...)
	w.packetize(pid, pes, randomAccess)
}

func encodeTimestamp(marker byte, v int64) []byte {
	return []byte{
		marker<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// packetize splits payload into packets, stuffing the last one through
// its adaptation field.
func (w *Writer) packetize(pid uint16, payload []byte, randomAccess bool) {
	first := true
	for first || len(payload) > 0 {
		var af []byte
		if first && randomAccess {
			af = []byte{0x40}
		}
		room := 184
		if af != nil {
			room -= 1 + len(af)
		}
		n := min(room, len(payload))
		if n < room {
			pad := room - n
			if af == nil {
				// The length byte alone takes one byte of stuffing.
				pad--
				if pad > 0 {
					af = []byte{0x00}
					pad--
				} else {
					af = []byte{}
				}
			}
			for range pad {
				af = append(af, 0xFF)
			}
		}

		pkt := make([]byte, 4, mpegts.PacketSize)
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | w.cc[pid]&0x0F
		if af != nil {
			pkt[3] |= 0x20
			pkt = append(pkt, byte(len(af)))
			pkt = append(pkt, af...)
		}
		pkt = append(pkt, payload[:n]...)
		w.buf.Write(pkt)

		w.cc[pid]++
		payload = payload[n:]
		first = false
	}
}
