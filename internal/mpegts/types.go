// Package mpegts parses MPEG transport streams into program tables and
// reassembled PES payloads. Every PES carries the byte offset of its first
// packet so a file demuxer can report positions and bisect on them.
package mpegts

import "time"

// Elementary stream types from the PMT.
const (
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypeAAC        = 0x0F
	StreamTypeH264       = 0x1B
	StreamTypeH265       = 0x24
)

// ClockRate is the PTS/DTS tick rate.
const ClockRate = 90000

// Packet is one parsed transport packet.
type Packet struct {
	PID               uint16
	ContinuityCounter uint8
	HasPayload        bool
	UnitStart         bool
	TransportError    bool
	Discontinuity     bool
	RandomAccess      bool
	// Offset is the byte position of the packet in the input.
	Offset  int64
	Payload []byte
}

// Data is one demuxed item. Exactly one of PAT, PMT or PES is set.
type Data struct {
	PID uint16
	// Offset is the byte position of the first packet of the item.
	Offset int64
	// RandomAccess mirrors the adaptation field flag of the first packet.
	RandomAccess bool

	PAT *PAT
	PMT *PMT
	PES *PES
}

// PAT is a Program Association Table.
type PAT struct {
	Programs []Program
}

// Program maps a program number to its PMT PID.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PMT is a Program Map Table.
type PMT struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []ElementaryStream
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID  uint16
	Type uint8
}

// PES is a reassembled packetized elementary stream packet.
type PES struct {
	StreamID uint8
	PTS      *Timestamp
	DTS      *Timestamp
	Data     []byte
}

// Timestamp is a 33-bit 90 kHz timestamp.
type Timestamp struct {
	Base int64
}

// Duration converts the timestamp to a time.Duration.
func (ts Timestamp) Duration() time.Duration {
	return time.Duration(ts.Base) * time.Second / ClockRate
}

// Ticks converts a duration to 90 kHz ticks.
func Ticks(d time.Duration) int64 {
	return int64(d) * ClockRate / int64(time.Second)
}
