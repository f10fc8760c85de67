package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// Demuxer pulls transport packets from a reader and yields program tables
// and PES packets in stream order.
type Demuxer struct {
	r       io.Reader
	buf     []byte
	offset  int64
	pool    *pool
	pmtPIDs map[uint16]bool
	pending []*Data
	eof     bool
	resyncs int64
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithOffset sets the byte position of the reader's first byte, for
// readers that start mid-file.
func WithOffset(off int64) Option {
	return func(d *Demuxer) { d.offset = off }
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(r io.Reader, opts ...Option) *Demuxer {
	d := &Demuxer{
		r:       r,
		buf:     make([]byte, PacketSize),
		pmtPIDs: make(map[uint16]bool),
	}
	d.pool = newPool(d.isPSI)
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPIDs[pid]
}

// Reset discards partial units and continues from r, whose first byte is
// at offset. Known PMT PIDs are kept, so no PAT is needed after a seek.
func (d *Demuxer) Reset(r io.Reader, offset int64) {
	d.r = r
	d.offset = offset
	d.pool.reset()
	d.pending = nil
	d.eof = false
}

// Offset returns the byte position of the next unread packet.
func (d *Demuxer) Offset() int64 { return d.offset }

// Resyncs returns how many times the demuxer had to hunt for a sync byte.
func (d *Demuxer) Resyncs() int64 { return d.resyncs }

// Next returns the next item. It returns io.EOF once the input and all
// partial units are exhausted.
func (d *Demuxer) Next(ctx context.Context) (*Data, error) {
	for {
		if len(d.pending) > 0 {
			next := d.pending[0]
			d.pending = d.pending[1:]
			return next, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if errors.Is(err, io.EOF) {
			d.eof = true
			for _, ps := range d.pool.drain() {
				d.pending = append(d.pending, d.assemble(ps)...)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if done := d.pool.add(pkt); done != nil {
			d.pending = d.assemble(done)
		}
	}
}

// readPacket reads one aligned packet, hunting for the sync byte when the
// stream is misaligned.
func (d *Demuxer) readPacket() (*Packet, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	for d.buf[0] != syncByte {
		d.resyncs++
		i := bytes.IndexByte(d.buf[1:], syncByte) + 1
		if i == 0 {
			i = PacketSize
		}
		copy(d.buf, d.buf[i:])
		d.offset += int64(i)
		if _, err := io.ReadFull(d.r, d.buf[PacketSize-i:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
	pkt, err := parsePacket(d.buf, d.offset)
	d.offset += PacketSize
	return pkt, err
}

// assemble parses a completed unit. Corrupt units are dropped.
func (d *Demuxer) assemble(ps []*Packet) []*Data {
	first := ps[0]
	payload := joinPayloads(ps)
	if len(payload) == 0 {
		return nil
	}
	base := Data{PID: first.PID, Offset: first.Offset, RandomAccess: first.RandomAccess}

	if d.isPSI(first.PID) {
		var out []*Data
		_ = sections(payload, func(tableID byte, s []byte) error {
			switch tableID {
			case tableIDPAT:
				pat, err := parsePAT(s)
				if err != nil {
					return err
				}
				for _, p := range pat.Programs {
					d.pmtPIDs[p.PMTPID] = true
				}
				item := base
				item.PAT = pat
				out = append(out, &item)
			case tableIDPMT:
				pmt, err := parsePMT(s)
				if err != nil {
					return err
				}
				item := base
				item.PMT = pmt
				out = append(out, &item)
			}
			return nil
		})
		return out
	}

	if !hasPESStartCode(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil
	}
	item := base
	item.PES = pes
	return []*Data{&item}
}
