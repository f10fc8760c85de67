package mpegts

import "slices"

// accumulator collects the packets of one PID until the next unit start.
type accumulator struct {
	pid     uint16
	psi     func(uint16) bool
	packets []*Packet
}

// add buffers p and returns a completed unit, if any.
func (a *accumulator) add(p *Packet) []*Packet {
	if p.TransportError {
		a.packets = nil
		return nil
	}
	if !p.HasPayload {
		return nil
	}

	if n := len(a.packets); n > 0 && !p.Discontinuity {
		prev := a.packets[n-1].ContinuityCounter
		if p.ContinuityCounter != (prev+1)&0x0F {
			if p.ContinuityCounter == prev {
				return nil // duplicate
			}
			// Lost packets: the partial unit is useless.
			a.packets = nil
		}
	}

	var done []*Packet
	if p.UnitStart && len(a.packets) > 0 {
		done, a.packets = a.packets, nil
	}
	a.packets = append(a.packets, p)

	if done == nil && a.psi(a.pid) && sectionComplete(joinPayloads(a.packets)) {
		done, a.packets = a.packets, nil
	}
	return done
}

func (a *accumulator) flush() []*Packet {
	done := a.packets
	a.packets = nil
	return done
}

func joinPayloads(ps []*Packet) []byte {
	var n int
	for _, p := range ps {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range ps {
		out = append(out, p.Payload...)
	}
	return out
}

// pool routes packets to per-PID accumulators.
type pool struct {
	accs map[uint16]*accumulator
	psi  func(uint16) bool
}

func newPool(psi func(uint16) bool) *pool {
	return &pool{accs: make(map[uint16]*accumulator), psi: psi}
}

func (pp *pool) add(p *Packet) []*Packet {
	a, ok := pp.accs[p.PID]
	if !ok {
		a = &accumulator{pid: p.PID, psi: pp.psi}
		pp.accs[p.PID] = a
	}
	return a.add(p)
}

// drain returns every partial unit, PAT first, then in PID order.
func (pp *pool) drain() [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var out [][]*Packet
	for _, pid := range pids {
		if ps := pp.accs[pid].flush(); len(ps) > 0 {
			out = append(out, ps)
		}
	}
	return out
}

// reset drops all partial units.
func (pp *pool) reset() {
	clear(pp.accs)
}
