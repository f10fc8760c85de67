package mpegts

import "testing"

func pkt(cc uint8, start bool) *Packet {
	return &Packet{PID: 0x100, ContinuityCounter: cc, UnitStart: start, HasPayload: true, Payload: []byte{cc}}
}

func newTestAccumulator() *accumulator {
	return &accumulator{pid: 0x100, psi: func(uint16) bool { return false }}
}

func TestAccumulatorFlushOnUnitStart(t *testing.T) {
	t.Parallel()
	a := newTestAccumulator()
	a.add(pkt(0, true))
	a.add(pkt(1, false))
	done := a.add(pkt(2, true))
	if len(done) != 2 {
		t.Fatalf("flushed %d packets, want 2", len(done))
	}
	if len(a.packets) != 1 {
		t.Fatalf("buffered %d packets, want 1", len(a.packets))
	}
}

func TestAccumulatorContinuity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		next     *Packet
		buffered int
	}{
		{"duplicate dropped", pkt(1, false), 2},
		{"gap discards partial unit", pkt(5, false), 1},
		{"signaled discontinuity kept", &Packet{PID: 0x100, ContinuityCounter: 9, HasPayload: true, Discontinuity: true}, 3},
		{"next in sequence", pkt(2, false), 3},
		{"transport error resets", &Packet{PID: 0x100, ContinuityCounter: 2, HasPayload: true, TransportError: true}, 0},
		{"adaptation only ignored", &Packet{PID: 0x100, ContinuityCounter: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAccumulator()
			a.add(pkt(0, true))
			a.add(pkt(1, false))
			a.add(tt.next)
			if len(a.packets) != tt.buffered {
				t.Fatalf("buffered = %d, want %d", len(a.packets), tt.buffered)
			}
		})
	}
}

func TestAccumulatorWrapsCounter(t *testing.T) {
	t.Parallel()
	a := newTestAccumulator()
	a.add(pkt(15, true))
	a.add(pkt(0, false))
	if len(a.packets) != 2 {
		t.Fatalf("buffered = %d, want 2 across the 15->0 wrap", len(a.packets))
	}
}

func TestPoolDrainOrdersByPID(t *testing.T) {
	t.Parallel()
	pp := newPool(func(uint16) bool { return false })
	pp.add(&Packet{PID: 0x200, HasPayload: true, UnitStart: true, Payload: []byte{1}})
	pp.add(&Packet{PID: 0x010, HasPayload: true, UnitStart: true, Payload: []byte{2}})

	units := pp.drain()
	if len(units) != 2 || units[0][0].PID != 0x010 || units[1][0].PID != 0x200 {
		t.Fatalf("drain order wrong: %v", units)
	}
	if len(pp.drain()) != 0 {
		t.Fatal("second drain should be empty")
	}
}

func TestSectionComplete(t *testing.T) {
	t.Parallel()
	section := []byte{0x00, 0xB0, 0x05, 1, 2, 3, 4, 5}
	if !sectionComplete(append([]byte{0}, section...)) {
		t.Fatal("complete section reported incomplete")
	}
	if sectionComplete(append([]byte{0}, section[:6]...)) {
		t.Fatal("truncated section reported complete")
	}
	if !sectionComplete(append(append([]byte{0}, section...), 0xFF, 0xFF)) {
		t.Fatal("stuffing after a section should complete it")
	}
}
