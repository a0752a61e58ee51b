package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeMemory struct {
	mem []byte
}

func (m *fakeMemory) Slice(paddr uint64, size int) ([]byte, error) {
	if paddr+uint64(size) > uint64(len(m.mem)) {
		return nil, errors.New("out of range")
	}
	return m.mem[paddr : paddr+uint64(size)], nil
}

type fakeBus struct {
	regs map[uint16]byte
}

func (b *fakeBus) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if isWrite {
		b.regs[port] = data[0]
		return nil
	}
	data[0] = b.regs[port]
	return nil
}

type simHarness struct {
	t    *testing.T
	sim  *Sim
	caps InitialCaps
	next CPtr
}

func newHarness(t *testing.T, cfg SimConfig) *simHarness {
	t.Helper()
	sim := NewSim(cfg)
	caps := sim.InitialCaps()
	return &simHarness{t: t, sim: sim, caps: caps, next: caps.FirstFree}
}

func (h *simHarness) slot() CapPath {
	p := NewCapPath(h.caps.RootCNode, h.next, h.caps.Depth)
	h.next++
	return p
}

func (h *simHarness) notification() CapPath {
	h.t.Helper()
	p := h.slot()
	if err := h.sim.Retype(ObjectNotification, p); err != nil {
		h.t.Fatalf("retype notification: %v", err)
	}
	return p
}

func (h *simHarness) badged(src CapPath, badge Badge) CapPath {
	h.t.Helper()
	p := h.slot()
	if err := h.sim.Mint(src, p, AllRights, badge); err != nil {
		h.t.Fatalf("mint badge %d: %v", badge, err)
	}
	return p
}

func (h *simHarness) bind(line int, ntfn CapPath) CapPath {
	h.t.Helper()
	handler := h.slot()
	if err := h.sim.IRQControlGet(h.caps.IRQControl, line, handler); err != nil {
		h.t.Fatalf("irq control get %d: %v", line, err)
	}
	if err := h.sim.IRQHandlerSetNotification(handler, ntfn); err != nil {
		h.t.Fatalf("set notification: %v", err)
	}
	return handler
}

func waitNow(t *testing.T, s *Sim, ntfn CapPath) (Badge, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	return s.Wait(ctx, ntfn)
}

func TestNotificationPendingSetCollapsesRepeats(t *testing.T) {
	h := newHarness(t, SimConfig{})
	ntfn := h.notification()
	a := h.badged(ntfn, 1)
	b := h.badged(ntfn, 2)

	for _, p := range []CapPath{a, a, b, a} {
		if err := h.sim.Signal(p); err != nil {
			t.Fatalf("signal: %v", err)
		}
	}

	for _, want := range []Badge{1, 2} {
		got, err := waitNow(t, h.sim, ntfn)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if got != want {
			t.Fatalf("badge = %d, want %d", got, want)
		}
	}
	if _, err := waitNow(t, h.sim, ntfn); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no further wakeups, got %v", err)
	}
}

func TestWaitBlocksUntilSignal(t *testing.T) {
	h := newHarness(t, SimConfig{})
	ntfn := h.notification()
	badged := h.badged(ntfn, 9)

	done := make(chan Badge, 1)
	go func() {
		b, err := h.sim.Wait(context.Background(), ntfn)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- b
	}()

	time.Sleep(10 * time.Millisecond)
	if err := h.sim.Signal(badged); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case b := <-done:
		if b != 9 {
			t.Fatalf("badge = %d, want 9", b)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after signal")
	}
}

func TestMintRejectsRebadge(t *testing.T) {
	h := newHarness(t, SimConfig{})
	ntfn := h.notification()
	badged := h.badged(ntfn, 1)

	err := h.sim.Mint(badged, h.slot(), AllRights, 2)
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Code != InvalidArgument {
		t.Fatalf("rebadge error = %v, want invalid argument", err)
	}
	if !errors.Is(err, ErrKernelRejected) {
		t.Fatalf("error does not match ErrKernelRejected")
	}
}

func TestMintIntoOccupiedSlot(t *testing.T) {
	h := newHarness(t, SimConfig{})
	ntfn := h.notification()
	err := h.sim.Mint(ntfn, ntfn, AllRights, 1)
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Code != DeleteFirst {
		t.Fatalf("error = %v, want delete first", err)
	}
}

func TestIRQMaskedUntilAck(t *testing.T) {
	h := newHarness(t, SimConfig{})
	ntfn := h.notification()
	handler := h.bind(1, h.badged(ntfn, 4))

	h.sim.SetIRQ(1, true)
	if b, err := waitNow(t, h.sim, ntfn); err != nil || b != 4 {
		t.Fatalf("first edge: badge %d err %v", b, err)
	}

	// A second edge while masked is latched rather than delivered.
	h.sim.SetIRQ(1, false)
	h.sim.SetIRQ(1, true)
	if _, err := waitNow(t, h.sim, ntfn); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("edge delivered while masked: %v", err)
	}

	if err := h.sim.IRQHandlerAck(handler); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if b, err := waitNow(t, h.sim, ntfn); err != nil || b != 4 {
		t.Fatalf("latched edge: badge %d err %v", b, err)
	}
}

func TestIRQEdgeBeforeBindIsLost(t *testing.T) {
	h := newHarness(t, SimConfig{})
	ntfn := h.notification()

	h.sim.SetIRQ(1, true)
	handler := h.bind(1, h.badged(ntfn, 1))
	if err := h.sim.IRQHandlerAck(handler); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// The line is still high, so there is no new edge to deliver.
	h.sim.SetIRQ(1, true)
	if _, err := waitNow(t, h.sim, ntfn); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stale level produced a wakeup: %v", err)
	}

	h.sim.SetIRQ(1, false)
	h.sim.SetIRQ(1, true)
	if b, err := waitNow(t, h.sim, ntfn); err != nil || b != 1 {
		t.Fatalf("fresh edge: badge %d err %v", b, err)
	}
}

func TestIRQControlGetRejects(t *testing.T) {
	h := newHarness(t, SimConfig{IRQs: 4})

	var kerr *Error
	err := h.sim.IRQControlGet(h.caps.IRQControl, 4, h.slot())
	if !errors.As(err, &kerr) || kerr.Code != RangeError {
		t.Fatalf("out of range line: %v", err)
	}

	h.bind(2, h.notification())
	err = h.sim.IRQControlGet(h.caps.IRQControl, 2, h.slot())
	if !errors.As(err, &kerr) || kerr.Code != RevokeFirst {
		t.Fatalf("second handler for line: %v", err)
	}

	bogus := NewCapPath(h.caps.RootCNode, h.caps.FirstFree, h.caps.Depth)
	err = h.sim.IRQControlGet(bogus, 3, h.slot())
	if !errors.As(err, &kerr) || kerr.Code != InvalidCapability {
		t.Fatalf("wrong capability type: %v", err)
	}
}

func TestRetypeObjectLimit(t *testing.T) {
	h := newHarness(t, SimConfig{Objects: 1})
	h.notification()

	err := h.sim.Retype(ObjectNotification, h.slot())
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Code != NotEnoughMemory {
		t.Fatalf("error = %v, want not enough memory", err)
	}
}

func TestIOPortRange(t *testing.T) {
	bus := &fakeBus{regs: map[uint16]byte{0x60: 0x42}}
	h := newHarness(t, SimConfig{Ports: bus})
	ports := h.slot()
	if err := h.sim.IOPortIssue(h.caps.IOPortControl, 0x60, 0x64, ports); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if v, err := h.sim.IOPortIn8(ports, 0x60); err != nil || v != 0x42 {
		t.Fatalf("in8 = 0x%02x, %v", v, err)
	}
	if err := h.sim.IOPortOut8(ports, 0x64, 0xaa); err != nil {
		t.Fatalf("out8: %v", err)
	}
	if bus.regs[0x64] != 0xaa {
		t.Fatalf("write not forwarded to bus")
	}

	var kerr *Error
	if _, err := h.sim.IOPortIn8(ports, 0x70); !errors.As(err, &kerr) || kerr.Code != InvalidArgument {
		t.Fatalf("port outside range: %v", err)
	}
	err := h.sim.IOPortIssue(h.caps.IOPortControl, 0x64, 0x70, h.slot())
	if !errors.As(err, &kerr) || kerr.Code != RevokeFirst {
		t.Fatalf("overlapping issue: %v", err)
	}
}

func TestMapFrame(t *testing.T) {
	mem := &fakeMemory{mem: make([]byte, 4*PageSize)}
	h := newHarness(t, SimConfig{Memory: mem})

	frame, err := h.sim.MapFrame(PageSize, 0x10000000, PageSize, false)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	frame[0] = 0x7f
	if mem.mem[PageSize] != 0x7f {
		t.Fatalf("mapping does not alias physical memory")
	}

	var kerr *Error
	if _, err := h.sim.MapFrame(0, 0x10000000, PageSize, false); !errors.As(err, &kerr) || kerr.Code != DeleteFirst {
		t.Fatalf("overlapping vaddr: %v", err)
	}
	if _, err := h.sim.MapFrame(0x10, 0x20000000, PageSize, false); !errors.As(err, &kerr) || kerr.Code != AlignmentError {
		t.Fatalf("unaligned paddr: %v", err)
	}
}

func TestCapPathString(t *testing.T) {
	if got := NewCapPath(2, 17, 12).String(); got != "cap(2:17/12)" {
		t.Fatalf("String() = %q", got)
	}
	if !(CapPath{}).IsNull() {
		t.Fatalf("zero path not null")
	}
}
