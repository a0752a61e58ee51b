package irq

import (
	"errors"
	"testing"

	"github.com/tinyrange/rootshim/internal/cspace"
	"github.com/tinyrange/rootshim/internal/kernel"
)

type slotCounter struct {
	next kernel.CPtr
	max  kernel.CPtr
}

func (s *slotCounter) AllocSlot() (kernel.CapPath, error) {
	if s.next >= s.max {
		return kernel.CapPath{}, cspace.ErrAllocationExhausted
	}
	p := kernel.NewCapPath(2, s.next, 8)
	s.next++
	return p, nil
}

type fakeIRQKernel struct {
	calls   []string
	getErr  error
	notify  map[kernel.CapPath]kernel.CapPath
	acked   int
	minted  map[kernel.CapPath]kernel.Badge
	mintErr error
}

func newFakeIRQKernel() *fakeIRQKernel {
	return &fakeIRQKernel{
		notify: make(map[kernel.CapPath]kernel.CapPath),
		minted: make(map[kernel.CapPath]kernel.Badge),
	}
}

func (k *fakeIRQKernel) IRQControlGet(ctrl kernel.CapPath, irq int, dest kernel.CapPath) error {
	k.calls = append(k.calls, "get")
	return k.getErr
}

func (k *fakeIRQKernel) IRQHandlerSetNotification(handler, ntfn kernel.CapPath) error {
	k.calls = append(k.calls, "set")
	k.notify[handler] = ntfn
	return nil
}

func (k *fakeIRQKernel) IRQHandlerAck(handler kernel.CapPath) error {
	k.calls = append(k.calls, "ack")
	k.acked++
	return nil
}

func (k *fakeIRQKernel) Mint(src, dest kernel.CapPath, rights kernel.Rights, badge kernel.Badge) error {
	if k.mintErr != nil {
		return k.mintErr
	}
	k.minted[dest] = badge
	return nil
}

func TestBindPointsHandlerAtChannel(t *testing.T) {
	k := newFakeIRQKernel()
	slots := &slotCounter{next: 16, max: 32}
	channel := kernel.NewCapPath(2, 3, 8)

	b, err := Bind(k, slots, kernel.NewCapPath(2, 4, 8), 1, channel)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if b.Line() != 1 || b.Channel() != channel {
		t.Fatalf("binding = line %d channel %v", b.Line(), b.Channel())
	}
	if k.notify[b.Handler()] != channel {
		t.Fatalf("handler not pointed at channel")
	}
	if err := b.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	want := []string{"get", "set", "ack"}
	for i, c := range want {
		if k.calls[i] != c {
			t.Fatalf("calls = %v, want %v", k.calls, want)
		}
	}
}

func TestBindErrors(t *testing.T) {
	k := newFakeIRQKernel()
	if _, err := Bind(k, &slotCounter{next: 1, max: 1}, kernel.CapPath{}, 1, kernel.CapPath{}); !errors.Is(err, cspace.ErrAllocationExhausted) {
		t.Fatalf("exhausted slots: %v", err)
	}

	k.getErr = &kernel.Error{Op: "irq control get", Code: kernel.RevokeFirst}
	if _, err := Bind(k, &slotCounter{next: 1, max: 4}, kernel.CapPath{}, 1, kernel.CapPath{}); !errors.Is(err, kernel.ErrKernelRejected) {
		t.Fatalf("kernel rejection: %v", err)
	}

	if _, err := Bind(k, &slotCounter{next: 1, max: 4}, kernel.CapPath{}, -1, kernel.CapPath{}); err == nil {
		t.Fatal("negative line accepted")
	}
}

func TestMintBadged(t *testing.T) {
	k := newFakeIRQKernel()
	slots := &slotCounter{next: 16, max: 32}

	p, err := MintBadged(k, slots, kernel.NewCapPath(2, 3, 8), 5)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if k.minted[p] != 5 {
		t.Fatalf("badge = %d, want 5", k.minted[p])
	}
	if _, err := MintBadged(k, slots, kernel.NewCapPath(2, 3, 8), kernel.NoBadge); err == nil {
		t.Fatal("zero badge accepted")
	}
}
