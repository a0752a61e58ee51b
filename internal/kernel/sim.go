package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
)

// PortBus serves port I/O on behalf of issued IO port capabilities.
type PortBus interface {
	HandlePIO(port uint16, data []byte, isWrite bool) error
}

// PhysMemory resolves physical address ranges to backing storage.
type PhysMemory interface {
	Slice(paddr uint64, size int) ([]byte, error)
}

// SimConfig sizes a simulated kernel.
type SimConfig struct {
	// Slots is the root CNode size. It is rounded up to a power of two.
	Slots int
	// Objects bounds how many objects Retype may create.
	Objects int
	// IRQs is the number of interrupt lines IRQControlGet accepts.
	IRQs int

	Ports  PortBus
	Memory PhysMemory
	Logger *slog.Logger
}

// InitialCaps lists the capabilities the simulated kernel hands the root
// task at boot.
type InitialCaps struct {
	RootCNode     CPtr
	Depth         uint8
	IRQControl    CapPath
	IOPortControl CapPath
	FirstFree     CPtr
	EndFree       CPtr
}

const (
	simRootCNode     CPtr = 2
	simIRQControl    CPtr = 4
	simIOPortControl CPtr = 5
	simFirstFree     CPtr = 16
)

type capKind uint8

const (
	capNull capKind = iota
	capEndpoint
	capNotification
	capIRQControl
	capIRQHandler
	capIOPortControl
	capIOPort
)

type capEntry struct {
	kind   capKind
	rights Rights
	badge  Badge

	ntfn     *notification
	endpoint *endpoint
	handler  *irqHandler
	ports    [2]uint16
}

type endpoint struct{}

type notification struct {
	pending []Badge
	ready   chan struct{}
}

func (n *notification) signalLocked(badge Badge) {
	for _, b := range n.pending {
		if b == badge {
			return
		}
	}
	n.pending = append(n.pending, badge)
	select {
	case n.ready <- struct{}{}:
	default:
	}
}

type irqHandler struct {
	line    int
	ntfn    *notification
	badge   Badge
	masked  bool
	latched bool
}

type irqLine struct {
	level   bool
	handler *irqHandler
}

type frameMapping struct {
	vaddr uint64
	size  uint64
}

// Sim is an in-process kernel. It keeps the object semantics the shim relies
// on: badged notifications, edge-latched interrupt handlers that stay masked
// until acknowledged, IO port capabilities and device frame mappings.
type Sim struct {
	mu sync.Mutex

	cfg     SimConfig
	log     *slog.Logger
	depth   uint8
	slots   []capEntry
	objects int

	lines    []irqLine
	ioRanges [][2]uint16
	mappings []frameMapping
}

// NewSim builds a simulated kernel with the root task's initial capabilities
// installed.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Slots < int(simFirstFree)+1 {
		cfg.Slots = int(simFirstFree) + 1
	}
	depth := uint8(bits.Len(uint(cfg.Slots - 1)))
	if cfg.IRQs <= 0 {
		cfg.IRQs = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sim{
		cfg:   cfg,
		log:   logger,
		depth: depth,
		slots: make([]capEntry, 1<<depth),
		lines: make([]irqLine, cfg.IRQs),
	}
	s.slots[simIRQControl] = capEntry{kind: capIRQControl, rights: AllRights}
	s.slots[simIOPortControl] = capEntry{kind: capIOPortControl, rights: AllRights}
	return s
}

// InitialCaps describes the boot capabilities of the root task.
func (s *Sim) InitialCaps() InitialCaps {
	return InitialCaps{
		RootCNode:     simRootCNode,
		Depth:         s.depth,
		IRQControl:    NewCapPath(simRootCNode, simIRQControl, s.depth),
		IOPortControl: NewCapPath(simRootCNode, simIOPortControl, s.depth),
		FirstFree:     simFirstFree,
		EndFree:       CPtr(len(s.slots)),
	}
}

func (s *Sim) lookupLocked(op string, p CapPath) (*capEntry, error) {
	if p.root != simRootCNode || p.depth != s.depth {
		return nil, reject(op, FailedLookup)
	}
	if p.slot >= CPtr(len(s.slots)) {
		return nil, reject(op, RangeError)
	}
	return &s.slots[p.slot], nil
}

func (s *Sim) lookupKindLocked(op string, p CapPath, kind capKind) (*capEntry, error) {
	entry, err := s.lookupLocked(op, p)
	if err != nil {
		return nil, err
	}
	if entry.kind != kind {
		return nil, reject(op, InvalidCapability)
	}
	return entry, nil
}

func (s *Sim) emptySlotLocked(op string, p CapPath) (*capEntry, error) {
	entry, err := s.lookupLocked(op, p)
	if err != nil {
		return nil, err
	}
	if entry.kind != capNull {
		return nil, reject(op, DeleteFirst)
	}
	return entry, nil
}

// Retype implements Kernel.
func (s *Sim) Retype(typ ObjectType, dest CapPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.emptySlotLocked("retype", dest)
	if err != nil {
		return err
	}
	if s.cfg.Objects > 0 && s.objects >= s.cfg.Objects {
		return reject("retype", NotEnoughMemory)
	}

	switch typ {
	case ObjectEndpoint:
		*entry = capEntry{kind: capEndpoint, rights: AllRights, endpoint: &endpoint{}}
	case ObjectNotification:
		*entry = capEntry{
			kind:   capNotification,
			rights: AllRights,
			ntfn:   &notification{ready: make(chan struct{}, 1)},
		}
	default:
		return reject("retype", InvalidArgument)
	}
	s.objects++
	return nil
}

// Mint implements Kernel.
func (s *Sim) Mint(src, dest CapPath, rights Rights, badge Badge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.lookupLocked("mint", src)
	if err != nil {
		return err
	}
	if from.kind != capEndpoint && from.kind != capNotification {
		return reject("mint", IllegalOperation)
	}
	if from.badge != NoBadge && badge != NoBadge {
		return reject("mint", InvalidArgument)
	}
	to, err := s.emptySlotLocked("mint", dest)
	if err != nil {
		return err
	}

	derived := *from
	derived.rights = from.rights & rights
	if badge != NoBadge {
		derived.badge = badge
	}
	*to = derived
	return nil
}

// Signal implements Kernel.
func (s *Sim) Signal(cap CapPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookupKindLocked("signal", cap, capNotification)
	if err != nil {
		return err
	}
	if entry.rights&RightWrite == 0 {
		return reject("signal", IllegalOperation)
	}
	entry.ntfn.signalLocked(entry.badge)
	return nil
}

// Wait implements Receiver. It blocks until a badge is pending on ntfn or ctx
// is done.
func (s *Sim) Wait(ctx context.Context, ntfn CapPath) (Badge, error) {
	s.mu.Lock()
	entry, err := s.lookupKindLocked("wait", ntfn, capNotification)
	if err != nil {
		s.mu.Unlock()
		return NoBadge, err
	}
	if entry.rights&RightRead == 0 {
		s.mu.Unlock()
		return NoBadge, reject("wait", IllegalOperation)
	}
	n := entry.ntfn
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(n.pending) > 0 {
			badge := n.pending[0]
			n.pending = n.pending[1:]
			s.mu.Unlock()
			return badge, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return NoBadge, ctx.Err()
		case <-n.ready:
		}
	}
}

// IRQControlGet implements IRQControl.
func (s *Sim) IRQControlGet(ctrl CapPath, irq int, dest CapPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupKindLocked("irq control get", ctrl, capIRQControl); err != nil {
		return err
	}
	if irq < 0 || irq >= len(s.lines) {
		return reject("irq control get", RangeError)
	}
	if s.lines[irq].handler != nil {
		return reject("irq control get", RevokeFirst)
	}
	entry, err := s.emptySlotLocked("irq control get", dest)
	if err != nil {
		return err
	}

	h := &irqHandler{line: irq}
	s.lines[irq].handler = h
	*entry = capEntry{kind: capIRQHandler, rights: AllRights, handler: h}
	return nil
}

// IRQHandlerSetNotification implements IRQControl.
func (s *Sim) IRQHandlerSetNotification(handler, ntfn CapPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.lookupKindLocked("irq set notification", handler, capIRQHandler)
	if err != nil {
		return err
	}
	n, err := s.lookupKindLocked("irq set notification", ntfn, capNotification)
	if err != nil {
		return err
	}
	if n.rights&RightWrite == 0 {
		return reject("irq set notification", IllegalOperation)
	}
	h.handler.ntfn = n.ntfn
	h.handler.badge = n.badge
	return nil
}

// IRQHandlerAck implements IRQControl. It unmasks the line and re-delivers an
// edge latched while the line was masked.
func (s *Sim) IRQHandlerAck(handler CapPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookupKindLocked("irq ack", handler, capIRQHandler)
	if err != nil {
		return err
	}
	h := entry.handler
	h.masked = false
	if h.latched {
		h.latched = false
		s.deliverLocked(h)
	}
	return nil
}

func (s *Sim) deliverLocked(h *irqHandler) {
	if h.ntfn == nil {
		return
	}
	h.masked = true
	h.ntfn.signalLocked(h.badge)
}

// SetIRQ implements chipset.InterruptSink. Interrupts are taken on the rising
// edge; an edge that arrives before a handler is bound is dropped.
func (s *Sim) SetIRQ(line uint8, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(line) >= len(s.lines) {
		return
	}
	l := &s.lines[line]
	rising := level && !l.level
	l.level = level
	if !rising || l.handler == nil {
		return
	}

	h := l.handler
	if h.masked {
		h.latched = true
		return
	}
	if h.ntfn == nil {
		s.log.Debug("kernel: irq without notification", "line", line)
		return
	}
	s.deliverLocked(h)
}

// IOPortIssue implements Kernel.
func (s *Sim) IOPortIssue(ctrl CapPath, first, last uint16, dest CapPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupKindLocked("ioport issue", ctrl, capIOPortControl); err != nil {
		return err
	}
	if first > last {
		return reject("ioport issue", InvalidArgument)
	}
	for _, r := range s.ioRanges {
		if first <= r[1] && r[0] <= last {
			return reject("ioport issue", RevokeFirst)
		}
	}
	entry, err := s.emptySlotLocked("ioport issue", dest)
	if err != nil {
		return err
	}
	s.ioRanges = append(s.ioRanges, [2]uint16{first, last})
	*entry = capEntry{kind: capIOPort, rights: AllRights, ports: [2]uint16{first, last}}
	return nil
}

func (s *Sim) portAccess(op string, cap CapPath, port uint16, data []byte, isWrite bool) error {
	s.mu.Lock()
	entry, err := s.lookupKindLocked(op, cap, capIOPort)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if port < entry.ports[0] || port > entry.ports[1] {
		s.mu.Unlock()
		return reject(op, InvalidArgument)
	}
	bus := s.cfg.Ports
	s.mu.Unlock()

	if bus == nil {
		return reject(op, IllegalOperation)
	}
	// The bus may raise interrupt lines, which re-enters SetIRQ.
	if err := bus.HandlePIO(port, data, isWrite); err != nil {
		return fmt.Errorf("kernel: %s 0x%04x: %w", op, port, err)
	}
	return nil
}

// IOPortIn8 implements Kernel.
func (s *Sim) IOPortIn8(cap CapPath, port uint16) (uint8, error) {
	var data [1]byte
	if err := s.portAccess("ioport in8", cap, port, data[:], false); err != nil {
		return 0, err
	}
	return data[0], nil
}

// IOPortOut8 implements Kernel.
func (s *Sim) IOPortOut8(cap CapPath, port uint16, value uint8) error {
	return s.portAccess("ioport out8", cap, port, []byte{value}, true)
}

// MapFrame implements Kernel.
func (s *Sim) MapFrame(paddr, vaddr uint64, size int, cached bool) ([]byte, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, reject("map frame", InvalidArgument)
	}
	if paddr%PageSize != 0 || vaddr%PageSize != 0 {
		return nil, reject("map frame", AlignmentError)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.mappings {
		if vaddr < m.vaddr+m.size && m.vaddr < vaddr+uint64(size) {
			return nil, reject("map frame", DeleteFirst)
		}
	}
	if s.cfg.Memory == nil {
		return nil, reject("map frame", FailedLookup)
	}
	mem, err := s.cfg.Memory.Slice(paddr, size)
	if err != nil {
		return nil, fmt.Errorf("kernel: map frame 0x%x: %w", paddr, err)
	}
	s.mappings = append(s.mappings, frameMapping{vaddr: vaddr, size: uint64(size)})
	s.log.Debug("kernel: frame mapped",
		"paddr", fmt.Sprintf("%#x", paddr),
		"vaddr", fmt.Sprintf("%#x", vaddr),
		"size", size,
		"cached", cached)
	return mem, nil
}

var (
	_ Kernel = &Sim{}
)
