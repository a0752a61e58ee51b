// Package boot builds the root task's resource context: the capability slot
// allocator, the virtual address space manager and the I/O operations every
// later component is handed explicitly.
package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rootshim/internal/cspace"
	"github.com/tinyrange/rootshim/internal/kernel"
)

// Info is the boot-time descriptor handed to the root task.
type Info struct {
	RootCNode     kernel.CPtr
	Depth         uint8
	IRQControl    kernel.CapPath
	IOPortControl kernel.CapPath

	// Empty slots available to the allocator, [FirstFree, EndFree).
	FirstFree kernel.CPtr
	EndFree   kernel.CPtr

	// Virtual range the address space manager hands out.
	VirtualBase uint64
	VirtualSize uint64
}

// InfoFromSim builds the boot descriptor a simulated kernel hands its root
// task.
func InfoFromSim(caps kernel.InitialCaps, virtualBase, virtualSize uint64) Info {
	return Info{
		RootCNode:     caps.RootCNode,
		Depth:         caps.Depth,
		IRQControl:    caps.IRQControl,
		IOPortControl: caps.IOPortControl,
		FirstFree:     caps.FirstFree,
		EndFree:       caps.EndFree,
		VirtualBase:   virtualBase,
		VirtualSize:   virtualSize,
	}
}

// Options tunes the allocator pools.
type Options struct {
	// Slots caps how many of the free slots the allocator manages. Zero
	// means all of them.
	Slots int
	// VirtualPoolPages caps the virtual pool. Zero means the whole range.
	VirtualPoolPages int

	Logger *slog.Logger
}

// Env is the resource context shared by every setup step.
type Env struct {
	Kernel kernel.Kernel
	Info   Info
	Slots  *cspace.Registry
	VSpace *VSpace
	Log    *slog.Logger
}

// Bootstrap validates info and builds the resource context. Any error is
// fatal for the root task.
func Bootstrap(k kernel.Kernel, info Info, opts Options) (*Env, error) {
	if k == nil {
		return nil, errors.New("boot: kernel is nil")
	}
	if info.IRQControl.IsNull() {
		return nil, errors.New("boot: no irq control capability")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	end := info.EndFree
	if opts.Slots > 0 && info.FirstFree+kernel.CPtr(opts.Slots) < end {
		end = info.FirstFree + kernel.CPtr(opts.Slots)
	}
	slots, err := cspace.New(k, info.RootCNode, info.Depth, info.FirstFree, end)
	if err != nil {
		return nil, fmt.Errorf("boot: allocator: %w", err)
	}

	vsize := info.VirtualSize
	if opts.VirtualPoolPages > 0 {
		if pool := uint64(opts.VirtualPoolPages) * kernel.PageSize; pool < vsize {
			vsize = pool
		}
	}
	vspace, err := NewVSpace(info.VirtualBase, vsize)
	if err != nil {
		return nil, fmt.Errorf("boot: vspace: %w", err)
	}

	logger.Debug("boot: resource context ready",
		"slots", slots.Free(),
		"vbase", fmt.Sprintf("%#x", info.VirtualBase),
		"vsize", fmt.Sprintf("%#x", vsize))

	return &Env{
		Kernel: k,
		Info:   info,
		Slots:  slots,
		VSpace: vspace,
		Log:    logger,
	}, nil
}

// Mapping is a device frame range mapped into the task.
type Mapping struct {
	PAddr uint64
	VAddr uint64
	Mem   []byte
}

// MapPhys maps size bytes of physical memory at paddr into a fresh virtual
// reservation.
func (e *Env) MapPhys(paddr uint64, size int, cached bool) (Mapping, error) {
	if size <= 0 || size%kernel.PageSize != 0 {
		return Mapping{}, fmt.Errorf("boot: map 0x%x: size %d is not a positive page multiple", paddr, size)
	}
	vaddr, err := e.VSpace.Reserve(uint64(size))
	if err != nil {
		return Mapping{}, fmt.Errorf("boot: map 0x%x: %w", paddr, err)
	}
	mem, err := e.Kernel.MapFrame(paddr, vaddr, size, cached)
	if err != nil {
		return Mapping{}, fmt.Errorf("boot: map 0x%x: %w", paddr, err)
	}
	return Mapping{PAddr: paddr, VAddr: vaddr, Mem: mem}, nil
}

// PortOps issues an IO port capability for [first, last] and returns the
// operations table drivers use.
func (e *Env) PortOps(first, last uint16) (*PortOps, error) {
	slot, err := e.Slots.AllocSlot()
	if err != nil {
		return nil, fmt.Errorf("boot: io ports 0x%x-0x%x: %w", first, last, err)
	}
	if err := e.Kernel.IOPortIssue(e.Info.IOPortControl, first, last, slot); err != nil {
		return nil, fmt.Errorf("boot: io ports 0x%x-0x%x: %w", first, last, err)
	}
	return &PortOps{k: e.Kernel, cap: slot}, nil
}

// PortOps performs port I/O through one IO port capability.
type PortOps struct {
	k   kernel.Kernel
	cap kernel.CapPath
}

// In8 reads one byte from port.
func (p *PortOps) In8(port uint16) (uint8, error) {
	return p.k.IOPortIn8(p.cap, port)
}

// Out8 writes one byte to port.
func (p *PortOps) Out8(port uint16, value uint8) error {
	return p.k.IOPortOut8(p.cap, port, value)
}
