// Package machine assembles the simulated PC the root task boots on: the
// kernel, physical memory with the VGA window, and an i8042 with a PS/2
// keyboard on IRQ 1.
package machine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rootshim/internal/boot"
	"github.com/tinyrange/rootshim/internal/chardev"
	"github.com/tinyrange/rootshim/internal/chipset"
	"github.com/tinyrange/rootshim/internal/config"
	"github.com/tinyrange/rootshim/internal/devices/amd64/input"
	"github.com/tinyrange/rootshim/internal/kernel"
	"github.com/tinyrange/rootshim/internal/physmem"
)

const (
	vgaBase = 0xa0000
	vgaSize = 0x20000
)

// ErrUntypeable is returned by TypeByte for bytes with no key on a US layout.
var ErrUntypeable = errors.New("no key produces byte")

// Machine is a running simulated platform.
type Machine struct {
	Kernel     *kernel.Sim
	Memory     *physmem.Memory
	Chipset    *chipset.Chipset
	Controller *input.I8042
	Keyboard   *input.PS2Keyboard

	info boot.Info
}

// portBus defers to the chipset once it is built; the chipset's interrupt
// lines need the kernel to exist first.
type portBus struct {
	cs *chipset.Chipset
}

func (b *portBus) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if b.cs == nil {
		return fmt.Errorf("machine: port 0x%04x accessed before chipset built", port)
	}
	return b.cs.HandlePIO(port, data, isWrite)
}

// New builds and starts a machine sized by cfg.
func New(cfg config.Config, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mem := physmem.New()
	regions := []physmem.Region{{Name: "vga", Base: vgaBase, Size: vgaSize}}
	fbEnd := cfg.Framebuffer.Base + uint64(cfg.Framebuffer.Size)
	if cfg.Framebuffer.Base < vgaBase || fbEnd > vgaBase+vgaSize {
		regions = append(regions, physmem.Region{
			Name: "framebuffer",
			Base: cfg.Framebuffer.Base,
			Size: uint64(cfg.Framebuffer.Size),
		})
	}
	for _, r := range regions {
		if err := mem.AddRegion(r); err != nil {
			mem.Close()
			return nil, fmt.Errorf("machine: %w", err)
		}
	}

	bus := &portBus{}
	sim := kernel.NewSim(kernel.SimConfig{
		// The registry's slots come after the initial capabilities.
		Slots:   cfg.Allocator.Slots + 16,
		Objects: cfg.Platform.Objects,
		IRQs:    cfg.Platform.IRQs,
		Ports:   bus,
		Memory:  mem,
		Logger:  logger,
	})

	builder := chipset.NewBuilder(sim)
	ctrl := input.NewI8042()
	kbd := input.NewPS2Keyboard()
	ctrl.AttachKeyboard(kbd)
	ctrl.SetIRQ(builder.Lines().AllocateLine(input.KeyboardIRQ))
	if err := builder.RegisterDevice("i8042", ctrl); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}
	cs, err := builder.Build()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}
	bus.cs = cs
	if err := cs.Start(); err != nil {
		mem.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}

	vsize := uint64(cfg.Allocator.VirtualPoolPages) * kernel.PageSize
	m := &Machine{
		Kernel:     sim,
		Memory:     mem,
		Chipset:    cs,
		Controller: ctrl,
		Keyboard:   kbd,
		info:       boot.InfoFromSim(sim.InitialCaps(), cfg.Allocator.VirtualBase, vsize),
	}
	logger.Debug("machine: started", "regions", len(regions), "irqs", cfg.Platform.IRQs)
	return m, nil
}

// BootInfo is the descriptor the kernel hands the root task.
func (m *Machine) BootInfo() boot.Info { return m.info }

// TypeByte presses and releases the keys that produce ch.
func (m *Machine) TypeByte(ch byte) error {
	switch {
	case ch == '\r':
		ch = '\n'
	case ch == 0x7f:
		ch = '\b'
	}

	ctrl := false
	if ch >= 0x01 && ch <= 0x1a && ch != '\t' && ch != '\n' && ch != '\b' {
		ctrl = true
		ch += 'a' - 1
	}

	code, shift, ok := chardev.Set1MakeCode(ch)
	if !ok {
		return fmt.Errorf("machine: type 0x%02x: %w", ch, ErrUntypeable)
	}

	if ctrl {
		m.Keyboard.SendKey(set1LeftCtrl, true)
	}
	if shift {
		m.Keyboard.SendKey(set1LeftShift, true)
	}
	m.Keyboard.SendKey(code, true)
	m.Keyboard.SendKey(code, false)
	if shift {
		m.Keyboard.SendKey(set1LeftShift, false)
	}
	if ctrl {
		m.Keyboard.SendKey(set1LeftCtrl, false)
	}
	return nil
}

// Type types every byte of s.
func (m *Machine) Type(s string) error {
	for i := 0; i < len(s); i++ {
		if err := m.TypeByte(s[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the devices and releases physical memory.
func (m *Machine) Close() error {
	return errors.Join(m.Chipset.Stop(), m.Memory.Close())
}

const (
	set1LeftCtrl  = 0x1d
	set1LeftShift = 0x2a
)
