// Package adapter couples one character device to its interrupt binding and
// owns the drain-then-acknowledge protocol for it.
package adapter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rootshim/internal/chardev"
	"github.com/tinyrange/rootshim/internal/irq"
	"github.com/tinyrange/rootshim/internal/kernel"
)

// ErrNoIRQ is returned when no candidate line belongs to the device.
var ErrNoIRQ = errors.New("device claims no interrupt line")

// Kernel is the part of the kernel interface an adapter needs.
type Kernel interface {
	kernel.IRQControl
	irq.Minter
}

// Sink receives every byte drained from the device.
type Sink func(b byte)

// Config describes one device to bring up.
type Config struct {
	Name string
	// Lines are the candidate interrupt lines, probed in order.
	Lines []int
	// Channel is the notification the dispatch loop waits on.
	Channel kernel.CapPath
	// Tag is the badge identifying this device on Channel.
	Tag  kernel.Badge
	Sink Sink

	Logger *slog.Logger
}

// Adapter owns a device's interrupt binding and its badged capability for
// the lifetime of the process.
type Adapter struct {
	name    string
	dev     chardev.Device
	binding *irq.Binding
	badged  kernel.CapPath
	tag     kernel.Badge
	sink    Sink
	log     *slog.Logger
}

// DiscoverIRQ returns the first line in lines the device claims.
func DiscoverIRQ(dev chardev.Device, lines []int) (int, error) {
	for _, line := range lines {
		if dev.ProducesInterrupt(line) {
			return line, nil
		}
	}
	return 0, ErrNoIRQ
}

// Setup discovers the device's line, mints its badge, binds the interrupt,
// then performs the priming read and the first acknowledge.
//
// The priming read clears a ready condition some controllers latch before
// the handler exists; without it that line never produces a new edge. Any
// byte it yields is discarded.
func Setup(k Kernel, slots irq.SlotAllocator, ctrl kernel.CapPath, dev chardev.Device, cfg Config) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if dev == nil {
		return nil, fmt.Errorf("adapter %s: device is nil", cfg.Name)
	}

	line, err := DiscoverIRQ(dev, cfg.Lines)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", cfg.Name, err)
	}

	badged, err := irq.MintBadged(k, slots, cfg.Channel, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", cfg.Name, err)
	}

	binding, err := irq.Bind(k, slots, ctrl, line, badged)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", cfg.Name, err)
	}

	if _, err := dev.ReadByte(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("adapter %s: priming read: %w", cfg.Name, err)
	}
	if err := binding.Ack(); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", cfg.Name, err)
	}

	logger.Info("adapter: device bound", "device", cfg.Name, "irq", line, "badge", uint64(cfg.Tag))

	return &Adapter{
		name:    cfg.Name,
		dev:     dev,
		binding: binding,
		badged:  badged,
		tag:     cfg.Tag,
		sink:    cfg.Sink,
		log:     logger,
	}, nil
}

// HandleEvent drains the device until it reports end of stream, hands each
// byte to the sink and then acknowledges the interrupt exactly once. A
// device fault stops the drain and is returned without acknowledging.
func (a *Adapter) HandleEvent() error {
	n := 0
	for {
		b, err := a.dev.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("adapter %s: drain: %w", a.name, err)
		}
		n++
		if a.sink != nil {
			a.sink(b)
		}
	}
	a.log.Debug("adapter: drained", "device", a.name, "bytes", n)

	if err := a.binding.Ack(); err != nil {
		return fmt.Errorf("adapter %s: %w", a.name, err)
	}
	return nil
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) Tag() kernel.Badge      { return a.tag }
func (a *Adapter) Line() int              { return a.binding.Line() }
func (a *Adapter) Badged() kernel.CapPath { return a.badged }
