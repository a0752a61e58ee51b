// Package irq turns hardware interrupt lines into badged notification
// signals.
package irq

import (
	"fmt"

	"github.com/tinyrange/rootshim/internal/cspace"
	"github.com/tinyrange/rootshim/internal/kernel"
)

// SlotAllocator hands out empty capability slots.
type SlotAllocator interface {
	AllocSlot() (kernel.CapPath, error)
}

// Binding ties one interrupt line to the channel it signals. Once bound, the
// kernel latches every interrupt on the line until Ack is called.
type Binding struct {
	k       kernel.IRQControl
	line    int
	handler kernel.CapPath
	channel kernel.CapPath
}

// Bind issues an interrupt handler capability for line and points it at
// channel. Errors wrap cspace.ErrAllocationExhausted or
// kernel.ErrKernelRejected.
func Bind(k kernel.IRQControl, slots SlotAllocator, ctrl kernel.CapPath, line int, channel kernel.CapPath) (*Binding, error) {
	if line < 0 {
		return nil, fmt.Errorf("irq: bind line %d: negative line", line)
	}

	handler, err := slots.AllocSlot()
	if err != nil {
		return nil, fmt.Errorf("irq: bind line %d: %w", line, err)
	}
	if err := k.IRQControlGet(ctrl, line, handler); err != nil {
		return nil, fmt.Errorf("irq: bind line %d: get handler: %w", line, err)
	}
	if err := k.IRQHandlerSetNotification(handler, channel); err != nil {
		return nil, fmt.Errorf("irq: bind line %d: set notification: %w", line, err)
	}

	return &Binding{
		k:       k,
		line:    line,
		handler: handler,
		channel: channel,
	}, nil
}

// Ack re-arms the line so the next interrupt can be delivered.
func (b *Binding) Ack() error {
	if err := b.k.IRQHandlerAck(b.handler); err != nil {
		return fmt.Errorf("irq: ack line %d: %w", b.line, err)
	}
	return nil
}

func (b *Binding) Line() int               { return b.line }
func (b *Binding) Handler() kernel.CapPath { return b.handler }
func (b *Binding) Channel() kernel.CapPath { return b.channel }

// Minter derives badged capabilities.
type Minter interface {
	Mint(src, dest kernel.CapPath, rights kernel.Rights, badge kernel.Badge) error
}

// MintBadged derives a capability from source whose signals carry tag.
func MintBadged(k Minter, slots SlotAllocator, source kernel.CapPath, tag kernel.Badge) (kernel.CapPath, error) {
	if tag == kernel.NoBadge {
		return kernel.CapPath{}, fmt.Errorf("irq: mint badge: tag must be non-zero")
	}
	dest, err := slots.AllocSlot()
	if err != nil {
		return kernel.CapPath{}, fmt.Errorf("irq: mint badge %d: %w", tag, err)
	}
	if err := k.Mint(source, dest, kernel.AllRights, tag); err != nil {
		return kernel.CapPath{}, fmt.Errorf("irq: mint badge %d: %w", tag, err)
	}
	return dest, nil
}

var (
	_ SlotAllocator = &cspace.Registry{}
)
