package chipset

import (
	"fmt"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// Builder registers devices and their port intercepts before creating a Chipset.
type Builder struct {
	devices map[string]Device
	pio     map[uint16]PortIOHandler
	lines   *LineSet
}

// NewBuilder returns a Builder whose interrupt lines assert on sink.
func NewBuilder(sink InterruptSink) *Builder {
	return &Builder{
		devices: make(map[string]Device),
		pio:     make(map[uint16]PortIOHandler),
		lines:   NewLineSet(sink),
	}
}

// Lines returns the interrupt line set devices should allocate from.
func (b *Builder) Lines() *LineSet {
	return b.lines
}

// RegisterDevice adds a device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.WithPioPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler.
func (b *Builder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered", port)
	}
	b.pio[port] = handler
	return nil
}

// Build finalizes the layout and returns the constructed Chipset.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]PortIOHandler, len(b.pio))
	for port, handler := range b.pio {
		pio[port] = handler
	}

	return &Chipset{
		devices: devices,
		pio:     pio,
		lines:   b.lines,
	}, nil
}

// Chipset represents the built dispatch tables for platform devices.
type Chipset struct {
	devices map[string]Device
	pio     map[uint16]PortIOHandler
	lines   *LineSet
}
