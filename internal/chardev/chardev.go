// Package chardev is the platform character-device library: it opens a
// driver for a device model over an I/O-operations table and exposes the
// byte stream the device produces.
package chardev

import (
	"errors"
	"fmt"
)

// Device is an opened character device.
type Device interface {
	// ProducesInterrupt reports whether the device raises irq.
	ProducesInterrupt(irq int) bool
	// ReadByte returns the next input byte, or io.EOF when no data is
	// currently available.
	ReadByte() (byte, error)
}

// PortOps is the I/O-operations table drivers use to reach device registers.
type PortOps interface {
	In8(port uint16) (uint8, error)
	Out8(port uint16, value uint8) error
}

// Model identifies a supported device.
type Model int

const (
	PC99KeyboardPS2 Model = iota + 1
)

func (m Model) String() string {
	switch m {
	case PC99KeyboardPS2:
		return "pc99-keyboard-ps2"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// ParseModel resolves a model name as printed by Model.String.
func ParseModel(name string) (Model, error) {
	switch name {
	case PC99KeyboardPS2.String():
		return PC99KeyboardPS2, nil
	default:
		return 0, fmt.Errorf("chardev: unknown device model %q", name)
	}
}

// ErrUnsupportedModel is returned by Open for models without a driver.
var ErrUnsupportedModel = errors.New("unsupported device model")

// DeviceError reports a fault inside a driver. Callers treat it as opaque.
type DeviceError struct {
	Model Model
	Op    string
	Err   error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chardev: %s: %s", e.Model, e.Op)
	}
	return fmt.Sprintf("chardev: %s: %s: %v", e.Model, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Open initialises the driver for model.
func Open(model Model, ops PortOps) (Device, error) {
	if ops == nil {
		return nil, fmt.Errorf("chardev: open %s: nil port ops", model)
	}
	switch model {
	case PC99KeyboardPS2:
		return openKeyboard(ops)
	default:
		return nil, fmt.Errorf("chardev: open %s: %w", model, ErrUnsupportedModel)
	}
}
