package input

import (
	"fmt"
	"sync"

	"github.com/tinyrange/rootshim/internal/chipset"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64

	i8042CommandReadCommandByte  = 0x20
	i8042CommandWriteCommandByte = 0x60
	i8042CommandControllerTest   = 0xaa
	i8042CommandTestFirstPort    = 0xab
	i8042CommandDisableFirstPort = 0xad
	i8042CommandEnableFirstPort  = 0xae
)

const (
	i8042StatusOutputFull = 1 << 0
	i8042StatusSystemFlag = 1 << 2
	i8042StatusKeyLock    = 1 << 4
)

const (
	i8042CommandBytePort1IRQ        = 1 << 0
	i8042CommandByteSystemFlag      = 1 << 2
	i8042CommandByteDisablePort1Clk = 1 << 4
)

const (
	i8042ResponseSelfTestOK = 0x55
	i8042ResponsePortOK     = 0x00
)

// KeyboardIRQ is the legacy interrupt line of the first PS/2 port.
const KeyboardIRQ = 1

// I8042 models the PS/2 controller: a command byte, an output FIFO shared by
// controller responses and keyboard data, and IRQ 1 driven high while the
// FIFO holds data and port 1 interrupts are enabled.
type I8042 struct {
	mu sync.Mutex

	irq      chipset.LineInterrupt
	keyboard *PS2Keyboard

	commandByte          byte
	output               []byte
	expectingCommandByte bool
}

// NewI8042 returns a controller with interrupts disabled and no keyboard.
func NewI8042() *I8042 {
	return &I8042{
		irq:         chipset.LineInterruptDetached(),
		commandByte: i8042CommandByteSystemFlag,
	}
}

// SetIRQ sets the line asserted for port 1 data.
func (c *I8042) SetIRQ(line chipset.LineInterrupt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	c.irq = line
	c.syncIRQLocked()
}

// AttachKeyboard connects kbd to port 1.
func (c *I8042) AttachKeyboard(kbd *PS2Keyboard) {
	c.mu.Lock()
	c.keyboard = kbd
	c.mu.Unlock()
	kbd.SetController(c)
}

// SupportsPortIO implements chipset.Device.
func (c *I8042) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports:   []uint16{i8042DataPort, i8042CommandPort},
		Handler: c,
	}
}

// Start implements chipset.Device.
func (c *I8042) Start() error { return nil }

// Stop implements chipset.Device.
func (c *I8042) Stop() error { return nil }

// Reset implements chipset.Device.
func (c *I8042) Reset() error {
	c.mu.Lock()
	c.commandByte = i8042CommandByteSystemFlag
	c.output = nil
	c.expectingCommandByte = false
	c.syncIRQLocked()
	kbd := c.keyboard
	c.mu.Unlock()

	if kbd != nil {
		kbd.Reset()
	}
	return nil
}

// ReadIOPort implements chipset.PortIOHandler.
func (c *I8042) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		switch port {
		case i8042CommandPort:
			data[i] = c.statusLocked()
		case i8042DataPort:
			data[i] = c.readDataLocked()
		default:
			return fmt.Errorf("i8042: invalid read port 0x%04x", port)
		}
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (c *I8042) WriteIOPort(port uint16, data []byte) error {
	for _, value := range data {
		switch port {
		case i8042CommandPort:
			c.mu.Lock()
			c.handleCommandLocked(value)
			c.mu.Unlock()
		case i8042DataPort:
			if err := c.handleDataWrite(value); err != nil {
				return err
			}
		default:
			return fmt.Errorf("i8042: invalid write port 0x%04x", port)
		}
	}
	return nil
}

// QueueKeyboardData places bytes sent by the keyboard in the output FIFO.
// Data is dropped while port 1 is disabled.
func (c *I8042) QueueKeyboardData(values ...byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandByte&i8042CommandByteDisablePort1Clk != 0 {
		return
	}
	for _, v := range values {
		c.queueOutputLocked(v)
	}
}

func (c *I8042) handleCommandLocked(command byte) {
	switch command {
	case i8042CommandReadCommandByte:
		c.queueOutputLocked(c.commandByte)
	case i8042CommandWriteCommandByte:
		c.expectingCommandByte = true
	case i8042CommandControllerTest:
		c.queueOutputLocked(i8042ResponseSelfTestOK)
	case i8042CommandTestFirstPort:
		c.queueOutputLocked(i8042ResponsePortOK)
	case i8042CommandDisableFirstPort:
		c.commandByte |= i8042CommandByteDisablePort1Clk
	case i8042CommandEnableFirstPort:
		c.commandByte &^= i8042CommandByteDisablePort1Clk
	}
	c.syncIRQLocked()
}

func (c *I8042) handleDataWrite(value byte) error {
	c.mu.Lock()
	if c.expectingCommandByte {
		c.commandByte = value
		c.expectingCommandByte = false
		c.syncIRQLocked()
		c.mu.Unlock()
		return nil
	}
	kbd := c.keyboard
	c.mu.Unlock()

	if kbd == nil {
		return nil
	}
	// Responses are queued after the controller lock is released; the
	// keyboard calls back into QueueKeyboardData.
	c.QueueKeyboardData(kbd.HandleCommand(value)...)
	return nil
}

func (c *I8042) statusLocked() byte {
	status := byte(i8042StatusKeyLock)
	if len(c.output) > 0 {
		status |= i8042StatusOutputFull
	}
	if c.commandByte&i8042CommandByteSystemFlag != 0 {
		status |= i8042StatusSystemFlag
	}
	return status
}

func (c *I8042) readDataLocked() byte {
	if len(c.output) == 0 {
		return 0x00
	}

	value := c.output[0]
	c.output = c.output[1:]
	c.syncIRQLocked()
	return value
}

func (c *I8042) queueOutputLocked(value byte) {
	c.output = append(c.output, value)
	c.syncIRQLocked()
}

func (c *I8042) syncIRQLocked() {
	c.irq.SetLevel(len(c.output) > 0 && c.commandByte&i8042CommandBytePort1IRQ != 0)
}

var (
	_ chipset.Device = &I8042{}
)
