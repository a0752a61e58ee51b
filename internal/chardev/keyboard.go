package chardev

import (
	"fmt"
	"io"
)

const (
	ps2DataPort    = 0x60
	ps2StatusPort  = 0x64
	ps2CommandPort = 0x64

	ps2StatusOutputFull = 1 << 0
	ps2StatusInputFull  = 1 << 1

	ps2CtrlReadConfig   = 0x20
	ps2CtrlWriteConfig  = 0x60
	ps2CtrlDisablePort1 = 0xad
	ps2CtrlEnablePort1  = 0xae
	ps2CtrlSelfTest     = 0xaa
	ps2CtrlTestPort1    = 0xab

	ps2ConfigPort1IRQ          = 1 << 0
	ps2ConfigPort1ClockDisable = 1 << 4

	ps2KbdReset        = 0xff
	ps2KbdSetScancode  = 0xf0
	ps2KbdEnableScan   = 0xf4
	ps2KbdAck          = 0xfa
	ps2KbdSelfTestPass = 0xaa

	ps2SelfTestOK = 0x55
	ps2PortTestOK = 0x00

	// ps2KeyboardIRQ is the legacy line of the first PS/2 port.
	ps2KeyboardIRQ = 1

	ps2PollLimit  = 1024
	ps2FlushLimit = 16
)

type keyboard struct {
	ops PortOps
	dec set1Decoder
}

func openKeyboard(ops PortOps) (Device, error) {
	k := &keyboard{ops: ops}
	if err := k.init(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *keyboard) fail(op string, err error) error {
	return &DeviceError{Model: PC99KeyboardPS2, Op: op, Err: err}
}

func (k *keyboard) init() error {
	if err := k.controllerCommand(ps2CtrlDisablePort1); err != nil {
		return err
	}
	if err := k.flush(); err != nil {
		return err
	}

	config, err := k.controllerQuery(ps2CtrlReadConfig)
	if err != nil {
		return err
	}
	// The config was read with port 1 disabled; writing it back unchanged
	// would disable the port again after it is enabled below.
	config &^= ps2ConfigPort1IRQ | ps2ConfigPort1ClockDisable
	if err := k.writeConfig(config); err != nil {
		return err
	}

	if err := k.expectController(ps2CtrlSelfTest, ps2SelfTestOK); err != nil {
		return err
	}
	if err := k.expectController(ps2CtrlTestPort1, ps2PortTestOK); err != nil {
		return err
	}
	if err := k.controllerCommand(ps2CtrlEnablePort1); err != nil {
		return err
	}

	if err := k.keyboardCommand(ps2KbdReset); err != nil {
		return err
	}
	if err := k.expectData("reset", ps2KbdSelfTestPass); err != nil {
		return err
	}
	if err := k.keyboardCommand(ps2KbdSetScancode, 1); err != nil {
		return err
	}

	if err := k.writeConfig(config | ps2ConfigPort1IRQ); err != nil {
		return err
	}
	// The scan-enable acknowledge is left in the output buffer; the first
	// read of the stream consumes it.
	if err := k.write(ps2DataPort, ps2KbdEnableScan); err != nil {
		return err
	}
	return nil
}

// ProducesInterrupt implements Device.
func (k *keyboard) ProducesInterrupt(irq int) bool {
	return irq == ps2KeyboardIRQ
}

// ReadByte implements Device.
func (k *keyboard) ReadByte() (byte, error) {
	for {
		status, err := k.ops.In8(ps2StatusPort)
		if err != nil {
			return 0, k.fail("read status", err)
		}
		if status&ps2StatusOutputFull == 0 {
			return 0, io.EOF
		}
		code, err := k.ops.In8(ps2DataPort)
		if err != nil {
			return 0, k.fail("read data", err)
		}
		if ch, ok := k.dec.feed(code); ok {
			return ch, nil
		}
	}
}

func (k *keyboard) write(port uint16, value byte) error {
	for i := 0; i < ps2PollLimit; i++ {
		status, err := k.ops.In8(ps2StatusPort)
		if err != nil {
			return k.fail("read status", err)
		}
		if status&ps2StatusInputFull == 0 {
			if err := k.ops.Out8(port, value); err != nil {
				return k.fail(fmt.Sprintf("write 0x%02x", value), err)
			}
			return nil
		}
	}
	return k.fail(fmt.Sprintf("write 0x%02x", value), fmt.Errorf("input buffer stuck full"))
}

func (k *keyboard) read(op string) (byte, error) {
	for i := 0; i < ps2PollLimit; i++ {
		status, err := k.ops.In8(ps2StatusPort)
		if err != nil {
			return 0, k.fail(op, err)
		}
		if status&ps2StatusOutputFull != 0 {
			v, err := k.ops.In8(ps2DataPort)
			if err != nil {
				return 0, k.fail(op, err)
			}
			return v, nil
		}
	}
	return 0, k.fail(op, fmt.Errorf("timed out waiting for data"))
}

func (k *keyboard) flush() error {
	for i := 0; i < ps2FlushLimit; i++ {
		status, err := k.ops.In8(ps2StatusPort)
		if err != nil {
			return k.fail("flush", err)
		}
		if status&ps2StatusOutputFull == 0 {
			return nil
		}
		if _, err := k.ops.In8(ps2DataPort); err != nil {
			return k.fail("flush", err)
		}
	}
	return k.fail("flush", fmt.Errorf("output buffer never drained"))
}

func (k *keyboard) controllerCommand(cmd byte) error {
	return k.write(ps2CommandPort, cmd)
}

func (k *keyboard) controllerQuery(cmd byte) (byte, error) {
	if err := k.controllerCommand(cmd); err != nil {
		return 0, err
	}
	return k.read(fmt.Sprintf("controller 0x%02x", cmd))
}

func (k *keyboard) expectController(cmd, want byte) error {
	got, err := k.controllerQuery(cmd)
	if err != nil {
		return err
	}
	if got != want {
		return k.fail(fmt.Sprintf("controller 0x%02x", cmd), fmt.Errorf("got 0x%02x, want 0x%02x", got, want))
	}
	return nil
}

func (k *keyboard) writeConfig(config byte) error {
	if err := k.controllerCommand(ps2CtrlWriteConfig); err != nil {
		return err
	}
	return k.write(ps2DataPort, config)
}

// keyboardCommand sends cmd and its arguments, requiring an acknowledge for
// each byte.
func (k *keyboard) keyboardCommand(cmd byte, args ...byte) error {
	for _, b := range append([]byte{cmd}, args...) {
		if err := k.write(ps2DataPort, b); err != nil {
			return err
		}
		if err := k.expectData(fmt.Sprintf("keyboard 0x%02x", cmd), ps2KbdAck); err != nil {
			return err
		}
	}
	return nil
}

func (k *keyboard) expectData(op string, want byte) error {
	got, err := k.read(op)
	if err != nil {
		return err
	}
	if got != want {
		return k.fail(op, fmt.Errorf("got 0x%02x, want 0x%02x", got, want))
	}
	return nil
}
