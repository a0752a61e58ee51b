package input

import (
	"sync"
)

const (
	ps2CmdReset        = 0xff
	ps2CmdResend       = 0xfe
	ps2CmdSetDefaults  = 0xf6
	ps2CmdDisable      = 0xf5
	ps2CmdEnable       = 0xf4
	ps2CmdSetTypematic = 0xf3
	ps2CmdSetLEDs      = 0xed
	ps2CmdEcho         = 0xee
	ps2CmdSetScancode  = 0xf0
	ps2CmdIdentify     = 0xf2

	ps2ResponseAck      = 0xfa
	ps2ResponseResend   = 0xfe
	ps2ResponseError    = 0xfc
	ps2ResponseTestPass = 0xaa
	ps2ResponseEcho     = 0xee

	scancodeSet1 = 1
	scancodeSet2 = 2
	scancodeSet3 = 3
)

// PS2Keyboard implements a PS/2 keyboard attached to the first i8042 port.
type PS2Keyboard struct {
	mu sync.Mutex

	controller *I8042

	enabled        bool
	scancodeSet    int
	typematicRate  byte
	typematicDelay byte
	leds           byte // Caps Lock, Num Lock, Scroll Lock

	lastSent []byte

	expectingTypematic bool
	expectingLEDs      bool
	expectingScancode  bool
}

// NewPS2Keyboard creates a new PS/2 keyboard device.
func NewPS2Keyboard() *PS2Keyboard {
	return &PS2Keyboard{
		enabled:     true,
		scancodeSet: scancodeSet2,
	}
}

// SetController sets the i8042 controller this keyboard belongs to.
func (k *PS2Keyboard) SetController(ctrl *I8042) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.controller = ctrl
}

// Reset resets the keyboard to default state.
func (k *PS2Keyboard) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resetLocked()
}

func (k *PS2Keyboard) resetLocked() {
	k.enabled = true
	k.scancodeSet = scancodeSet2
	k.typematicRate = 0x20
	k.typematicDelay = 0x00
	k.leds = 0
	k.expectingTypematic = false
	k.expectingLEDs = false
	k.expectingScancode = false
}

// ScancodeSet reports the active scancode set.
func (k *PS2Keyboard) ScancodeSet() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.scancodeSet
}

// LEDs reports the last LED state written by the host.
func (k *PS2Keyboard) LEDs() byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.leds
}

// HandleCommand processes a byte written by the host and returns the bytes
// the keyboard answers with.
func (k *PS2Keyboard) HandleCommand(cmd byte) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	resp := k.handleCommandLocked(cmd)
	if cmd != ps2CmdResend {
		k.lastSent = resp
	}
	return resp
}

func (k *PS2Keyboard) handleCommandLocked(cmd byte) []byte {
	if k.expectingLEDs {
		k.leds = cmd
		k.expectingLEDs = false
		return []byte{ps2ResponseAck}
	}

	if k.expectingTypematic {
		k.typematicRate = cmd & 0x1f
		k.typematicDelay = (cmd >> 5) & 0x3
		k.expectingTypematic = false
		return []byte{ps2ResponseAck}
	}

	if k.expectingScancode {
		k.expectingScancode = false
		switch {
		case cmd == 0:
			return []byte{ps2ResponseAck, byte(k.scancodeSet)}
		case cmd >= scancodeSet1 && cmd <= scancodeSet3:
			k.scancodeSet = int(cmd)
			return []byte{ps2ResponseAck}
		default:
			return []byte{ps2ResponseError}
		}
	}

	switch cmd {
	case ps2CmdReset:
		k.resetLocked()
		return []byte{ps2ResponseAck, ps2ResponseTestPass}
	case ps2CmdResend:
		if len(k.lastSent) == 0 {
			return []byte{ps2ResponseResend}
		}
		return append([]byte{}, k.lastSent...)
	case ps2CmdSetDefaults:
		k.typematicRate = 0x20
		k.typematicDelay = 0x00
		return []byte{ps2ResponseAck}
	case ps2CmdDisable:
		k.enabled = false
		return []byte{ps2ResponseAck}
	case ps2CmdEnable:
		k.enabled = true
		return []byte{ps2ResponseAck}
	case ps2CmdSetTypematic:
		k.expectingTypematic = true
		return []byte{ps2ResponseAck}
	case ps2CmdSetLEDs:
		k.expectingLEDs = true
		return []byte{ps2ResponseAck}
	case ps2CmdEcho:
		return []byte{ps2ResponseEcho}
	case ps2CmdSetScancode:
		k.expectingScancode = true
		return []byte{ps2ResponseAck}
	case ps2CmdIdentify:
		// MF2 keyboard.
		return []byte{ps2ResponseAck, 0xab, 0x83}
	default:
		return []byte{ps2ResponseError}
	}
}

// SendKey sends a key press or release, given as a set 1 make code, in the
// keyboard's active scancode set.
func (k *PS2Keyboard) SendKey(scancode byte, pressed bool) {
	k.mu.Lock()
	if !k.enabled || k.controller == nil {
		k.mu.Unlock()
		return
	}
	var data []byte
	if k.scancodeSet == scancodeSet2 {
		code := translateScancodeSet1ToSet2(scancode)
		if pressed {
			data = []byte{code}
		} else {
			data = []byte{0xf0, code}
		}
	} else if pressed {
		data = []byte{scancode}
	} else {
		data = []byte{0x80 | scancode}
	}
	ctrl := k.controller
	k.mu.Unlock()

	ctrl.QueueKeyboardData(data...)
}

// set1ToSet2 maps set 1 make codes 0x00-0x46 to set 2.
var set1ToSet2 = [...]byte{
	0x00, 0x76, 0x05, 0x06, 0x04, 0x0c, 0x03, 0x0b, // 0x00
	0x83, 0x0a, 0x01, 0x09, 0x78, 0x07, 0x0e, 0x0f, // 0x08
	0x0d, 0x19, 0x1e, 0x1f, 0x20, 0x21, 0x22, 0x23, // 0x10
	0x24, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2e, 0x2f, // 0x18
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, // 0x20
	0x38, 0x39, 0x2a, 0x56, 0x2c, 0x2d, 0x2e, 0x2f, // 0x28
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x73, // 0x30
	0x1d, 0x39, 0x58, 0x07, 0x0f, 0x17, 0x1f, 0x27, // 0x38
	0x2f, 0x37, 0x3f, 0x47, 0x4f, 0x56, 0x57,       // 0x40
}

func translateScancodeSet1ToSet2(set1 byte) byte {
	if int(set1) < len(set1ToSet2) && set1ToSet2[set1] != 0 {
		return set1ToSet2[set1]
	}
	return set1
}
