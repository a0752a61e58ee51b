package chardev

import (
	"errors"
	"io"
	"testing"

	"github.com/tinyrange/rootshim/internal/chipset"
	"github.com/tinyrange/rootshim/internal/devices/amd64/input"
)

// chipsetPorts drives the emulated controller directly, without a kernel.
type chipsetPorts struct {
	cs *chipset.Chipset
}

func (p chipsetPorts) In8(port uint16) (uint8, error) {
	var b [1]byte
	err := p.cs.HandlePIO(port, b[:], false)
	return b[0], err
}

func (p chipsetPorts) Out8(port uint16, value uint8) error {
	return p.cs.HandlePIO(port, []byte{value}, true)
}

type levelRecorder struct {
	levels map[uint8]bool
	edges  int
}

func (r *levelRecorder) SetIRQ(line uint8, level bool) {
	if level && !r.levels[line] {
		r.edges++
	}
	r.levels[line] = level
}

type keyboardRig struct {
	ports chipsetPorts
	kbd   *input.PS2Keyboard
	irq   *levelRecorder
}

func newKeyboardRig(t *testing.T) *keyboardRig {
	t.Helper()
	rec := &levelRecorder{levels: make(map[uint8]bool)}
	b := chipset.NewBuilder(rec)
	ctrl := input.NewI8042()
	kbd := input.NewPS2Keyboard()
	ctrl.AttachKeyboard(kbd)
	ctrl.SetIRQ(b.Lines().AllocateLine(input.KeyboardIRQ))
	if err := b.RegisterDevice("i8042", ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return &keyboardRig{ports: chipsetPorts{cs: cs}, kbd: kbd, irq: rec}
}

func (r *keyboardRig) press(code byte) {
	r.kbd.SendKey(code, true)
	r.kbd.SendKey(code, false)
}

func TestOpenKeyboardLeavesScanEnableAck(t *testing.T) {
	rig := newKeyboardRig(t)
	dev, err := Open(PC99KeyboardPS2, rig.ports)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rig.kbd.ScancodeSet() != 1 {
		t.Fatalf("scancode set = %d, want 1", rig.kbd.ScancodeSet())
	}
	if !rig.irq.levels[input.KeyboardIRQ] {
		t.Fatalf("keyboard line low after init; expected the pending acknowledge to hold it high")
	}

	// The acknowledge decodes to nothing.
	if _, err := dev.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("first read = %v, want EOF", err)
	}
	if rig.irq.levels[input.KeyboardIRQ] {
		t.Fatalf("keyboard line still high after drain")
	}
}

func TestOpenKeyboardLeavesPortEnabled(t *testing.T) {
	rig := newKeyboardRig(t)
	dev, err := Open(PC99KeyboardPS2, rig.ports)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dev.ReadByte()

	if err := rig.ports.Out8(ps2CommandPort, ps2CtrlReadConfig); err != nil {
		t.Fatalf("read config: %v", err)
	}
	config, err := rig.ports.In8(ps2DataPort)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if config&ps2ConfigPort1ClockDisable != 0 {
		t.Fatalf("config 0x%02x leaves port 1 disabled", config)
	}
	if config&ps2ConfigPort1IRQ == 0 {
		t.Fatalf("config 0x%02x leaves port 1 interrupts off", config)
	}

	rig.press(0x23)
	status, err := rig.ports.In8(ps2StatusPort)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status&ps2StatusOutputFull == 0 {
		t.Fatalf("status 0x%02x: key press did not reach the controller", status)
	}
	if !rig.irq.levels[input.KeyboardIRQ] {
		t.Fatal("key press did not raise the keyboard line")
	}
}

func TestKeyboardReadsTypedCharacters(t *testing.T) {
	rig := newKeyboardRig(t)
	dev, err := Open(PC99KeyboardPS2, rig.ports)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dev.ReadByte()

	rig.press(0x23) // h
	rig.kbd.SendKey(set1LeftShift, true)
	rig.press(0x17) // I
	rig.kbd.SendKey(set1LeftShift, false)
	rig.press(0x1c) // enter

	var got []byte
	for {
		b, err := dev.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, b)
	}
	if string(got) != "hI\n" {
		t.Fatalf("read %q, want %q", got, "hI\n")
	}
}

func TestKeyboardProducesInterruptOnLineOne(t *testing.T) {
	rig := newKeyboardRig(t)
	dev, err := Open(PC99KeyboardPS2, rig.ports)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for irq := 0; irq < 16; irq++ {
		if got := dev.ProducesInterrupt(irq); got != (irq == 1) {
			t.Fatalf("ProducesInterrupt(%d) = %v", irq, got)
		}
	}
}

type failingPorts struct{}

func (failingPorts) In8(uint16) (uint8, error) { return 0, errors.New("bus fault") }
func (failingPorts) Out8(uint16, uint8) error  { return errors.New("bus fault") }

func TestOpenErrors(t *testing.T) {
	_, err := Open(PC99KeyboardPS2, failingPorts{})
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Model != PC99KeyboardPS2 {
		t.Fatalf("error = %v, want DeviceError", err)
	}

	if _, err := Open(Model(99), failingPorts{}); !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("error = %v, want ErrUnsupportedModel", err)
	}
	if _, err := Open(PC99KeyboardPS2, nil); err == nil {
		t.Fatal("nil ops accepted")
	}
}

func TestParseModel(t *testing.T) {
	m, err := ParseModel("pc99-keyboard-ps2")
	if err != nil || m != PC99KeyboardPS2 {
		t.Fatalf("ParseModel = %v, %v", m, err)
	}
	if _, err := ParseModel("usb"); err == nil {
		t.Fatal("unknown model accepted")
	}
}
