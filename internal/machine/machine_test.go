package machine

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/rootshim/internal/chardev"
	"github.com/tinyrange/rootshim/internal/config"
)

type directPorts struct{ m *Machine }

func (p directPorts) In8(port uint16) (uint8, error) {
	var b [1]byte
	err := p.m.Chipset.HandlePIO(port, b[:], false)
	return b[0], err
}

func (p directPorts) Out8(port uint16, value uint8) error {
	return p.m.Chipset.HandlePIO(port, []byte{value}, true)
}

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return m
}

func TestBootInfo(t *testing.T) {
	m := newMachine(t)
	info := m.BootInfo()
	if info.IRQControl.IsNull() || info.IOPortControl.IsNull() {
		t.Fatalf("missing control capabilities: %+v", info)
	}
	if info.FirstFree >= info.EndFree {
		t.Fatalf("empty slot range [%d, %d)", info.FirstFree, info.EndFree)
	}
	if info.VirtualSize != config.DefaultVirtualPoolPages*0x1000 {
		t.Fatalf("virtual size = 0x%x", info.VirtualSize)
	}
	if _, err := m.Memory.Slice(0xb8000, 0x1000); err != nil {
		t.Fatalf("ega window not backed: %v", err)
	}
}

func TestTypeRoundTripsThroughDriver(t *testing.T) {
	m := newMachine(t)
	dev, err := chardev.Open(chardev.PC99KeyboardPS2, directPorts{m})
	if err != nil {
		t.Fatalf("open keyboard: %v", err)
	}
	dev.ReadByte()

	if err := m.Type("Hi!\r\x03"); err != nil {
		t.Fatalf("type: %v", err)
	}

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
	if string(got) != "Hi!\n\x03" {
		t.Fatalf("read %q", got)
	}
}

func TestTypeByteRejectsUntypeable(t *testing.T) {
	m := newMachine(t)
	if err := m.TypeByte(0xe9); !errors.Is(err, ErrUntypeable) {
		t.Fatalf("error = %v, want ErrUntypeable", err)
	}
}
