// Package config loads the root task's settings from YAML.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rootshim/internal/chardev"
	"github.com/tinyrange/rootshim/internal/fb"
	"github.com/tinyrange/rootshim/internal/kernel"
)

const (
	DefaultBadge            = 1
	DefaultSlots            = 4096
	DefaultVirtualPoolPages = 100
	DefaultIRQs             = 16
	DefaultVirtualBase      = 0x10000000
)

// Config is the full set of tunables. Every field is optional.
type Config struct {
	Framebuffer FramebufferConfig `yaml:"framebuffer"`
	Keyboard    KeyboardConfig    `yaml:"keyboard"`
	Allocator   AllocatorConfig   `yaml:"allocator"`
	Platform    PlatformConfig    `yaml:"platform"`
}

type FramebufferConfig struct {
	Base   uint64 `yaml:"base"`
	Size   int    `yaml:"size,omitempty"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Cached bool   `yaml:"cached,omitempty"`
}

type KeyboardConfig struct {
	Model string `yaml:"model"`
	Badge uint64 `yaml:"badge"`
	// IRQLines are probed in order; the first line the device claims wins.
	IRQLines []int `yaml:"irqLines,omitempty"`
}

type AllocatorConfig struct {
	Slots            int    `yaml:"slots"`
	VirtualPoolPages int    `yaml:"virtualPoolPages"`
	VirtualBase      uint64 `yaml:"virtualBase"`
}

// PlatformConfig sizes the simulated platform.
type PlatformConfig struct {
	IRQs    int `yaml:"irqs"`
	Objects int `yaml:"objects,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Framebuffer.Base == 0 {
		c.Framebuffer.Base = fb.EGATextBase
	}
	if c.Framebuffer.Size == 0 {
		c.Framebuffer.Size = fb.WindowSize
	}
	if c.Framebuffer.Width == 0 {
		c.Framebuffer.Width = fb.Width
	}
	if c.Framebuffer.Height == 0 {
		c.Framebuffer.Height = fb.Height
	}
	if c.Keyboard.Model == "" {
		c.Keyboard.Model = chardev.PC99KeyboardPS2.String()
	}
	if c.Keyboard.Badge == 0 {
		c.Keyboard.Badge = DefaultBadge
	}
	if c.Platform.IRQs == 0 {
		c.Platform.IRQs = DefaultIRQs
	}
	if len(c.Keyboard.IRQLines) == 0 {
		for line := 0; line < c.Platform.IRQs; line++ {
			c.Keyboard.IRQLines = append(c.Keyboard.IRQLines, line)
		}
	}
	if c.Allocator.Slots == 0 {
		c.Allocator.Slots = DefaultSlots
	}
	if c.Allocator.VirtualPoolPages == 0 {
		c.Allocator.VirtualPoolPages = DefaultVirtualPoolPages
	}
	if c.Allocator.VirtualBase == 0 {
		c.Allocator.VirtualBase = DefaultVirtualBase
	}
}

// Validate checks the normalized configuration.
func (c Config) Validate() error {
	f := c.Framebuffer
	if f.Base%kernel.PageSize != 0 {
		return fmt.Errorf("framebuffer base 0x%x is not page aligned", f.Base)
	}
	if f.Size <= 0 || f.Size%kernel.PageSize != 0 {
		return fmt.Errorf("framebuffer size %d is not a page multiple", f.Size)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("framebuffer geometry %dx%d is invalid", f.Width, f.Height)
	}
	if need := f.Width * f.Height * 2; need > f.Size {
		return fmt.Errorf("framebuffer %dx%d needs %d bytes, window is %d", f.Width, f.Height, need, f.Size)
	}
	if _, err := chardev.ParseModel(c.Keyboard.Model); err != nil {
		return err
	}
	for _, line := range c.Keyboard.IRQLines {
		if line < 0 || line >= c.Platform.IRQs {
			return fmt.Errorf("keyboard irq line %d outside 0..%d", line, c.Platform.IRQs-1)
		}
	}
	if c.Allocator.Slots < 0 || c.Allocator.VirtualPoolPages < 0 {
		return fmt.Errorf("allocator pools must not be negative")
	}
	if c.Allocator.VirtualBase%kernel.PageSize != 0 {
		return fmt.Errorf("virtual base 0x%x is not page aligned", c.Allocator.VirtualBase)
	}
	return nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Write encodes c as YAML.
func Write(w io.Writer, c Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config encoder: %w", err)
	}
	return nil
}
