// Package shim is the root task: it brings up the PS/2 keyboard behind a
// badged interrupt, writes the EGA test pattern and then serves keyboard
// interrupts forever.
package shim

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rootshim/internal/adapter"
	"github.com/tinyrange/rootshim/internal/boot"
	"github.com/tinyrange/rootshim/internal/chardev"
	"github.com/tinyrange/rootshim/internal/config"
	"github.com/tinyrange/rootshim/internal/console"
	"github.com/tinyrange/rootshim/internal/dispatch"
	"github.com/tinyrange/rootshim/internal/fb"
	"github.com/tinyrange/rootshim/internal/kernel"
)

const (
	ps2FirstPort = 0x60
	ps2LastPort  = 0x64
)

// Options controls where the shim's output goes.
type Options struct {
	// Output receives one "You typed [c]" line per keyboard byte. When nil
	// the lines go to the logger.
	Output io.Writer
	// Render, when set, receives the framebuffer drawn as ANSI text.
	Render io.Writer
	// RenderOrigin is the 1-based terminal row of framebuffer row 0.
	RenderOrigin int

	Logger *slog.Logger
}

// Shim holds everything the root task set up.
type Shim struct {
	env *boot.Env
	log *slog.Logger
	out io.Writer

	channel  kernel.CapPath
	keyboard *adapter.Adapter
	vram     boot.Mapping
	window   *fb.Window
	renderer *console.Renderer
	table    *dispatch.Table
	loop     *dispatch.Loop
}

// Start performs every setup step in order. The first failure is returned
// naming the step; nothing is live at that point.
func Start(env *boot.Env, cfg config.Config, opts Options) (*Shim, error) {
	logger := opts.Logger
	if logger == nil {
		logger = env.Log
	}
	s := &Shim{env: env, log: logger, out: opts.Output}

	logger.Info("init keyboard")
	model, err := chardev.ParseModel(cfg.Keyboard.Model)
	if err != nil {
		return nil, fmt.Errorf("shim: init keyboard: %w", err)
	}
	ops, err := env.PortOps(ps2FirstPort, ps2LastPort)
	if err != nil {
		return nil, fmt.Errorf("shim: init keyboard: %w", err)
	}
	dev, err := chardev.Open(model, ops)
	if err != nil {
		return nil, fmt.Errorf("shim: init keyboard: %w", err)
	}

	s.channel, err = env.Slots.NewNotification()
	if err != nil {
		return nil, fmt.Errorf("shim: create notification: %w", err)
	}

	s.keyboard, err = adapter.Setup(env.Kernel, env.Slots, env.Info.IRQControl, dev, adapter.Config{
		Name:    model.String(),
		Lines:   cfg.Keyboard.IRQLines,
		Channel: s.channel,
		Tag:     kernel.Badge(cfg.Keyboard.Badge),
		Sink:    s.report,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("shim: keyboard adapter: %w", err)
	}

	logger.Info("map EGA memory")
	s.vram, err = env.MapPhys(cfg.Framebuffer.Base, cfg.Framebuffer.Size, cfg.Framebuffer.Cached)
	if err != nil {
		return nil, fmt.Errorf("shim: map framebuffer: %w", err)
	}
	logger.Info("EGA mapped")

	s.window, err = fb.NewWindow(s.vram.Mem, cfg.Framebuffer.Width, cfg.Framebuffer.Height)
	if err != nil {
		return nil, fmt.Errorf("shim: framebuffer: %w", err)
	}
	pattern := fb.ColumnPattern(s.window.Width())
	for row := 0; row < s.window.Height(); row++ {
		logger.Info("VRAM mapped at", "vaddr", fmt.Sprintf("%#x", s.vram.VAddr), "row", row)
		s.window.WriteRow(row, pattern)
	}

	if opts.Render != nil {
		s.renderer = console.NewRenderer(opts.Render, s.window.Width(), s.window.Height(), opts.RenderOrigin)
		if err := s.renderer.Clear(); err != nil {
			return nil, fmt.Errorf("shim: render: %w", err)
		}
		if err := s.renderer.Sync(s.window); err != nil {
			return nil, fmt.Errorf("shim: render: %w", err)
		}
	}

	s.table = dispatch.NewTable()
	if err := s.table.Register(s.keyboard.Tag(), s.keyboard); err != nil {
		return nil, fmt.Errorf("shim: dispatch table: %w", err)
	}
	s.loop = dispatch.NewLoop(env.Kernel, s.channel, s.table, logger)
	return s, nil
}

func (s *Shim) report(b byte) {
	if s.out == nil {
		s.log.Info(fmt.Sprintf("You typed [%c]", b))
		return
	}
	fmt.Fprintf(s.out, "You typed [%c]\n", b)
}

// Run serves interrupts until ctx is done.
func (s *Shim) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

func (s *Shim) Window() *fb.Window          { return s.window }
func (s *Shim) Keyboard() *adapter.Adapter  { return s.keyboard }
func (s *Shim) Loop() *dispatch.Loop        { return s.loop }
func (s *Shim) Channel() kernel.CapPath     { return s.channel }
func (s *Shim) Renderer() *console.Renderer { return s.renderer }
func (s *Shim) Framebuffer() boot.Mapping   { return s.vram }

// Run sets the shim up and serves interrupts until ctx is done.
func Run(ctx context.Context, env *boot.Env, cfg config.Config, opts Options) error {
	s, err := Start(env, cfg, opts)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
