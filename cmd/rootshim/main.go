package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/muesli/cancelreader"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/rootshim/internal/boot"
	"github.com/tinyrange/rootshim/internal/config"
	"github.com/tinyrange/rootshim/internal/machine"
	"github.com/tinyrange/rootshim/internal/shim"
)

const ctrlC = 0x03

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rootshim: %v\n", err)
		os.Exit(1)
	}
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	render := flag.Bool("render", false, "Draw the EGA text buffer on the terminal")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot the keyboard and EGA root task on a simulated PC.\n")
		fmt.Fprintf(os.Stderr, "Keys typed on stdin are fed to the emulated PS/2 keyboard; Ctrl-C exits.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *dumpConfig {
		return config.Write(os.Stdout, cfg)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		&fixCrlf{w: os.Stderr},
		&slog.HandlerOptions{Level: level},
	)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := machine.New(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer m.Close()

	env, err := boot.Bootstrap(m.Kernel, m.BootInfo(), boot.Options{
		Slots:            cfg.Allocator.Slots,
		VirtualPoolPages: cfg.Allocator.VirtualPoolPages,
		Logger:           slog.Default(),
	})
	if err != nil {
		return err
	}

	opts := shim.Options{Output: &fixCrlf{w: os.Stdout}}
	if *render {
		opts.Render = os.Stdout
		opts.RenderOrigin = 1
	}
	s, err := shim.Start(env, cfg, opts)
	if err != nil {
		return err
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(stdin, oldState)
	}

	input, err := cancelreader.NewReader(os.Stdin)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer input.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		input.Cancel()
		return nil
	})
	g.Go(func() error {
		return pumpKeys(input, m, cancel)
	})
	return g.Wait()
}

// pumpKeys types host input on the emulated keyboard until stdin ends or
// Ctrl-C is read.
func pumpKeys(r io.Reader, m *machine.Machine, quit context.CancelFunc) error {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == ctrlC {
				quit()
				return nil
			}
			if err := m.TypeByte(b); err != nil {
				slog.Debug("rootshim: dropped host key", "byte", fmt.Sprintf("%#02x", b), "err", err)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, cancelreader.ErrCanceled):
			return nil
		default:
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}
