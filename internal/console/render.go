// Package console draws a text-mode framebuffer on an ANSI terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/rootshim/internal/fb"
)

// cp437Low holds the glyphs of code points 0x00-0x1f.
var cp437Low = []rune(" ☺☻♥♦♣♠•◘○◙♂♀♪♫☼►◄↕‼¶§▬↨↑↓→←∟↔▲▼")

// vgaToANSI maps the VGA colour order (blue before red) to ANSI order.
var vgaToANSI = [8]ansi.BasicColor{
	ansi.Black, ansi.Blue, ansi.Green, ansi.Cyan,
	ansi.Red, ansi.Magenta, ansi.Yellow, ansi.White,
}

// Glyph returns the rune drawn for a code page 437 byte. Bytes above 0x7f
// are drawn as '?'.
func Glyph(ch byte) rune {
	switch {
	case int(ch) < len(cp437Low):
		return cp437Low[ch]
	case ch == 0x7f:
		return '⌂'
	case ch > 0x7f:
		return '?'
	default:
		return rune(ch)
	}
}

// Style returns the SGR sequence for a VGA attribute byte: low nibble
// foreground, bits 4-6 background. The blink bit is ignored.
func Style(attr byte) string {
	fg := vgaToANSI[attr&0x7]
	if attr&0x8 != 0 {
		fg += 8
	}
	bg := vgaToANSI[(attr>>4)&0x7]
	var s ansi.Style
	return s.ForegroundColor(fg).BackgroundColor(bg).String()
}

// Renderer redraws the cells of a framebuffer window that changed since the
// previous Sync.
type Renderer struct {
	mu   sync.Mutex
	w    io.Writer
	grid *Grid
	// origin is the 1-based terminal row of framebuffer row 0.
	origin int
}

// NewRenderer draws a cols x rows framebuffer starting at terminal row
// origin (1-based).
func NewRenderer(w io.Writer, cols, rows, origin int) *Renderer {
	if origin < 1 {
		origin = 1
	}
	return &Renderer{w: w, grid: NewGrid(cols, rows), origin: origin}
}

// Clear erases the terminal and schedules a full redraw.
func (r *Renderer) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grid.MarkAllDirty()
	_, err := io.WriteString(r.w, ansi.EraseEntireScreen+ansi.CursorPosition(1, 1))
	return err
}

// Sync copies win into the shadow grid and writes the changed cells.
func (r *Renderer) Sync(win *fb.Window) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cols, rows := r.grid.Size()
	for y := 0; y < rows && y < win.Height(); y++ {
		for x := 0; x < cols && x < win.Width(); x++ {
			r.grid.SetCell(x, y, win.CellAt(x, y))
		}
	}
	r.grid.stats.SyncCalls++

	runs := r.grid.DirtyRuns()
	if len(runs) == 0 {
		return nil
	}

	var b strings.Builder
	lastAttr := -1
	for _, run := range runs {
		b.WriteString(ansi.CursorPosition(run.X+1, r.origin+run.Y))
		for _, cell := range run.Cells {
			if int(cell.Attr) != lastAttr {
				b.WriteString(Style(cell.Attr))
				lastAttr = int(cell.Attr)
			}
			b.WriteRune(Glyph(cell.Char))
		}
	}
	b.WriteString(ansi.ResetStyle)
	b.WriteString(ansi.CursorPosition(1, r.origin+rows))

	if _, err := io.WriteString(r.w, b.String()); err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	r.grid.ClearDirty()
	return nil
}

// Stats reports the shadow grid counters.
func (r *Renderer) Stats() GridStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grid.Stats()
}
