// Package fb writes character cells into a mapped text-mode framebuffer.
package fb

import (
	"encoding/binary"
	"fmt"
)

const (
	// EGATextBase is the physical address of the colour text buffer.
	EGATextBase = 0xb8000
	// WindowSize is the mapping requested for the text buffer.
	WindowSize = 0x1000

	Width  = 80
	Height = 25

	cellSize = 2
)

// Cell is one character position: a code point byte and its attribute.
type Cell struct {
	Char byte
	Attr byte
}

func (c Cell) encode() uint16 { return uint16(c.Char) | uint16(c.Attr)<<8 }

func decodeCell(v uint16) Cell { return Cell{Char: byte(v), Attr: byte(v >> 8)} }

// Window is a mapped text buffer interpreted as a width x height grid.
type Window struct {
	mem    []byte
	width  int
	height int
}

// NewWindow wraps mem as a width x height grid.
func NewWindow(mem []byte, width, height int) (*Window, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("fb: invalid geometry %dx%d", width, height)
	}
	if need := width * height * cellSize; len(mem) < need {
		return nil, fmt.Errorf("fb: window of %d bytes cannot hold %dx%d cells", len(mem), width, height)
	}
	return &Window{mem: mem, width: width, height: height}, nil
}

func (w *Window) Width() int  { return w.width }
func (w *Window) Height() int { return w.height }

// WriteRow stores content at row. It panics unless row is inside the grid
// and content holds exactly Width cells.
func (w *Window) WriteRow(row int, content []Cell) {
	if row < 0 || row >= w.height {
		panic(fmt.Sprintf("fb: row %d outside 0..%d", row, w.height-1))
	}
	if len(content) != w.width {
		panic(fmt.Sprintf("fb: row content has %d cells, want %d", len(content), w.width))
	}
	base := row * w.width
	for col, cell := range content {
		off := (base + col) * cellSize
		binary.LittleEndian.PutUint16(w.mem[off:off+cellSize], cell.encode())
	}
}

// CellAt reads the cell at (col, row).
func (w *Window) CellAt(col, row int) Cell {
	if col < 0 || col >= w.width || row < 0 || row >= w.height {
		panic(fmt.Sprintf("fb: cell (%d, %d) outside %dx%d", col, row, w.width, w.height))
	}
	off := (row*w.width + col) * cellSize
	return decodeCell(binary.LittleEndian.Uint16(w.mem[off : off+cellSize]))
}

// Row copies the cells of row.
func (w *Window) Row(row int) []Cell {
	out := make([]Cell, w.width)
	for col := range out {
		out[col] = w.CellAt(col, row)
	}
	return out
}

// ColumnPattern returns the test pattern for one row: column c holds the
// character '0'+c with attribute c.
func ColumnPattern(width int) []Cell {
	cells := make([]Cell, width)
	for col := range cells {
		cells[col] = Cell{Char: byte('0' + col), Attr: byte(col)}
	}
	return cells
}

// FillPattern writes ColumnPattern to every row.
func (w *Window) FillPattern() {
	pattern := ColumnPattern(w.width)
	for row := 0; row < w.height; row++ {
		w.WriteRow(row, pattern)
	}
}
