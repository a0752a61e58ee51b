package console

import "github.com/tinyrange/rootshim/internal/fb"

// Grid mirrors a text framebuffer with per-cell dirty tracking so only
// changed cells are redrawn.
type Grid struct {
	cells []fb.Cell
	dirty []bool
	cols  int
	rows  int

	stats GridStats
}

// GridStats tracks grid update statistics.
type GridStats struct {
	TotalCells  int
	DirtyCells  int
	SyncCalls   int
	FullRedraws int
}

// NewGrid creates a grid with every cell dirty.
func NewGrid(cols, rows int) *Grid {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	size := cols * rows
	g := &Grid{
		cells: make([]fb.Cell, size),
		dirty: make([]bool, size),
		cols:  cols,
		rows:  rows,
	}
	g.MarkAllDirty()
	return g
}

// Size returns the grid dimensions.
func (g *Grid) Size() (cols, rows int) {
	return g.cols, g.rows
}

// SetCell updates a cell and marks it dirty if it changed.
// Returns true if the cell was actually modified.
func (g *Grid) SetCell(x, y int, cell fb.Cell) bool {
	if x < 0 || x >= g.cols || y < 0 || y >= g.rows {
		return false
	}
	idx := y*g.cols + x
	if g.cells[idx] == cell {
		return false
	}
	g.cells[idx] = cell
	g.dirty[idx] = true
	return true
}

// CellAt returns the cell at (x, y) and whether the position is in bounds.
func (g *Grid) CellAt(x, y int) (fb.Cell, bool) {
	if x < 0 || x >= g.cols || y < 0 || y >= g.rows {
		return fb.Cell{}, false
	}
	return g.cells[y*g.cols+x], true
}

// MarkAllDirty marks all cells as dirty (for full redraw).
func (g *Grid) MarkAllDirty() {
	for i := range g.dirty {
		g.dirty[i] = true
	}
	g.stats.FullRedraws++
}

// ClearDirty clears all dirty flags.
func (g *Grid) ClearDirty() {
	for i := range g.dirty {
		g.dirty[i] = false
	}
}

// DirtyCount returns the number of dirty cells.
func (g *Grid) DirtyCount() int {
	count := 0
	for _, d := range g.dirty {
		if d {
			count++
		}
	}
	return count
}

// Stats returns current grid statistics.
func (g *Grid) Stats() GridStats {
	g.stats.TotalCells = g.cols * g.rows
	g.stats.DirtyCells = g.DirtyCount()
	return g.stats
}

// DirtyRun is a horizontal run of dirty cells.
type DirtyRun struct {
	X, Y  int
	Cells []fb.Cell
}

// DirtyRuns returns the dirty cells merged into per-row runs.
func (g *Grid) DirtyRuns() []DirtyRun {
	var runs []DirtyRun
	for y := 0; y < g.rows; y++ {
		x := 0
		for x < g.cols {
			if !g.dirty[y*g.cols+x] {
				x++
				continue
			}
			startX := x
			for x < g.cols && g.dirty[y*g.cols+x] {
				x++
			}
			runs = append(runs, DirtyRun{
				X:     startX,
				Y:     y,
				Cells: g.cells[y*g.cols+startX : y*g.cols+x],
			})
		}
	}
	return runs
}
