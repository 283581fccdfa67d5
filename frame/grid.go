package frame

import "github.com/golang/geo/r2"

// Grid is a coarse spatial index over image locations, used to restrict
// descriptor matching to candidates near a predicted pixel.
type Grid struct {
	rows, cols    int
	width, height float64
	cells         [][]int
}

// NewGrid creates an empty rows x cols grid over a width x height image.
func NewGrid(rows, cols int, width, height float64) *Grid {
	return &Grid{
		rows:  rows,
		cols:  cols,
		width: width, height: height,
		cells: make([][]int, rows*cols),
	}
}

func (g *Grid) cellAt(p r2.Point) int {
	c := int(p.X / g.width * float64(g.cols))
	r := int(p.Y / g.height * float64(g.rows))
	if c < 0 {
		c = 0
	} else if c >= g.cols {
		c = g.cols - 1
	}
	if r < 0 {
		r = 0
	} else if r >= g.rows {
		r = g.rows - 1
	}
	return r*g.cols + c
}

// Insert adds a feature index at the given pixel location.
func (g *Grid) Insert(p r2.Point, idx int) {
	cell := g.cellAt(p)
	g.cells[cell] = append(g.cells[cell], idx)
}

// InsertSegment adds a feature index along the rasterized segment between two
// pixel locations, so line features are discoverable anywhere along the line.
func (g *Grid) InsertSegment(a, b r2.Point, idx int) {
	steps := int(b.Sub(a).Norm()/minCell(g)) + 1
	last := -1
	for s := 0; s <= steps; s++ {
		t := float64(s) / float64(steps)
		p := r2.Point{X: a.X + t*(b.X-a.X), Y: a.Y + t*(b.Y-a.Y)}
		cell := g.cellAt(p)
		if cell != last {
			g.cells[cell] = append(g.cells[cell], idx)
			last = cell
		}
	}
}

func minCell(g *Grid) float64 {
	cw := g.width / float64(g.cols)
	ch := g.height / float64(g.rows)
	if cw < ch {
		return cw
	}
	return ch
}

// Near returns the candidate feature indices within a window (in pixels)
// around a location. Indices may repeat when a segment spans several cells.
func (g *Grid) Near(p r2.Point, windowPx float64) []int {
	c0 := g.cellAt(r2.Point{X: p.X - windowPx, Y: p.Y - windowPx})
	c1 := g.cellAt(r2.Point{X: p.X + windowPx, Y: p.Y + windowPx})
	r0, col0 := c0/g.cols, c0%g.cols
	r1, col1 := c1/g.cols, c1%g.cols
	var out []int
	for r := r0; r <= r1; r++ {
		for c := col0; c <= col1; c++ {
			out = append(out, g.cells[r*g.cols+c]...)
		}
	}
	return out
}
