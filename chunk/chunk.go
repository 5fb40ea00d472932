// Package chunk maps between the reduced chunk grid an explainer selects
// over and the full-resolution pixel grid of the original input.
package chunk

import (
	"github.com/pkg/errors"
)

// ErrChunkSize is returned when the chunk size does not evenly divide the
// input's rows and columns.
var ErrChunkSize = errors.New("chunk size must evenly divide input rows and columns")

// Grid describes a rows x cols pixel plane cut into size x size chunks.
// Both chunks and pixels are numbered row-major.
type Grid struct {
	Rows int
	Cols int
	Size int
}

// NewGrid validates the geometry and returns a Grid.
func NewGrid(rows, cols, size int) (*Grid, error) {
	if rows <= 0 || cols <= 0 || size <= 0 {
		return nil, errors.Errorf("invalid grid %dx%d with chunk size %d", rows, cols, size)
	}
	if rows%size != 0 || cols%size != 0 {
		return nil, errors.Wrapf(ErrChunkSize, "%dx%d with chunk size %d", rows, cols, size)
	}
	return &Grid{Rows: rows, Cols: cols, Size: size}, nil
}

// ChunkRows returns the number of chunk rows.
func (g *Grid) ChunkRows() int { return g.Rows / g.Size }

// ChunkCols returns the number of chunk columns.
func (g *Grid) ChunkCols() int { return g.Cols / g.Size }

// NumChunks returns the number of chunks in the grid.
func (g *Grid) NumChunks() int { return g.ChunkRows() * g.ChunkCols() }

// ChunkOf returns the chunk containing pixel p.
func (g *Grid) ChunkOf(p int) int {
	r, c := p/g.Cols, p%g.Cols
	return (r/g.Size)*g.ChunkCols() + c/g.Size
}

// Pixels returns the full-resolution pixel indices covered by chunk n, in
// row-major order.
func (g *Grid) Pixels(n int) []int {
	cr, cc := n/g.ChunkCols(), n%g.ChunkCols()
	out := make([]int, 0, g.Size*g.Size)
	for dr := 0; dr < g.Size; dr++ {
		row := (cr*g.Size + dr) * g.Cols
		for dc := 0; dc < g.Size; dc++ {
			out = append(out, row+cc*g.Size+dc)
		}
	}
	return out
}

// Remap converts per-sample selected chunk indices into the pixel indices
// they cover. Each output row holds len(row)*Size*Size indices, chunk by
// chunk in the order given.
func (g *Grid) Remap(idx [][]int) ([][]int, error) {
	n := g.NumChunks()
	out := make([][]int, len(idx))
	for b, row := range idx {
		px := make([]int, 0, len(row)*g.Size*g.Size)
		for _, c := range row {
			if c < 0 || c >= n {
				return nil, errors.Errorf("sample %d: chunk index %d out of range [0,%d)", b, c, n)
			}
			px = append(px, g.Pixels(c)...)
		}
		out[b] = px
	}
	return out, nil
}
