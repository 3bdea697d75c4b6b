package render

import (
	"fmt"
	"strings"
)

// Grid is an immutable rows x cols matrix of device codes.
type Grid struct {
	rows, cols int
	cells      []int
}

func newGrid(rows, cols int) Grid {
	return Grid{rows: rows, cols: cols, cells: make([]int, rows*cols)}
}

// GridFromMatrix validates m and copies it into a Grid.
func GridFromMatrix(m [][]int) (Grid, error) {
	if len(m) == 0 || len(m[0]) == 0 {
		return Grid{}, fmt.Errorf("%w: empty matrix", ErrRender)
	}
	g := newGrid(len(m), len(m[0]))
	for r, row := range m {
		if len(row) != g.cols {
			return Grid{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrRender, r, len(row), g.cols)
		}
		for c, code := range row {
			if code < 0 || code > CodeFilled {
				return Grid{}, fmt.Errorf("%w: code %d at %d,%d", ErrRender, code, r, c)
			}
			g.cells[r*g.cols+c] = code
		}
	}
	return g, nil
}

func (g Grid) Rows() int { return g.rows }
func (g Grid) Cols() int { return g.cols }

func (g Grid) At(r, c int) int { return g.cells[r*g.cols+c] }

// Matrix returns a copy of the codes, row by row.
func (g Grid) Matrix() [][]int {
	out := make([][]int, g.rows)
	for r := range out {
		out[r] = append([]int(nil), g.cells[r*g.cols:(r+1)*g.cols]...)
	}
	return out
}

func (g Grid) Equal(o Grid) bool {
	if g.rows != o.rows || g.cols != o.cols {
		return false
	}
	for i, c := range g.cells {
		if o.cells[i] != c {
			return false
		}
	}
	return true
}

func (g Grid) IsBlank() bool {
	for _, c := range g.cells {
		if c != CodeBlank {
			return false
		}
	}
	return true
}

// Lines decodes each row, trailing blanks trimmed.
func (g Grid) Lines() []string {
	out := make([]string, g.rows)
	for r := 0; r < g.rows; r++ {
		out[r] = strings.TrimRight(Decode(g.cells[r*g.cols:(r+1)*g.cols]), " ")
	}
	return out
}

// String decodes the grid for logs, one row per line.
func (g Grid) String() string { return strings.Join(g.Lines(), "\n") }

// Preview is the non-blank rows joined with " / ".
func (g Grid) Preview() string {
	var parts []string
	for _, l := range g.Lines() {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " / ")
}
