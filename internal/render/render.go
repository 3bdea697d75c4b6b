// Package render lays content out on the display's character grid.
//
// Rendering is pure: the same kind, payload and dimensions always produce
// the same grid.
package render

import (
	"errors"
	"fmt"
	"strings"

	"vestabot/internal/content"
)

var ErrRender = errors.New("render failed")

// Known board models.
const (
	ModelFlagship = "flagship"
	ModelNote     = "note"
)

// Dimensions returns the grid size of a board model.
func Dimensions(model string) (rows, cols int, ok bool) {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case ModelFlagship, "":
		return 6, 22, true
	case ModelNote:
		return 3, 15, true
	}
	return 0, 0, false
}

var marker = Encode("...")

type Renderer struct {
	rows, cols int
}

func New(rows, cols int) (*Renderer, error) {
	if rows <= 0 || cols < len(marker) || rows > 64 || cols > 256 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrRender, rows, cols)
	}
	return &Renderer{rows: rows, cols: cols}, nil
}

func (r *Renderer) Rows() int { return r.rows }
func (r *Renderer) Cols() int { return r.cols }

// Render lays out snap for kind.
func (r *Renderer) Render(kind content.Kind, snap content.Snapshot) (Grid, error) {
	switch kind {
	case content.KindClear:
		return newGrid(r.rows, r.cols), nil
	case content.KindText:
		p, ok := snap.Payload.(content.Text)
		if !ok {
			return Grid{}, mismatch(kind, snap.Payload)
		}
		return r.Text(p.Message)
	}

	layout, ok := layouts[kind]
	if !ok {
		return Grid{}, fmt.Errorf("%w: unknown kind %q", ErrRender, kind)
	}
	lines, err := layout(snap.Payload, r.cols)
	if err != nil {
		return Grid{}, err
	}
	return r.Lines(lines, false), nil
}

// Text word-wraps msg and centers it both ways.
func (r *Renderer) Text(msg string) (Grid, error) {
	codes := Encode(msg)
	if !hasVisible(codes) {
		return Grid{}, fmt.Errorf("%w: no displayable characters in %q", ErrRender, msg)
	}
	return r.place(r.wrap(codes), true), nil
}

// Lines lays out pre-formatted lines, wrapping any that are too long.
func (r *Renderer) Lines(lines []string, vcenter bool) Grid {
	var rows [][]int
	for _, l := range lines {
		codes := Encode(l)
		if len(codes) <= r.cols {
			rows = append(rows, trimBlank(codes))
			continue
		}
		rows = append(rows, r.wrap(codes)...)
	}
	return r.place(rows, vcenter)
}

// place fits rows into the grid: blank spacer rows are dropped first when
// there are too many, then the tail is cut and the last kept row marked.
func (r *Renderer) place(rows [][]int, vcenter bool) Grid {
	if len(rows) > r.rows {
		compact := rows[:0:0]
		for _, row := range rows {
			if len(row) > 0 {
				compact = append(compact, row)
			}
		}
		rows = compact
	}
	if len(rows) > r.rows {
		rows = append(rows[:r.rows-1:r.rows-1], withMarker(rows[r.rows-1], r.cols))
	}

	g := newGrid(r.rows, r.cols)
	top := 0
	if vcenter && len(rows) < r.rows {
		top = (r.rows - len(rows)) / 2
	}
	for i, row := range rows {
		left := (r.cols - len(row)) / 2
		copy(g.cells[(top+i)*r.cols+left:], row)
	}
	return g
}

func withMarker(row []int, cols int) []int {
	out := append([]int(nil), row...)
	if len(out)+len(marker) > cols {
		out = trimBlank(out[:cols-len(marker)])
	}
	return append(out, marker...)
}

// wrap breaks codes into rows of at most cols at blanks; longer words are split.
func (r *Renderer) wrap(codes []int) [][]int {
	var (
		rows [][]int
		cur  []int
	)
	flush := func() {
		if len(cur) > 0 {
			rows = append(rows, cur)
		}
		cur = nil
	}
	for _, word := range splitWords(codes) {
		for len(word) > r.cols {
			flush()
			rows = append(rows, word[:r.cols])
			word = word[r.cols:]
		}
		switch {
		case len(cur) == 0:
			cur = append([]int(nil), word...)
		case len(cur)+1+len(word) <= r.cols:
			cur = append(append(cur, CodeBlank), word...)
		default:
			flush()
			cur = append([]int(nil), word...)
		}
	}
	flush()
	return rows
}

func splitWords(codes []int) [][]int {
	var (
		words [][]int
		start = -1
	)
	for i, c := range codes {
		if c == CodeBlank {
			if start >= 0 {
				words = append(words, codes[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, codes[start:])
	}
	return words
}

func trimBlank(codes []int) []int {
	i, j := 0, len(codes)
	for i < j && codes[i] == CodeBlank {
		i++
	}
	for j > i && codes[j-1] == CodeBlank {
		j--
	}
	return codes[i:j]
}

func hasVisible(codes []int) bool {
	for _, c := range codes {
		if c != CodeBlank {
			return true
		}
	}
	return false
}

func mismatch(kind content.Kind, payload any) error {
	return fmt.Errorf("%w: kind %q got payload %T", ErrRender, kind, payload)
}
