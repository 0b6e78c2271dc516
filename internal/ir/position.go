package ir

import "fmt"

// Position is a grid cell.
type Position struct {
	Row int `json:"row" yaml:"row"`
	Col int `json:"col" yaml:"col"`
}

// String renders the position as "(row,col)".
func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Row, p.Col)
}

// Ptr returns a pointer to a copy of p.
func (p Position) Ptr() *Position {
	return &p
}

// Chebyshev returns the ring distance between two cells.
func (p Position) Chebyshev(o Position) int {
	dr := abs(p.Row - o.Row)
	dc := abs(p.Col - o.Col)
	if dr > dc {
		return dr
	}
	return dc
}

// Dimensions is the extent of the altar grid.
type Dimensions struct {
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

// Contains reports whether p lies inside [0,Rows)×[0,Cols).
func (d Dimensions) Contains(p Position) bool {
	return p.Row >= 0 && p.Row < d.Rows && p.Col >= 0 && p.Col < d.Cols
}

// Cells returns the number of cells in the grid.
func (d Dimensions) Cells() int {
	if d.Rows <= 0 || d.Cols <= 0 {
		return 0
	}
	return d.Rows * d.Cols
}

// Placement is an element instance occupying a cell.
type Placement struct {
	ElementID   string   `json:"elementId"`
	ElementType string   `json:"elementType"`
	Position    Position `json:"position"`
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
