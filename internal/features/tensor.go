package features

import (
	"slices"
	"strings"
)

// BoardTensor holds Dims.NumPlanes() planes of Size x Size values, stored planes-major in Data.
//
// Planes [0, Players) hold the pieces of each player (egocentric order), and plane Players holds the legality
// mask for the player to act.
//
// Once created and returned by this package it should be treated as immutable.
type BoardTensor struct {
	Dims
	Data []float32
}

// NewBoardTensor returns an all-zero tensor.
func NewBoardTensor(dims Dims) *BoardTensor {
	return &BoardTensor{
		Dims: dims,
		Data: make([]float32, dims.TensorSize()),
	}
}

// Plane returns the slice of values of the given plane. It shares the underlying data.
func (t *BoardTensor) Plane(plane int) []float32 {
	numCells := t.NumCells()
	return t.Data[plane*numCells : (plane+1)*numCells]
}

// LegalPlane returns the legality mask plane.
func (t *BoardTensor) LegalPlane() []float32 {
	return t.Plane(t.Players)
}

// At returns the value of the cell in the given plane.
func (t *BoardTensor) At(plane, cell int) float32 {
	return t.Data[plane*t.NumCells()+cell]
}

func (t *BoardTensor) set(plane, cell int) {
	t.Data[plane*t.NumCells()+cell] = 1
}

// LegalCells returns the indices of the cells marked in the legality plane, in increasing order.
func (t *BoardTensor) LegalCells() []int {
	var cells []int
	for cell, v := range t.LegalPlane() {
		if v != 0 {
			cells = append(cells, cell)
		}
	}
	return cells
}

// Equal returns whether both tensors have the same dimensions and values.
func (t *BoardTensor) Equal(other *BoardTensor) bool {
	return t.Dims == other.Dims && slices.Equal(t.Data, other.Data)
}

// Clone returns a deep copy.
func (t *BoardTensor) Clone() *BoardTensor {
	return &BoardTensor{Dims: t.Dims, Data: slices.Clone(t.Data)}
}

// String renders each plane as a grid, "#" for set cells. Only used for debugging.
func (t *BoardTensor) String() string {
	var sb strings.Builder
	for plane := range t.NumPlanes() {
		if plane == t.Players {
			sb.WriteString("legal:\n")
		} else {
			sb.WriteString("plane ")
			sb.WriteByte(byte('0' + plane))
			sb.WriteString(":\n")
		}
		for row := range t.Size {
			for col := range t.Size {
				if t.At(plane, t.Cell(row, col)) != 0 {
					sb.WriteByte('#')
				} else {
					sb.WriteByte('.')
				}
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
