// Package features converts game histories into the plane tensors consumed by the models: one plane per player
// with the pieces placed so far, plus a legality mask plane for the player to act.
//
// Planes are always egocentric: the player to act occupies plane 0, the next player to act plane 1, and so on.
// This way the model sees the same kind of input regardless of the seat of the player.
//
// The same encoding is used for live positions (EncodePosition, during self-play) and for the reconstruction of
// training examples from finished games (ExampleAt), so the legality masking seen in training matches inference.
package features

import (
	"fmt"

	"github.com/pkg/errors"
)

// Dims of the board and number of players.
type Dims struct {
	// Players is the number of players, and the number of player planes.
	Players int

	// Size of the board: boards are Size x Size cells.
	Size int
}

// DefaultDims is the standard four-player 20x20 board.
var DefaultDims = Dims{Players: 4, Size: 20}

// NumCells in the board, also the length of the policy vectors.
func (d Dims) NumCells() int { return d.Size * d.Size }

// NumPlanes is the number of player planes plus the legality plane.
func (d Dims) NumPlanes() int { return d.Players + 1 }

// TensorSize is the total number of values in a BoardTensor.
func (d Dims) TensorSize() int { return d.NumPlanes() * d.NumCells() }

// Cell index for the given row and column.
func (d Dims) Cell(row, col int) int { return row*d.Size + col }

// RowCol returns the row and column of a cell index.
func (d Dims) RowCol(cell int) (row, col int) { return cell / d.Size, cell % d.Size }

// Validate returns an error if the dimensions are not usable.
func (d Dims) Validate() error {
	if d.Players < 1 {
		return errors.Errorf("invalid number of players %d", d.Players)
	}
	if d.Size < 1 {
		return errors.Errorf("invalid board size %d", d.Size)
	}
	return nil
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%d/%dp", d.Size, d.Size, d.Players)
}

// EgocentricPlane returns the plane index of player's pieces, when toMove is the player to act.
func (d Dims) EgocentricPlane(player, toMove int) int {
	return (player - toMove + d.Players) % d.Players
}
