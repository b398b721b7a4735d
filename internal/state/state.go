// Package state holds the rules of the tile-placement game played in self-play.
//
// It's a simplified Blokus: every piece is a single cell. Each player starts on their own corner of the board
// (player 0 top-left, 1 top-right, 2 bottom-right, 3 bottom-left). Later pieces must touch a piece of the same
// player diagonally, but never along an edge. A player with no legal placement is out for the rest of the game.
//
// The game ends when no player can place, or after MaxMoves plies. Players with the most pieces placed share the
// payoff of 1.
package state

import (
	"fmt"
	"slices"
	"strings"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/pkg/errors"
)

const (
	// MaxPlayers supported: one per corner.
	MaxPlayers = 4

	// Empty marks a cell with no piece.
	Empty = -1
)

// Board is the game state. Boards are treated as immutable: Act returns a new Board.
type Board struct {
	features.Dims

	// MaxMoves after which the game is finished. 0 means no limit.
	MaxMoves int

	// NextPlayer is the player to act. Only meaningful if the game is not finished.
	NextPlayer int

	cells      []int8
	counts     []int
	eliminated []bool
	history    []features.Move

	// Derived information, regenerated after each move.
	Derived *Derived
}

// NewBoard creates an empty board with the given dimensions. Player 0 acts first.
func NewBoard(dims features.Dims, maxMoves int) (*Board, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	if dims.Players < 2 || dims.Players > MaxPlayers {
		return nil, errors.Errorf("the game is played by 2 to %d players, got %d", MaxPlayers, dims.Players)
	}
	if dims.Size < 2 {
		return nil, errors.Errorf("board size must be at least 2, got %d", dims.Size)
	}
	if maxMoves < 0 {
		return nil, errors.Errorf("invalid max moves %d", maxMoves)
	}
	b := &Board{
		Dims:       dims,
		MaxMoves:   maxMoves,
		cells:      make([]int8, dims.NumCells()),
		counts:     make([]int, dims.Players),
		eliminated: make([]bool, dims.Players),
	}
	for cell := range b.cells {
		b.cells[cell] = Empty
	}
	b.BuildDerived()
	return b, nil
}

// Clone makes a deep copy of the board, without the derived information.
func (b *Board) Clone() *Board {
	newB := &Board{}
	*newB = *b
	newB.Derived = nil
	newB.cells = slices.Clone(b.cells)
	newB.counts = slices.Clone(b.counts)
	newB.eliminated = slices.Clone(b.eliminated)
	newB.history = slices.Clip(b.history)
	return newB
}

// StartCell returns the corner where player must place its first piece.
func (b *Board) StartCell(player int) int {
	last := b.Size - 1
	switch player {
	case 0:
		return b.Cell(0, 0)
	case 1:
		return b.Cell(0, last)
	case 2:
		return b.Cell(last, last)
	default:
		return b.Cell(last, 0)
	}
}

// PlayerAt returns the player owning the cell, or Empty.
func (b *Board) PlayerAt(cell int) int {
	return int(b.cells[cell])
}

// Count returns the number of pieces placed by player.
func (b *Board) Count(player int) int {
	return b.counts[player]
}

// IsEliminated returns whether player can no longer place pieces.
func (b *Board) IsEliminated(player int) bool {
	return b.eliminated[player]
}

// History of the moves played so far. It must not be changed.
func (b *Board) History() []features.Move {
	return b.history
}

// NumMoves played so far.
func (b *Board) NumMoves() int {
	return len(b.history)
}

// String renders the board with one character per cell: '.' for empty cells, and the player number otherwise.
func (b *Board) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Board %s, move %d, next player %d:\n", b.Dims, b.NumMoves(), b.NextPlayer)
	for row := range b.Size {
		for col := range b.Size {
			player := b.PlayerAt(b.Cell(row, col))
			if player == Empty {
				sb.WriteByte('.')
			} else {
				sb.WriteByte(byte('0' + player))
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
