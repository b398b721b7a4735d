package state

import (
	"fmt"
	"slices"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/generics"
	"github.com/pkg/errors"
)

// Derived holds information that is generated from the Board state.
type Derived struct {
	// LegalCells where NextPlayer can place, in increasing order.
	LegalCells []int

	// Finished is true if no more moves can be played.
	Finished bool

	// MaxMovesReached is true if the game finished because of the limit on the number of moves.
	MaxMovesReached bool
}

var (
	edgeDeltas     = [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	diagonalDeltas = [][2]int{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}}
)

// BuildDerived finds the next player able to act, starting from NextPlayer, and its legal cells.
// Players found without legal cells on their turn are eliminated.
func (b *Board) BuildDerived() {
	d := &Derived{}
	b.Derived = d
	if b.MaxMoves > 0 && b.NumMoves() >= b.MaxMoves {
		d.Finished = true
		d.MaxMovesReached = true
		return
	}
	for offset := range b.Players {
		player := (b.NextPlayer + offset) % b.Players
		if b.eliminated[player] {
			continue
		}
		legal := b.legalCellsFor(player)
		if len(legal) == 0 {
			b.eliminated[player] = true
			continue
		}
		b.NextPlayer = player
		d.LegalCells = legal
		return
	}
	d.Finished = true
}

// neighbour returns the cell at the given delta of cell, or false if it is out of the board.
func (b *Board) neighbour(cell int, delta [2]int) (int, bool) {
	row, col := b.RowCol(cell)
	row, col = row+delta[0], col+delta[1]
	if row < 0 || row >= b.Size || col < 0 || col >= b.Size {
		return 0, false
	}
	return b.Cell(row, col), true
}

// touchesEdge returns whether cell has an edge-adjacent piece of player.
func (b *Board) touchesEdge(player, cell int) bool {
	for _, delta := range edgeDeltas {
		if n, ok := b.neighbour(cell, delta); ok && b.PlayerAt(n) == player {
			return true
		}
	}
	return false
}

func (b *Board) legalCellsFor(player int) []int {
	if b.counts[player] == 0 {
		start := b.StartCell(player)
		if b.PlayerAt(start) != Empty {
			return nil
		}
		return []int{start}
	}
	candidates := generics.MakeSet[int]()
	for _, move := range b.history {
		if move.Player != player {
			continue
		}
		for _, delta := range diagonalDeltas {
			n, ok := b.neighbour(move.Cell, delta)
			if !ok || b.PlayerAt(n) != Empty || candidates.Has(n) {
				continue
			}
			if !b.touchesEdge(player, n) {
				candidates.Insert(n)
			}
		}
	}
	return slices.Collect(generics.SortedKeys(candidates))
}

// LegalCells where the next player can place. Empty if the game is finished.
func (b *Board) LegalCells() []int {
	return b.Derived.LegalCells
}

// IsLegal returns whether NextPlayer can place on cell.
func (b *Board) IsLegal(cell int) bool {
	_, found := slices.BinarySearch(b.Derived.LegalCells, cell)
	return found
}

// Act places a piece of NextPlayer on cell, and returns the new board. b is not changed.
func (b *Board) Act(cell int) (*Board, error) {
	if b.IsFinished() {
		return nil, errors.Errorf("game already finished (%s), can't place on cell %d", b.FinishReason(), cell)
	}
	if !b.IsLegal(cell) {
		return nil, errors.Errorf("player %d can't place on cell %d", b.NextPlayer, cell)
	}
	newB := b.Clone()
	player := b.NextPlayer
	newB.cells[cell] = int8(player)
	newB.counts[player]++
	newB.history = append(newB.history, features.Move{Player: player, Cell: cell})
	newB.NextPlayer = (player + 1) % b.Players
	newB.BuildDerived()
	return newB, nil
}

// IsFinished returns whether the board represents a finished game.
func (b *Board) IsFinished() bool {
	return b.Derived.Finished
}

// FinishReason describes why the game finished.
func (b *Board) FinishReason() string {
	switch {
	case !b.IsFinished():
		return "game not finished yet"
	case b.Derived.MaxMovesReached:
		return fmt.Sprintf("max number of moves %d was reached", b.MaxMoves)
	default:
		return "no player can place any more pieces"
	}
}

// Payoff returns the outcome for each player (seat order): the players with the most pieces placed share 1 equally,
// the others get 0. It is only meaningful once the game is finished.
func (b *Board) Payoff() []float32 {
	payoff := make([]float32, b.Players)
	best := slices.Max(b.counts)
	var numWinners int
	for _, count := range b.counts {
		if count == best {
			numWinners++
		}
	}
	for player, count := range b.counts {
		if count == best {
			payoff[player] = 1 / float32(numWinners)
		}
	}
	return payoff
}

// Encode returns the tensor for the current position, from the perspective of the next player.
func (b *Board) Encode() *features.BoardTensor {
	return features.EncodePosition(b.Dims, b.history, b.NextPlayer, b.Derived.LegalCells)
}
