package state

import (
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// play the given cells in order, failing the test on illegal moves.
func play(t *testing.T, b *Board, cells ...int) *Board {
	for _, cell := range cells {
		var err error
		b, err = b.Act(cell)
		require.NoErrorf(t, err, "placing on cell %d", cell)
	}
	return b
}

func TestNewBoard(t *testing.T) {
	b, err := NewBoard(features.Dims{Players: 4, Size: 5}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, b.NextPlayer)
	assert.Equal(t, []int{0}, b.LegalCells())
	assert.Equal(t, []int{0, 4, 24, 20}, []int{b.StartCell(0), b.StartCell(1), b.StartCell(2), b.StartCell(3)})
	assert.False(t, b.IsFinished())

	_, err = NewBoard(features.Dims{Players: 5, Size: 5}, 0)
	require.Error(t, err)
	_, err = NewBoard(features.Dims{Players: 1, Size: 5}, 0)
	require.Error(t, err)
	_, err = NewBoard(features.Dims{Players: 2, Size: 1}, 0)
	require.Error(t, err)
	_, err = NewBoard(features.Dims{Players: 2, Size: 4}, -1)
	require.Error(t, err)
}

func TestAct(t *testing.T) {
	b0, err := NewBoard(features.Dims{Players: 2, Size: 4}, 0)
	require.NoError(t, err)
	b1 := play(t, b0, 0)
	assert.Equal(t, 1, b1.NextPlayer)
	assert.Equal(t, []int{3}, b1.LegalCells())

	// Boards are immutable.
	assert.Equal(t, Empty, b0.PlayerAt(0))
	assert.Equal(t, 0, b0.NumMoves())
	assert.Equal(t, 0, b1.PlayerAt(0))

	b2 := play(t, b1, 3)
	assert.Equal(t, []int{5}, b2.LegalCells())
	b3 := play(t, b2, 5)
	assert.Equal(t, []int{6}, b3.LegalCells())

	b4 := play(t, b3, 6)
	assert.Equal(t, 0, b4.NextPlayer)
	assert.Equal(t, []int{2, 8, 10}, b4.LegalCells())

	_, err = b4.Act(9)
	require.Error(t, err)
	_, err = b4.Act(1)
	require.Error(t, err)

	assert.Equal(t, []features.Move{
		{Player: 0, Cell: 0}, {Player: 1, Cell: 3}, {Player: 0, Cell: 5}, {Player: 1, Cell: 6}}, b4.History())
}

func TestEdgeRule(t *testing.T) {
	// Single cell pieces grown diagonally from a corner never touch along an edge, so the position is built
	// directly: player 0 on cells 0 and 4, (0,0) and (1,0).
	b, err := NewBoard(features.Dims{Players: 2, Size: 4}, 0)
	require.NoError(t, err)
	for _, cell := range []int{0, 4} {
		b.cells[cell] = 0
		b.counts[0]++
		b.history = append(b.history, features.Move{Player: 0, Cell: cell})
	}
	// Cells 1 and 5 are diagonal to one piece but edge-adjacent to the other.
	assert.Equal(t, []int{9}, b.legalCellsFor(0))
}

func TestElimination(t *testing.T) {
	b, err := NewBoard(features.Dims{Players: 2, Size: 2}, 0)
	require.NoError(t, err)
	b = play(t, b, 0, 1, 3, 2)
	require.True(t, b.IsFinished())
	assert.True(t, b.IsEliminated(0))
	assert.True(t, b.IsEliminated(1))
	assert.Empty(t, b.LegalCells())
	assert.Equal(t, []float32{0.5, 0.5}, b.Payoff())
	assert.Contains(t, b.FinishReason(), "no player")
	_, err = b.Act(0)
	require.Error(t, err)
}

func TestEliminatedPlayerIsSkipped(t *testing.T) {
	// Player 0 takes the only diagonal cell reachable by player 1 on a 3x3 board.
	b, err := NewBoard(features.Dims{Players: 2, Size: 3}, 0)
	require.NoError(t, err)
	b = play(t, b, 0, 2, 4)
	// Player 1 at (0,2) can only go to (1,1)=4, taken: it's out, and player 0 plays again.
	assert.True(t, b.IsEliminated(1))
	assert.Equal(t, 0, b.NextPlayer)
	assert.Equal(t, []int{6, 8}, b.LegalCells())
	b = play(t, b, 6, 8)
	assert.True(t, b.IsFinished())
	assert.Equal(t, []float32{1, 0}, b.Payoff())
}

func TestMaxMoves(t *testing.T) {
	b, err := NewBoard(features.Dims{Players: 2, Size: 4}, 1)
	require.NoError(t, err)
	b = play(t, b, 0)
	assert.True(t, b.IsFinished())
	assert.Contains(t, b.FinishReason(), "max number of moves")
	assert.Equal(t, []float32{1, 0}, b.Payoff())
}

func TestEncode(t *testing.T) {
	b, err := NewBoard(features.Dims{Players: 3, Size: 4}, 0)
	require.NoError(t, err)
	b = play(t, b, 0, 3)
	encoded := b.Encode()
	assert.Equal(t, b.LegalCells(), encoded.LegalCells())
	assert.Equal(t, []int{15}, encoded.LegalCells())

	// Player 2 to act: player 0 is plane 1, player 1 plane 2.
	assert.Equal(t, float32(1), encoded.At(1, 0))
	assert.Equal(t, float32(1), encoded.At(2, 3))
	assert.Equal(t, float32(0), encoded.At(0, 0))
}

func TestRandomGames(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for _, dims := range []features.Dims{{Players: 4, Size: 6}, {Players: 2, Size: 7}, {Players: 3, Size: 5}} {
		for range 20 {
			b, err := NewBoard(dims, 0)
			require.NoError(t, err)
			for !b.IsFinished() {
				legal := b.LegalCells()
				require.NotEmpty(t, legal)
				b = play(t, b, legal[rng.IntN(len(legal))])
			}

			// No piece is edge-adjacent to another piece of the same player.
			for cell := range dims.NumCells() {
				if player := b.PlayerAt(cell); player != Empty {
					assert.Falsef(t, b.touchesEdge(player, cell), "cell %d of player %d:\n%s", cell, player, b)
				}
			}
			var total int
			for player := range dims.Players {
				total += b.Count(player)
				assert.True(t, b.IsEliminated(player))
			}
			assert.Equal(t, b.NumMoves(), total)
			var sum float32
			for _, p := range b.Payoff() {
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-6)
		}
	}
}
