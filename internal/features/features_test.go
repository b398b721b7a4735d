package features

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoMovesGame: player 1 plays cell 5, then player 0 plays cell 7, on a 4x4 board.
func twoMovesGame() *Game {
	return &Game{
		ID:      "two-moves",
		Dims:    Dims{Players: 2, Size: 4},
		History: []Move{{Player: 1, Cell: 5}, {Player: 0, Cell: 7}},
		Policies: []PolicyTarget{
			{{Cell: 5, Prob: 0.75}, {Cell: 6, Prob: 0.25}},
			{{Cell: 7, Prob: 0.5}, {Cell: 9, Prob: 0.5}, {Cell: 3, Prob: 0}},
		},
		Scores: []float32{1, 0},
	}
}

func TestExampleAt_Perspective(t *testing.T) {
	game := twoMovesGame()
	require.NoError(t, game.Validate())

	ex, err := ExampleAt(game, 1, Identity)
	require.NoError(t, err)
	state := ex.State

	// Player 0 acts at ply 1: its own plane is plane 0, and it has no pieces yet.
	assert.Equal(t, make([]float32, 16), state.Plane(0))
	// Player 1's piece at cell 5 shows up in plane 1.
	for cell := range 16 {
		want := float32(0)
		if cell == 5 {
			want = 1
		}
		assert.Equalf(t, want, state.At(1, cell), "plane 1, cell %d", cell)
	}
	// Only cells with non-zero target probability are legal.
	assert.Equal(t, []int{7, 9}, state.LegalCells())
	assert.Equal(t, float32(0.5), ex.Policy[7])
	assert.Equal(t, float32(0.5), ex.Policy[9])
	assert.Equal(t, float32(0), ex.Policy[3])
	assert.Equal(t, []float32{1, 0}, ex.Score)

	// At ply 0 nothing has been placed, player 1 acts.
	ex, err = ExampleAt(game, 0, Identity)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 32), ex.State.Data[:32])
	assert.Equal(t, []int{5, 6}, ex.State.LegalCells())
}

func TestExampleAt_FourPlayersRotation(t *testing.T) {
	game := &Game{
		Dims:     Dims{Players: 4, Size: 3},
		History:  []Move{{0, 0}, {1, 1}, {2, 5}},
		Policies: []PolicyTarget{{{0, 1}}, {{1, 1}}, {{5, 1}}},
		Scores:   []float32{0, 0, 1, 0},
	}
	ex, err := ExampleAt(game, 2, Identity)
	require.NoError(t, err)
	// Player 2 acts: planes are ordered 2, 3, 0, 1.
	assert.Empty(t, nonZero(ex.State.Plane(0)))
	assert.Empty(t, nonZero(ex.State.Plane(1)))
	assert.Equal(t, []int{0}, nonZero(ex.State.Plane(2)))
	assert.Equal(t, []int{1}, nonZero(ex.State.Plane(3)))
	assert.Equal(t, []int{5}, ex.State.LegalCells())
}

func TestExampleAt_Deterministic(t *testing.T) {
	game := twoMovesGame()
	ex1, err := ExampleAt(game, 1, Identity)
	require.NoError(t, err)
	ex2, err := ExampleAt(game, 1, Identity)
	require.NoError(t, err)
	assert.True(t, ex1.State.Equal(ex2.State))
	assert.Equal(t, ex1.Policy, ex2.Policy)
	assert.Equal(t, ex1.Score, ex2.Score)

	_, err = ExampleAt(game, 2, Identity)
	require.Error(t, err)
}

func TestTransform(t *testing.T) {
	dims := Dims{Players: 2, Size: 4}
	// Cell 1 is (row 0, col 1).
	assert.Equal(t, 2, FlipHorizontal.MapCell(dims, 1))
	assert.Equal(t, 13, FlipVertical.MapCell(dims, 1))
	assert.Equal(t, 14, (FlipHorizontal|FlipVertical).MapCell(dims, 1))
	assert.Equal(t, 1, Identity.MapCell(dims, 1))

	// Flips are involutions, and state and policy move together.
	game := twoMovesGame()
	plain, err := ExampleAt(game, 1, Identity)
	require.NoError(t, err)
	for _, tr := range []Transform{FlipHorizontal, FlipVertical, FlipHorizontal | FlipVertical} {
		ex, err := ExampleAt(game, 1, tr)
		require.NoError(t, err)
		back := tr.Apply(ex.State)
		assert.True(t, back.Equal(plain.State), "transform %d is not an involution", tr)
		assert.Equal(t, plain.Policy, tr.ApplyToPolicy(dims, ex.Policy))
		for _, cell := range ex.State.LegalCells() {
			assert.NotZerof(t, ex.Policy[cell], "legal cell %d has zero policy after transform %d", cell, tr)
		}
		assert.Equal(t, plain.Score, ex.Score)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	seen := make(map[Transform]bool)
	for range 100 {
		seen[RandomTransform(rng)] = true
	}
	assert.Len(t, seen, NumTransforms)
}

func TestGame_Validate(t *testing.T) {
	game := twoMovesGame()
	game.Policies = game.Policies[:1]
	require.Error(t, game.Validate())

	game = twoMovesGame()
	game.Scores = []float32{1}
	require.Error(t, game.Validate())

	game = twoMovesGame()
	game.History[0].Cell = 16
	require.Error(t, game.Validate())
}

func nonZero(values []float32) []int {
	var indices []int
	for ii, v := range values {
		if v != 0 {
			indices = append(indices, ii)
		}
	}
	return indices
}
