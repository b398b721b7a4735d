package features

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
)

// EncodePosition builds the tensor for the position reached after history, from the perspective of toMove.
// legalCells are marked in the legality plane.
func EncodePosition(dims Dims, history []Move, toMove int, legalCells []int) *BoardTensor {
	t := NewBoardTensor(dims)
	for _, move := range history {
		t.set(dims.EgocentricPlane(move.Player, toMove), move.Cell)
	}
	for _, cell := range legalCells {
		t.set(dims.Players, cell)
	}
	return t
}

// ExampleAt reconstructs the training example for the given ply of a game:
//
//  1. Replays moves [0, ply) into the player planes.
//  2. Rotates the player planes so the player acting at ply is plane 0.
//  3. Uses the policy target of ply as the policy label, and marks the cells with non-zero probability as legal.
//  4. Applies the board symmetry transform to both state and policy.
//
// The score is the final outcome of the game, and is not affected by the transform.
// With the same arguments the result is always the same.
func ExampleAt(game *Game, ply int, transform Transform) (Example, error) {
	if ply < 0 || ply >= game.NumMoves() {
		return Example{}, errors.Errorf("ply %d out of range for game %s with %d moves", ply, game.ID, game.NumMoves())
	}
	dims := game.Dims
	target := game.Policies[ply]
	legalCells := make([]int, 0, len(target))
	for _, ap := range target {
		if ap.Prob != 0 {
			legalCells = append(legalCells, ap.Cell)
		}
	}
	state := EncodePosition(dims, game.History[:ply], game.History[ply].Player, legalCells)
	policy := target.Dense(dims.NumCells())
	return Example{
		State:  transform.Apply(state),
		Policy: transform.ApplyToPolicy(dims, policy),
		Score:  slices.Clone(game.Scores),
	}, nil
}

// Transform is a symmetry of the square board, a combination of flips.
type Transform uint8

const (
	Identity       Transform = 0
	FlipHorizontal Transform = 1 // Mirror columns.
	FlipVertical   Transform = 2 // Mirror rows.

	// NumTransforms is the number of distinct transforms.
	NumTransforms = 4
)

// RandomTransform picks one of the NumTransforms uniformly.
func RandomTransform(rng *rand.Rand) Transform {
	switch rng.IntN(NumTransforms) {
	case 1:
		return FlipHorizontal
	case 2:
		return FlipVertical
	case 3:
		return FlipHorizontal | FlipVertical
	default:
		return Identity
	}
}

// MapCell returns where cell goes under the transform.
func (tr Transform) MapCell(dims Dims, cell int) int {
	row, col := dims.RowCol(cell)
	if tr&FlipHorizontal != 0 {
		col = dims.Size - 1 - col
	}
	if tr&FlipVertical != 0 {
		row = dims.Size - 1 - row
	}
	return dims.Cell(row, col)
}

// Apply returns the transformed tensor. For Identity it returns t itself.
func (tr Transform) Apply(t *BoardTensor) *BoardTensor {
	if tr == Identity {
		return t
	}
	out := NewBoardTensor(t.Dims)
	numCells := t.NumCells()
	for plane := range t.NumPlanes() {
		src, dst := t.Plane(plane), out.Plane(plane)
		for cell := range numCells {
			dst[tr.MapCell(t.Dims, cell)] = src[cell]
		}
	}
	return out
}

// ApplyToPolicy returns the transformed dense policy vector. For Identity it returns policy itself.
func (tr Transform) ApplyToPolicy(dims Dims, policy []float32) []float32 {
	if tr == Identity {
		return policy
	}
	out := make([]float32, len(policy))
	for cell, p := range policy {
		out[tr.MapCell(dims, cell)] = p
	}
	return out
}
