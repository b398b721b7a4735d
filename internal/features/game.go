package features

import (
	"github.com/pkg/errors"
)

// Move is one ply of a game: player placed a piece on cell.
type Move struct {
	Player int
	Cell   int
}

// ActionProb is one entry of a sparse PolicyTarget.
type ActionProb struct {
	Cell int
	Prob float32
}

// PolicyTarget is the sparse distribution over cells recorded when the move was chosen.
// Cells not listed have probability 0.
type PolicyTarget []ActionProb

// Dense returns the policy as a vector of numCells probabilities.
func (p PolicyTarget) Dense(numCells int) []float32 {
	dense := make([]float32, numCells)
	for _, ap := range p {
		dense[ap.Cell] = ap.Prob
	}
	return dense
}

// Game is a finished self-play game. It is immutable once handed over to the replay buffer.
type Game struct {
	// ID is only used for logging.
	ID string

	Dims Dims

	// History of moves, in the order they were played.
	History []Move

	// Policies has one target per move in History.
	Policies []PolicyTarget

	// Scores has the final outcome for each player (seat order, not egocentric).
	Scores []float32
}

// NumMoves is the number of plies played.
func (g *Game) NumMoves() int { return len(g.History) }

// Validate checks the game is consistent with its dimensions.
func (g *Game) Validate() error {
	if err := g.Dims.Validate(); err != nil {
		return errors.WithMessagef(err, "game %s", g.ID)
	}
	if len(g.History) != len(g.Policies) {
		return errors.Errorf("game %s has %d moves but %d policy targets", g.ID, len(g.History), len(g.Policies))
	}
	if len(g.Scores) != g.Dims.Players {
		return errors.Errorf("game %s has %d scores, wanted one per player (%d)", g.ID, len(g.Scores), g.Dims.Players)
	}
	numCells := g.Dims.NumCells()
	for ply, move := range g.History {
		if move.Player < 0 || move.Player >= g.Dims.Players {
			return errors.Errorf("game %s, ply %d: invalid player %d", g.ID, ply, move.Player)
		}
		if move.Cell < 0 || move.Cell >= numCells {
			return errors.Errorf("game %s, ply %d: invalid cell %d", g.ID, ply, move.Cell)
		}
		for _, ap := range g.Policies[ply] {
			if ap.Cell < 0 || ap.Cell >= numCells {
				return errors.Errorf("game %s, ply %d: policy target with invalid cell %d", g.ID, ply, ap.Cell)
			}
		}
	}
	return nil
}

// Example is one training example.
type Example struct {
	State  *BoardTensor
	Policy []float32
	Score  []float32
}
