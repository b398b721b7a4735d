package selfplay

import (
	"context"
	"math/rand/v2"
	"slices"

	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/state"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// EpisodeOptions configure PolicyEpisode.
type EpisodeOptions struct {
	Dims features.Dims

	// MaxMoves per game, 0 for no limit.
	MaxMoves int

	// SampleMoves is the number of plies at the start of the game where the move is sampled from the policy
	// mixed with Dirichlet noise. Afterward the most likely move is played.
	SampleMoves int

	// DirichletAlpha is the concentration of the exploration noise.
	DirichletAlpha float64

	// ExplorationFraction is the weight of the noise in the mix.
	ExplorationFraction float64
}

// minTargetProb keeps every legal cell in the policy target, so the legality plane rebuilt from the target
// matches the one seen during self-play.
const minTargetProb = 1e-6

// PolicyEpisode returns an Episode that plays directly with the model policy, without tree search:
// at each ply the position is evaluated, the policy is restricted to the legal cells, and that distribution
// is both recorded as the policy target and used to pick the move.
func PolicyEpisode(opts EpisodeOptions) Episode {
	return func(ctx context.Context, evaluate EvaluateFn, rng *rand.Rand) (*features.Game, error) {
		board, err := state.NewBoard(opts.Dims, opts.MaxMoves)
		if err != nil {
			return nil, err
		}
		numCells := opts.Dims.NumCells()
		var policies []features.PolicyTarget
		for !board.IsFinished() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			legal := board.LegalCells()
			result, err := evaluate(ctx, board.Encode())
			if err != nil {
				return nil, errors.WithMessagef(err, "evaluating ply %d", board.NumMoves())
			}
			if len(result.Policy) != numCells {
				return nil, errors.Errorf("model returned a policy with %d values for a board with %d cells",
					len(result.Policy), numCells)
			}
			probs := ai.MaskPolicy(result.Policy, legal)
			probs = floorProbs(probs, minTargetProb)
			target := make(features.PolicyTarget, len(legal))
			for ii, cell := range legal {
				target[ii] = features.ActionProb{Cell: cell, Prob: probs[ii]}
			}
			policies = append(policies, target)

			var choice int
			if board.NumMoves() < opts.SampleMoves {
				choice = sampleIndex(addDirichletNoise(probs, opts.DirichletAlpha, opts.ExplorationFraction, rng), rng)
			} else {
				choice = argMax(probs)
			}
			board, err = board.Act(legal[choice])
			if err != nil {
				return nil, err
			}
		}
		return &features.Game{
			Dims:     opts.Dims,
			History:  slices.Clone(board.History()),
			Policies: policies,
			Scores:   board.Payoff(),
		}, nil
	}
}

// floorProbs raises every probability to at least minProb and renormalizes.
func floorProbs(probs []float32, minProb float32) []float32 {
	var sum float32
	for ii, p := range probs {
		probs[ii] = max(p, minProb)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return probs
}

// rngSource adapts a math/rand/v2 PCG to the source interface used by gonum's distributions.
type rngSource struct {
	*rand.PCG
}

// Seed implements the gonum random source.
func (s rngSource) Seed(seed uint64) {
	s.PCG.Seed(seed, seed)
}

// addDirichletNoise returns (1-fraction)*probs + fraction*noise, with noise drawn from a symmetric Dirichlet
// distribution with the given alpha.
func addDirichletNoise(probs []float32, alpha, fraction float64, rng *rand.Rand) []float32 {
	if fraction <= 0 || alpha <= 0 || len(probs) < 2 {
		return probs
	}
	gamma := distuv.Gamma{Alpha: alpha, Beta: 1, Src: rngSource{rand.NewPCG(rng.Uint64(), rng.Uint64())}}
	noise := make([]float64, len(probs))
	var sum float64
	for ii := range noise {
		noise[ii] = gamma.Rand()
		sum += noise[ii]
	}
	mixed := make([]float32, len(probs))
	for ii, p := range probs {
		n := 1 / float64(len(probs))
		if sum > 0 {
			n = noise[ii] / sum
		}
		mixed[ii] = float32((1-fraction)*float64(p) + fraction*n)
	}
	return mixed
}

// sampleIndex draws an index with probability proportional to weights.
func sampleIndex(weights []float32, rng *rand.Rand) int {
	var total float32
	for _, w := range weights {
		total += w
	}
	r := rng.Float32() * total
	for ii, w := range weights {
		r -= w
		if r < 0 {
			return ii
		}
	}
	return len(weights) - 1
}

// argMax returns the index of the largest value, the first one on ties.
func argMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}
