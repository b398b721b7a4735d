package ai

import (
	"fmt"
	"sync/atomic"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Uniform is a baseline Model that doesn't learn anything: it returns a uniform policy over all cells and a
// zero value for every player.
//
// It is selected with the "uniform" configuration, and it's handy to exercise self-play without a neural network.
type Uniform struct {
	Dims features.Dims

	numEvaluations, numTrainSteps atomic.Int64
}

var _ Model = (*Uniform)(nil)

// NewUniform creates a Uniform model for boards with the given dimensions.
func NewUniform(dims features.Dims) *Uniform {
	return &Uniform{Dims: dims}
}

func init() {
	RegisteredModels = append(RegisteredModels, func(dims features.Dims, params parameters.Params) (Model, error) {
		if _, found := params["uniform"]; !found {
			return nil, nil
		}
		delete(params, "uniform")
		return NewUniform(dims), nil
	})
}

// Evaluate implements Evaluator.
func (u *Uniform) Evaluate(states []*features.BoardTensor) (policies, values [][]float32, err error) {
	numCells := u.Dims.NumCells()
	policies = make([][]float32, len(states))
	values = make([][]float32, len(states))
	for ii, state := range states {
		if state.Dims != u.Dims {
			return nil, nil, errors.Errorf("model %s: state %d has dimensions %s", u, ii, state.Dims)
		}
		policy := make([]float32, numCells)
		for cell := range policy {
			policy[cell] = 1 / float32(numCells)
		}
		policies[ii] = policy
		values[ii] = make([]float32, u.Dims.Players)
	}
	u.numEvaluations.Add(int64(len(states)))
	return
}

// TrainStep implements Learner. It only counts the steps.
func (u *Uniform) TrainStep(examples []features.Example) (Loss, error) {
	if len(examples) == 0 {
		return Loss{}, errors.New("empty training batch")
	}
	u.numTrainSteps.Add(1)
	return Loss{}, nil
}

// Save implements Learner. There is nothing to save.
func (u *Uniform) Save() error {
	klog.V(1).Infof("Model %s has no parameters to save", u)
	return nil
}

// BatchSize implements Learner.
func (u *Uniform) BatchSize() int { return 32 }

// NumEvaluations returns the number of states evaluated so far.
func (u *Uniform) NumEvaluations() int64 { return u.numEvaluations.Load() }

// NumTrainSteps returns the number of training steps so far.
func (u *Uniform) NumTrainSteps() int64 { return u.numTrainSteps.Load() }

// String implements fmt.Stringer.
func (u *Uniform) String() string {
	return fmt.Sprintf("uniform[%s]", u.Dims)
}
