// Package ai (Artificial Intelligence) defines the interfaces the policy/value models used for self-play
// have to implement, and a registry of model implementations that can be selected by configuration.
package ai

import (
	"github.com/janpfeifer/blokusGo/internal/features"
)

// Evaluator scores batches of positions.
type Evaluator interface {
	// Evaluate returns for each state the policy (a probability per cell, D² values) and the value (the
	// expected outcome for each player, in seat order).
	//
	// It must accept any batch size >= 1, and batching must not change the per-item outputs.
	Evaluate(states []*features.BoardTensor) (policies, values [][]float32, err error)
}

// Loss components returned by a training step, mean over the batch.
type Loss struct {
	Total, Value, Policy float32
}

// Learner is the interface used to train a model.
type Learner interface {
	// TrainStep performs one training step (one update of the parameters) with the given batch.
	TrainStep(examples []features.Example) (Loss, error)

	// Save the model being learned, or create a new checkpoint.
	Save() error

	// BatchSize returns the batch size preferred by the learner.
	// It is used only as an optimization hint for the trainer.
	BatchSize() int
}

// Model is both an Evaluator and a Learner.
//
// Evaluate is read-only with respect to the parameters, and it must never be called concurrently with
// TrainStep: the caller is responsible for sequencing them.
type Model interface {
	Evaluator
	Learner

	// String returns the model name.
	String() string
}
