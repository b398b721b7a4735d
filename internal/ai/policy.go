package ai

import (
	"slices"

	"github.com/chewxy/math32"
)

// Softmax returns the Softmax of the given logits in a numerically stable way.
func Softmax(logits []float32) (probs []float32) {
	probs = make([]float32, len(logits))
	if len(logits) == 0 {
		return
	}
	var sum float32

	// Subtracting maxValue from all logits keeps the probabilities the same, with smaller exponentials.
	maxValue := slices.Max(logits)
	for ii, value := range logits {
		probs[ii] = math32.Exp(value - maxValue)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return
}

// MaskPolicy restricts policy (one probability per cell) to the legal cells and renormalizes it.
// It returns one probability per legal cell, in the same order.
//
// If the policy gives no mass to the legal cells (or is not a valid number), the uniform distribution is returned.
func MaskPolicy(policy []float32, legalCells []int) []float32 {
	masked := make([]float32, len(legalCells))
	if len(legalCells) == 0 {
		return masked
	}
	var sum float32
	for ii, cell := range legalCells {
		p := policy[cell]
		if p < 0 || math32.IsNaN(p) {
			p = 0
		}
		masked[ii] = p
		sum += p
	}
	if sum <= 0 || math32.IsInf(sum, 0) {
		uniform := 1 / float32(len(legalCells))
		for ii := range masked {
			masked[ii] = uniform
		}
		return masked
	}
	for ii := range masked {
		masked[ii] /= sum
	}
	return masked
}
