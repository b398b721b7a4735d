package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/blokusGo/internal/features"
)

// Context hyperparameters specific to the network.
const (
	ParamBatchSize  = "batch_size"
	ParamBoardSize  = "board_size"
	ParamNumPlayers = "num_players"

	// ParamValueLossWeight is the weight of the value loss in the total loss.
	ParamValueLossWeight = "value_loss_weight"
)

// illegalLogit is added to the logits of the illegal cells, so their probability is ~0.
const illegalLogit = -1e4

// network holds the context (hyperparameters and variables) of the policy/value network, and builds its graphs.
type network struct {
	dims features.Dims
	ctx  *context.Context
}

// newNetwork creates the network with a fresh context, initialized with hyperparameters set to their defaults.
func newNetwork(dims features.Dims) *network {
	net := &network{dims: dims, ctx: context.New()}
	net.ctx.RngStateReset()
	net.ctx.SetParams(map[string]any{
		ParamBatchSize:       64,
		ParamBoardSize:       dims.Size,
		ParamNumPlayers:      dims.Players,
		ParamValueLossWeight: 1.0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "swish",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         1e-5,

		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  64,
		fnnLayer.ParamResidual:        true,
		fnnLayer.ParamNormalization:   "layer",
	})
	net.ctx = net.ctx.Checked(false)
	return net
}

// paddedSize returns a padded batch size for numStates.
// This is important so we don't have too many different versions of the program for every different batch size.
func (net *network) paddedSize(numStates int) int {
	if numStates <= 1 {
		// Always have the option to support 1.
		return 1
	}
	// Make sure the default batchSize is supported without padding.
	if numStates == context.GetParamOr(net.ctx, ParamBatchSize, 64) {
		return numStates
	}
	paddedSize := 8
	for paddedSize < numStates {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// createInputs returns the states tensor, the logits penalty of the illegal cells, and the number of states used.
// Padding rows are all zero, so they have a uniform policy.
func (net *network) createInputs(states []*features.BoardTensor) []*tensors.Tensor {
	numStates := len(states)
	paddedBatchSize := net.paddedSize(numStates)
	stateSize := net.dims.TensorSize()
	numCells := net.dims.NumCells()
	statesT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedBatchSize, stateSize))
	tensors.MutableFlatData(statesT, func(flat []float32) {
		for stateIdx, state := range states {
			copy(flat[stateIdx*stateSize:], state.Data)
		}
	})
	penaltyT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedBatchSize, numCells))
	tensors.MutableFlatData(penaltyT, func(flat []float32) {
		for stateIdx, state := range states {
			row := flat[stateIdx*numCells : (stateIdx+1)*numCells]
			for cell, legal := range state.LegalPlane() {
				if legal == 0 {
					row[cell] = illegalLogit
				}
			}
		}
	})
	return []*tensors.Tensor{statesT, penaltyT, tensors.FromScalar(int32(numStates))}
}

// createLabels returns the policy targets and the scores of the examples, padded to the same batch size as the
// inputs.
func (net *network) createLabels(examples []features.Example) []*tensors.Tensor {
	paddedBatchSize := net.paddedSize(len(examples))
	numCells := net.dims.NumCells()
	numPlayers := net.dims.Players
	policiesT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedBatchSize, numCells))
	tensors.MutableFlatData(policiesT, func(flat []float32) {
		for exampleIdx, example := range examples {
			copy(flat[exampleIdx*numCells:(exampleIdx+1)*numCells], example.Policy)
		}
	})
	scoresT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedBatchSize, numPlayers))
	tensors.MutableFlatData(scoresT, func(flat []float32) {
		for exampleIdx, example := range examples {
			copy(flat[exampleIdx*numPlayers:(exampleIdx+1)*numPlayers], example.Score)
		}
	})
	return []*tensors.Tensor{policiesT, scoresT}
}

// forwardGraph returns the policy probabilities, shaped [batchSize, numCells], and the values, shaped
// [batchSize, numPlayers]. Values are a distribution over the players, like the game payoff.
func (net *network) forwardGraph(ctx *context.Context, inputs []*Node) (policy, value *Node) {
	states, penalty := inputs[0], inputs[1]
	batchSize := states.Shape().Dim(0)
	logits := fnnLayer.New(ctx.In("policy"), states, net.dims.NumCells()).Done()
	logits.AssertDims(batchSize, net.dims.NumCells())
	policy = Softmax(Add(logits, penalty), -1)

	valueLogits := fnnLayer.New(ctx.In("value"), states, net.dims.Players).Done()
	valueLogits.AssertDims(batchSize, net.dims.Players)
	value = Softmax(valueLogits, -1)
	return
}

// getBatchMask returns a Float32 mask shaped [batchSize] with 1 for the used (not padding) examples.
func getBatchMask(states, numUsed *Node) *Node {
	g := states.Graph()
	batchSize := states.Shape().Dim(0)
	return ConvertDType(LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize), 0), numUsed), dtypes.Float32)
}

// lossGraph returns the total loss, and its value and policy components.
//
// The policy loss is the cross-entropy of the predicted policy with the target, and the value loss is the mean
// squared error of the values with the final scores. Both are averaged over the used examples only.
func (net *network) lossGraph(ctx *context.Context, inputs, labels []*Node) (total, valueLoss, policyLoss *Node) {
	policy, value := net.forwardGraph(ctx, inputs)
	targets, scores := labels[0], labels[1]
	mask := getBatchMask(inputs[0], inputs[2])
	numUsed := ConvertDType(inputs[2], dtypes.Float32)

	perExamplePolicy := Neg(ReduceSum(Mul(targets, Log(AddScalar(policy, 1e-7))), -1))
	policyLoss = Div(ReduceAllSum(Mul(perExamplePolicy, mask)), numUsed)

	perExampleValue := MulScalar(ReduceSum(Square(Sub(value, scores)), -1), 1.0/float64(net.dims.Players))
	valueLoss = Div(ReduceAllSum(Mul(perExampleValue, mask)), numUsed)

	weight := context.GetParamOr(ctx, ParamValueLossWeight, 1.0)
	total = Add(policyLoss, MulScalar(valueLoss, weight))
	return
}
