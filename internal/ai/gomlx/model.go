package gomlx

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/generics"
	"github.com/janpfeifer/blokusGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PolicyValue is the GoMLX policy/value model. It implements ai.Model.
//
// Evaluate can be called concurrently, TrainStep and Save are serialized with everything else.
type PolicyValue struct {
	net *network

	// Executors.
	evalExec, trainStepExec *context.Exec

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// batchSize cached from the context hyperparameters.
	batchSize int

	// muLearning "write" for learning, and "read" for evaluating.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// Assert PolicyValue is an ai.Model.
var _ ai.Model = (*PolicyValue)(nil)

// New creates the model for the game dimensions, loading it from checkpointDir if it's not empty.
// Remaining params are used to overwrite the hyperparameters, and are removed from params as they are consumed.
//
// If checkpointDir is "help", it logs the hyperparameters available and returns an error.
func New(dims features.Dims, checkpointDir string, params parameters.Params) (*PolicyValue, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	m := &PolicyValue{net: newNetwork(dims)}

	// Help if requested.
	if slices.Index([]string{"help", "--help", "-help", "-h"}, checkpointDir) != -1 {
		m.writeHyperparametersHelp()
		return nil, errors.Errorf("model %s help requested", ModelKey)
	}

	// Number of checkpoints to keep.
	keep, err := parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}

	// Create checkpoint, and load it if it exists.
	ctx := m.net.ctx
	if checkpointDir != "" {
		m.checkpoint, err = checkpoints.Build(ctx).Immediate().Keep(keep).Dir(checkpointDir).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s",
				ModelKey, checkpointDir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err = extractParams(ModelKey, params, ctx); err != nil {
		return nil, err
	}
	savedDims := features.Dims{
		Players: context.GetParamOr(ctx, ParamNumPlayers, dims.Players),
		Size:    context.GetParamOr(ctx, ParamBoardSize, dims.Size),
	}
	if savedDims != dims {
		return nil, errors.Errorf("model %s was created for %s boards, it can't be used for %s boards",
			m, savedDims, dims)
	}
	m.batchSize = context.GetParamOr(ctx, ParamBatchSize, 64)

	// Create the backend and the optimizer to be used in training.
	_ = backend()
	m.optimizer = optimizers.FromContext(ctx)
	m.createExecutors()

	// Force creating/loading of variables without race conditions first.
	if _, _, err = m.Evaluate([]*features.BoardTensor{features.NewBoardTensor(dims)}); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize model %s", m)
	}
	klog.V(1).Infof("Created model %s", m)
	return m, nil
}

func (m *PolicyValue) createExecutors() {
	muNewExec.Lock()
	defer muNewExec.Unlock()
	m.evalExec = context.NewExec(backend(), m.net.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			ctx = ctx.Checked(false)
			policy, value := m.net.forwardGraph(ctx, inputs)
			return []*graph.Node{policy, value}
		})
	m.evalExec.SetMaxCache(100)
	m.trainStepExec = context.NewExec(backend(), m.net.ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) []*graph.Node {
			ctx = ctx.Checked(false)
			inputs := inputsAndLabels[:3]
			labels := inputsAndLabels[3:]
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			total, valueLoss, policyLoss := m.net.lossGraph(ctx, inputs, labels)
			m.optimizer.UpdateGraph(ctx, g, total)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*graph.Node{total, valueLoss, policyLoss}
		})
	m.trainStepExec.SetMaxCache(100)
}

// String implements fmt.Stringer and ai.Model.
func (m *PolicyValue) String() string {
	if m == nil {
		return "<nil>[GoMLX]"
	}
	if m.checkpoint == nil {
		return fmt.Sprintf("%s[GoMLX,%s]", ModelKey, m.net.dims)
	}
	return fmt.Sprintf("%s[GoMLX,%s]@%s", ModelKey, m.net.dims, m.checkpoint.Dir())
}

func donate(inputs []*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
}

// Evaluate implements ai.Evaluator. Each state is evaluated independently: batching and padding don't change
// the results.
func (m *PolicyValue) Evaluate(states []*features.BoardTensor) (policies, values [][]float32, err error) {
	if len(states) == 0 {
		return nil, nil, nil
	}
	for ii, state := range states {
		if state.Dims != m.net.dims {
			return nil, nil, errors.Errorf("state #%d has dimensions %s, but model %s expects %s",
				ii, state.Dims, m, m.net.dims)
		}
	}
	inputs := m.net.createInputs(states)

	m.muLearning.RLock()
	var outputs []*tensors.Tensor
	err = errors.WithMessage(execCall(m.evalExec, &outputs, donate(inputs)), "evaluating states")
	m.muLearning.RUnlock()
	if err != nil {
		return nil, nil, err
	}

	numCells, numPlayers := m.net.dims.NumCells(), m.net.dims.Players
	flatPolicies := tensors.CopyFlatData[float32](outputs[0])
	flatValues := tensors.CopyFlatData[float32](outputs[1])
	policies = make([][]float32, len(states))
	values = make([][]float32, len(states))
	// Remove any padding.
	for ii := range states {
		policies[ii] = flatPolicies[ii*numCells : (ii+1)*numCells : (ii+1)*numCells]
		values[ii] = flatValues[ii*numPlayers : (ii+1)*numPlayers : (ii+1)*numPlayers]
	}
	return policies, values, nil
}

// execCall calls the executor, converting panics to errors.
func execCall(exec *context.Exec, outputs *[]*tensors.Tensor, args []any) error {
	return exceptions.TryCatch[error](func() { *outputs = exec.Call(args...) })
}

// TrainStep implements ai.Learner.
func (m *PolicyValue) TrainStep(examples []features.Example) (ai.Loss, error) {
	if len(examples) == 0 {
		return ai.Loss{}, errors.New("TrainStep called with no examples")
	}
	states := make([]*features.BoardTensor, len(examples))
	for ii, example := range examples {
		if example.State.Dims != m.net.dims || len(example.Policy) != m.net.dims.NumCells() ||
			len(example.Score) != m.net.dims.Players {
			return ai.Loss{}, errors.Errorf("example #%d doesn't match the model %s dimensions", ii, m)
		}
		states[ii] = example.State
	}
	inputs := append(m.net.createInputs(states), m.net.createLabels(examples)...)

	m.muLearning.Lock()
	defer m.muLearning.Unlock()
	var outputs []*tensors.Tensor
	if err := execCall(m.trainStepExec, &outputs, donate(inputs)); err != nil {
		return ai.Loss{}, errors.WithMessagef(err, "training step of model %s", m)
	}
	return ai.Loss{
		Total:  tensors.ToScalar[float32](outputs[0]),
		Value:  tensors.ToScalar[float32](outputs[1]),
		Policy: tensors.ToScalar[float32](outputs[2]),
	}, nil
}

// Save implements ai.Learner. It's a no-op, with a warning, if the model has no checkpoint directory.
func (m *PolicyValue) Save() error {
	if m.checkpoint == nil {
		klog.Warningf("Model %s is not associated to a checkpoint directory, not saving", m)
		return nil
	}
	m.muSave.Lock()
	defer m.muSave.Unlock()
	m.muLearning.RLock()
	defer m.muLearning.RUnlock()
	return errors.WithMessagef(m.checkpoint.Save(), "saving model %s", m)
}

// BatchSize returns the recommended training batch size and implements ai.Learner.
func (m *PolicyValue) BatchSize() int {
	return m.batchSize
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (m *PolicyValue) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s parameters:\n", ModelKey)
	_, _ = fmt.Fprintf(buf, "\t%s=<path_to_model> to use the model saved at the given directory, or\n", ModelKey)
	_, _ = fmt.Fprintf(buf, "\t%s= (empty) for a model with random weights that is never saved, or\n", ModelKey)
	_, _ = fmt.Fprintf(buf, "\t%s=help to show this help message\n", ModelKey)
	_, _ = fmt.Fprintf(buf, "\tkeep=10: number of checkpoints to keep\n")
	m.net.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}
