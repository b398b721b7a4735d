// Package gomlx implements ai.Model with GoMLX: a policy/value network trained by the self-play rounds.
//
// For now only the "a0fnn" model is implemented: feed-forward networks on the raw board tensor, with one head
// for the policy logits and one head for the per-player values. The model is selected with the configuration
// "a0fnn=<checkpoint_dir>", where an empty directory means a model with random weights that is never saved.
package gomlx

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/parameters"
	"github.com/pkg/errors"
)

// ModelKey is the configuration key that selects the model.
const ModelKey = "a0fnn"

var (
	// Backend is a singleton, the same for all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec serializes the creation of executors.
	muNewExec sync.Mutex
)

const notSpecified = "#<not_specified>"

// init registers the model builder, so end users can select it with ai.New.
func init() {
	ai.RegisteredModels = append(ai.RegisteredModels,
		func(dims features.Dims, params parameters.Params) (ai.Model, error) {
			checkpointDir, _ := parameters.PopParamOr(params, ModelKey, notSpecified)
			if checkpointDir == notSpecified {
				return nil, nil
			}
			model, err := New(dims, checkpointDir, params)
			if err != nil {
				return nil, err
			}
			return model, nil
		})
}

// extractParams and write them as context hyperparameters.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}
