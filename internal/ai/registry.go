package ai

import (
	"strings"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelBuilder creates a model for the given board dimensions if it recognizes its keyword in params.
// It should pop the parameters it uses from params.
//
// If the params don't select this model, it must return nil, nil.
type ModelBuilder func(dims features.Dims, params parameters.Params) (Model, error)

// RegisteredModels is the list of model builders tried in order by New.
// Model implementations register themselves on init.
var RegisteredModels []ModelBuilder

// New creates the model described by config, a comma-separated list of parameters with optional values, e.g.:
// "a0fnn=/path/to/checkpoint,keep=3".
//
// Parameters left unused by the model are an error, so that typos are not silently ignored.
func New(dims features.Dims, config string) (Model, error) {
	config = strings.TrimSpace(config)
	if config == "" {
		return nil, errors.New("empty model configuration")
	}
	params := parameters.NewFromConfigString(config)
	for _, builder := range RegisteredModels {
		model, err := builder(dims, params)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create model from %q", config)
		}
		if model == nil {
			continue
		}
		if len(params) > 0 {
			return nil, errors.Errorf("model %s: unknown parameters %q in configuration %q", model, params.Keys(), config)
		}
		klog.V(1).Infof("Created model %s from %q", model, config)
		return model, nil
	}
	return nil, errors.Errorf("no registered model matches configuration %q", config)
}
