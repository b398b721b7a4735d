package main

import (
	"strconv"

	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/janpfeifer/blokusGo/internal/ai/gomlx"
	"github.com/janpfeifer/blokusGo/internal/config"
	"github.com/janpfeifer/blokusGo/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// modelConfig completes the model configuration with the values from the training configuration:
// the checkpoint directory and the learning rate, if the model configuration doesn't set them.
func modelConfig(cfg *config.Config) string {
	params := parameters.NewFromConfigString(cfg.Model)
	if dir, found := params[gomlx.ModelKey]; found {
		if dir == "" && cfg.CheckpointDir != "" {
			params[gomlx.ModelKey] = cfg.CheckpointDir
		}
		params.SetIfMissing(optimizers.ParamLearningRate, strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64))
	}
	return params.String()
}

func createModel(cfg *config.Config) (ai.Model, error) {
	modelCfg := modelConfig(cfg)
	klog.V(1).Infof("Creating model from %q", modelCfg)
	model, err := ai.New(cfg.Dims(), modelCfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid model configuration (-model) %q", cfg.Model)
	}
	klog.Infof("Model: %s", model)
	return model, nil
}
