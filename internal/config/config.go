// Package config holds the configuration of the self-play training server, validated once at startup.
//
// Required fields must be set explicitly. Defaulted fields left at zero get their default value, and each default
// applied is logged as a warning, so a missing setting is never silently hidden.
//
// The exploration fields (SampleMoves, DirichletAlpha and ExplorationFraction) accept 0 as a valid setting (no
// exploration), so they use Unset instead of zero to ask for the default. Create configurations with New to have
// them unset.
package config

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/janpfeifer/blokusGo/internal/state"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrInvalid is returned (wrapped) by Validate for any configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Unset marks an exploration field to be set to its default by Validate.
const Unset = -1

// Defaults of the defaulted fields.
const (
	DefaultBatchDuration       = 5 * time.Millisecond
	DefaultRoundsPerCheckpoint = 1
	DefaultMinGamesToTrain     = 1
	DefaultBoardSize           = 20
	DefaultNumPlayers          = 4
	DefaultSampleMoves         = 30
	DefaultDirichletAlpha      = 0.3
	DefaultExplorationFraction = 0.25
	DefaultLearningRate        = 0.01
)

// Config enumerates every tunable of the system.
type Config struct {
	// Required.

	// BufferCapacity is the maximum number of games kept in the replay buffer.
	BufferCapacity int

	// NumWorkers is the number of concurrent self-play workers.
	NumWorkers int

	// GamesPerWorker is the number of games each worker plays per round.
	GamesPerWorker int

	// TrainStepsPerRound is the number of training steps after each self-play round.
	TrainStepsPerRound int

	// TrainBatchSize is the number of examples per training step.
	TrainBatchSize int

	// Defaulted.

	// BatchDuration is the interval between drains of the inference scheduler.
	BatchDuration time.Duration

	// ContinuousDrain makes the scheduler drain without waiting BatchDuration.
	ContinuousDrain bool

	// MaxInferenceBatch limits the number of states evaluated at once. 0 means no limit.
	MaxInferenceBatch int

	// RequestTimeout for each evaluation request. 0 means no timeout.
	RequestTimeout time.Duration

	// RoundsPerCheckpoint is the number of rounds between checkpoints.
	RoundsPerCheckpoint int

	// MaxRounds after which the training stops (with a final checkpoint). 0 means no limit.
	MaxRounds int

	// MinGamesToTrain is the minimum number of games in the buffer before training starts.
	MinGamesToTrain int

	// BoardSize and NumPlayers of the game.
	BoardSize, NumPlayers int

	// MaxMoves per game. 0 means no limit.
	MaxMoves int

	// SampleMoves is the number of initial plies where moves are sampled with exploration noise.
	// 0 disables sampling: the most likely move is always played. Unset for the default.
	SampleMoves int

	// DirichletAlpha and ExplorationFraction configure the exploration noise. 0 disables the noise.
	// Unset for the default.
	DirichletAlpha, ExplorationFraction float64

	// LearningRate of the model optimizer.
	LearningRate float64

	// Augment training examples with random board flips.
	Augment bool

	// Seed for all random number generators. 0 means time based.
	Seed uint64

	// CheckpointDir where model checkpoints and training statistics are saved. Empty to not save.
	CheckpointDir string

	// Model configuration, e.g. "a0fnn=<checkpoint_dir>,fnn_num_hidden_nodes=64".
	Model string
}

// Dims of the game configured.
// New returns a Config with every field to be defaulted: zero, or Unset for the exploration fields.
// The required fields still need to be set.
func New() *Config {
	return &Config{SampleMoves: Unset, DirichletAlpha: Unset, ExplorationFraction: Unset}
}

func (c *Config) Dims() features.Dims {
	return features.Dims{Players: c.NumPlayers, Size: c.BoardSize}
}

// Validate checks the configuration and sets the defaults of zero valued defaulted fields.
// All problems found are reported at once, in an error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs *multierror.Error
	invalid := func(format string, args ...any) {
		errs = multierror.Append(errs, errors.Errorf(format, args...))
	}

	// Required fields.
	for _, required := range []struct {
		name  string
		value int
	}{
		{"BufferCapacity", c.BufferCapacity},
		{"NumWorkers", c.NumWorkers},
		{"GamesPerWorker", c.GamesPerWorker},
		{"TrainStepsPerRound", c.TrainStepsPerRound},
		{"TrainBatchSize", c.TrainBatchSize},
	} {
		if required.value <= 0 {
			invalid("%s is required and must be > 0, got %d", required.name, required.value)
		}
	}

	// Scheduler.
	switch {
	case c.BatchDuration < 0:
		invalid("BatchDuration must be >= 0, got %s", c.BatchDuration)
	case c.BatchDuration == 0 && !c.ContinuousDrain:
		c.BatchDuration = DefaultBatchDuration
		klog.Warningf("config: BatchDuration not set, using default %s", c.BatchDuration)
	}
	if c.MaxInferenceBatch < 0 {
		invalid("MaxInferenceBatch must be >= 0 (0 for no limit), got %d", c.MaxInferenceBatch)
	}
	if c.RequestTimeout < 0 {
		invalid("RequestTimeout must be >= 0 (0 for no timeout), got %s", c.RequestTimeout)
	}

	// Rounds.
	defaultInt(&c.RoundsPerCheckpoint, DefaultRoundsPerCheckpoint, "RoundsPerCheckpoint", invalid)
	defaultInt(&c.MinGamesToTrain, DefaultMinGamesToTrain, "MinGamesToTrain", invalid)
	if c.MaxRounds < 0 {
		invalid("MaxRounds must be >= 0 (0 for no limit), got %d", c.MaxRounds)
	}
	if c.BufferCapacity > 0 && c.MinGamesToTrain > c.BufferCapacity {
		invalid("MinGamesToTrain (%d) can't be larger than BufferCapacity (%d)", c.MinGamesToTrain, c.BufferCapacity)
	}

	// Game.
	defaultInt(&c.BoardSize, DefaultBoardSize, "BoardSize", invalid)
	defaultInt(&c.NumPlayers, DefaultNumPlayers, "NumPlayers", invalid)
	if c.BoardSize > 0 && c.BoardSize < 2 {
		invalid("BoardSize must be >= 2, got %d", c.BoardSize)
	}
	if c.NumPlayers > 0 && (c.NumPlayers < 2 || c.NumPlayers > state.MaxPlayers) {
		invalid("NumPlayers must be between 2 and %d, got %d", state.MaxPlayers, c.NumPlayers)
	}
	if c.MaxMoves < 0 {
		invalid("MaxMoves must be >= 0 (0 for no limit), got %d", c.MaxMoves)
	}

	// Exploration.
	unsetInt(&c.SampleMoves, DefaultSampleMoves, "SampleMoves", invalid)
	unsetFloat(&c.DirichletAlpha, DefaultDirichletAlpha, "DirichletAlpha", invalid)
	unsetFloat(&c.ExplorationFraction, DefaultExplorationFraction, "ExplorationFraction", invalid)
	if c.ExplorationFraction > 1 {
		invalid("ExplorationFraction must be <= 1, got %g", c.ExplorationFraction)
	}
	defaultFloat(&c.LearningRate, DefaultLearningRate, "LearningRate", invalid)

	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
		klog.Warningf("config: Seed not set, using time based seed %d", c.Seed)
	}
	if c.CheckpointDir == "" {
		klog.Warningf("config: CheckpointDir not set, training statistics won't be saved")
	}
	if c.Model == "" {
		invalid("Model configuration is required")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return errors.Wrapf(ErrInvalid, "%v", err)
	}
	return nil
}

// defaultInt sets *value to defaultValue if it is zero, and logs it. Negative values are invalid.
func defaultInt(value *int, defaultValue int, name string, invalid func(string, ...any)) {
	switch {
	case *value < 0:
		invalid("%s must be >= 0 (0 for default %d), got %d", name, defaultValue, *value)
	case *value == 0:
		*value = defaultValue
		klog.Warningf("config: %s not set, using default %d", name, defaultValue)
	}
}

// defaultFloat is like defaultInt for float64 values.
func defaultFloat(value *float64, defaultValue float64, name string, invalid func(string, ...any)) {
	switch {
	case *value < 0:
		invalid("%s must be >= 0 (0 for default %g), got %g", name, defaultValue, *value)
	case *value == 0:
		*value = defaultValue
		klog.Warningf("config: %s not set, using default %g", name, defaultValue)
	}
}

// unsetInt sets *value to defaultValue if it is Unset, and logs it. Other negative values are invalid.
func unsetInt(value *int, defaultValue int, name string, invalid func(string, ...any)) {
	switch {
	case *value == Unset:
		*value = defaultValue
		klog.Warningf("config: %s not set, using default %d", name, defaultValue)
	case *value < 0:
		invalid("%s must be >= 0 (%d for default %d), got %d", name, Unset, defaultValue, *value)
	}
}

// unsetFloat is like unsetInt for float64 values.
func unsetFloat(value *float64, defaultValue float64, name string, invalid func(string, ...any)) {
	switch {
	case *value == Unset:
		*value = defaultValue
		klog.Warningf("config: %s not set, using default %g", name, defaultValue)
	case *value < 0:
		invalid("%s must be >= 0 (%d for default %g), got %g", name, Unset, defaultValue, *value)
	}
}
