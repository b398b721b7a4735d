package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := New()
	c.BufferCapacity = 100
	c.NumWorkers = 4
	c.GamesPerWorker = 2
	c.TrainStepsPerRound = 10
	c.TrainBatchSize = 32
	c.Model = "uniform"
	return c
}

func TestValidate_Defaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultBatchDuration, c.BatchDuration)
	assert.Equal(t, DefaultRoundsPerCheckpoint, c.RoundsPerCheckpoint)
	assert.Equal(t, DefaultMinGamesToTrain, c.MinGamesToTrain)
	assert.Equal(t, DefaultBoardSize, c.BoardSize)
	assert.Equal(t, DefaultNumPlayers, c.NumPlayers)
	assert.Equal(t, DefaultSampleMoves, c.SampleMoves)
	assert.Equal(t, DefaultDirichletAlpha, c.DirichletAlpha)
	assert.Equal(t, DefaultExplorationFraction, c.ExplorationFraction)
	assert.Equal(t, DefaultLearningRate, c.LearningRate)
	assert.NotZero(t, c.Seed)
	assert.Zero(t, c.MaxRounds)
	assert.Equal(t, 4, c.Dims().Players)

	// Explicit values are kept.
	c = validConfig()
	c.BatchDuration = time.Second
	c.NumPlayers = 2
	c.Seed = 7
	require.NoError(t, c.Validate())
	assert.Equal(t, time.Second, c.BatchDuration)
	assert.Equal(t, 2, c.NumPlayers)
	assert.Equal(t, uint64(7), c.Seed)

	// No exploration is a valid setting.
	c = validConfig()
	c.SampleMoves = 0
	c.DirichletAlpha = 0
	c.ExplorationFraction = 0
	require.NoError(t, c.Validate())
	assert.Zero(t, c.SampleMoves)
	assert.Zero(t, c.DirichletAlpha)
	assert.Zero(t, c.ExplorationFraction)

	// Continuous drain doesn't need a BatchDuration.
	c = validConfig()
	c.ContinuousDrain = true
	require.NoError(t, c.Validate())
	assert.Zero(t, c.BatchDuration)
}

func TestValidate_Errors(t *testing.T) {
	c := &Config{}
	err := c.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, field := range []string{"BufferCapacity", "NumWorkers", "GamesPerWorker", "TrainStepsPerRound",
		"TrainBatchSize", "Model"} {
		assert.ErrorContains(t, err, field)
	}

	for name, mutate := range map[string]func(c *Config){
		"negative duration": func(c *Config) { c.BatchDuration = -time.Second },
		"players":           func(c *Config) { c.NumPlayers = 5 },
		"one player":        func(c *Config) { c.NumPlayers = 1 },
		"board":             func(c *Config) { c.BoardSize = 1 },
		"min games":         func(c *Config) { c.MinGamesToTrain = 101 },
		"max rounds":        func(c *Config) { c.MaxRounds = -1 },
		"exploration":       func(c *Config) { c.ExplorationFraction = 1.5 },
		"alpha":             func(c *Config) { c.DirichletAlpha = -0.1 },
		"sample moves":      func(c *Config) { c.SampleMoves = -2 },
		"max batch":         func(c *Config) { c.MaxInferenceBatch = -1 },
		"timeout":           func(c *Config) { c.RequestTimeout = -time.Millisecond },
	} {
		c := validConfig()
		mutate(c)
		assert.ErrorIsf(t, c.Validate(), ErrInvalid, "case %q should be invalid", name)
	}
}
