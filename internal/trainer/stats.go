package trainer

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// RoundStats holds the statistics of one round: self-play, collection and training.
type RoundStats struct {
	// Round number, starting from 0.
	Round int

	// Self-play.
	Games, Moves, FailedGames, FailedWorkers int
	Requests, Batches                        int64
	SelfPlayTime                             time.Duration

	// Buffer after the games were collected.
	BufferGames, BufferMoves int
	DroppedGames             int

	// Training.
	TrainSteps      int
	TrainingSkipped bool
	Losses          []ai.Loss
	TrainTime       time.Duration
}

// LossSummary holds the mean and standard deviation of the losses of a round.
type LossSummary struct {
	MeanTotal, StdDevTotal float64
	MeanValue, MeanPolicy  float64
}

// Summary of the losses of the round. It's all zeros if there was no training.
func (s *RoundStats) Summary() LossSummary {
	if len(s.Losses) == 0 {
		return LossSummary{}
	}
	total := make([]float64, len(s.Losses))
	value := make([]float64, len(s.Losses))
	policy := make([]float64, len(s.Losses))
	for ii, loss := range s.Losses {
		total[ii] = float64(loss.Total)
		value[ii] = float64(loss.Value)
		policy[ii] = float64(loss.Policy)
	}
	summary := LossSummary{
		MeanTotal:  stat.Mean(total, nil),
		MeanValue:  stat.Mean(value, nil),
		MeanPolicy: stat.Mean(policy, nil),
	}
	if len(total) > 1 {
		summary.StdDevTotal = stat.StdDev(total, nil)
	}
	return summary
}

// AverageBatchSize of the evaluations during self-play.
func (s *RoundStats) AverageBatchSize() float64 {
	if s.Batches == 0 {
		return 0
	}
	return float64(s.Requests) / float64(s.Batches)
}

// StatsFileName is the name of the file, in the checkpoint directory, with the statistics of all rounds.
const StatsFileName = "round_stats.gob"

// Checkpointer saves the model and the statistics of all rounds so far.
type Checkpointer struct {
	// Dir where the statistics are saved. If empty, only the model is saved.
	Dir string
}

// Save the model (it knows where to) and then the statistics, in that order: the statistics never describe more
// rounds than the model saved.
//
// The statistics file is written to a temporary file and then renamed, so an interrupted save never leaves a
// truncated file behind.
func (c *Checkpointer) Save(model ai.Learner, history []RoundStats) error {
	if err := model.Save(); err != nil {
		return errors.WithMessage(err, "saving model")
	}
	if c.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %q", c.Dir)
	}
	path := filepath.Join(c.Dir, StatsFileName)
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", tmpPath)
	}
	if err = gob.NewEncoder(f).Encode(history); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding round statistics to %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "renaming %q to %q", tmpPath, path)
	}
	klog.V(1).Infof("Saved statistics of %d rounds to %q", len(history), path)
	return nil
}

// Load the statistics previously saved. It returns nil, with no error, if there are no statistics saved.
func (c *Checkpointer) Load() ([]RoundStats, error) {
	if c.Dir == "" {
		return nil, nil
	}
	path := filepath.Join(c.Dir, StatsFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	var history []RoundStats
	if err = gob.NewDecoder(f).Decode(&history); err != nil {
		return nil, errors.Wrapf(err, "decoding round statistics from %q", path)
	}
	return history, nil
}
