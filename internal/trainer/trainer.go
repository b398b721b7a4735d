// Package trainer implements the training round controller: it alternates self-play rounds, collection of the
// games into the replay buffer, and training of the model, checkpointing every few rounds.
//
// Each cycle goes through the phases:
//
//	Idle -> SelfPlay -> Collect -> Train -> Checkpoint (every RoundsPerCheckpoint rounds) -> Idle
//
// The phases never overlap: the inference scheduler only runs during SelfPlay, and it's stopped during Train, so
// evaluations never race with the model parameter updates.
package trainer

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/janpfeifer/blokusGo/internal/ai/batcher"
	"github.com/janpfeifer/blokusGo/internal/replay"
	"github.com/janpfeifer/blokusGo/internal/selfplay"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoGames is returned by Run when MaxEmptyRounds consecutive self-play rounds completed no game.
var ErrNoGames = errors.New("self-play is not completing any game")

// MaxEmptyRounds is the number of consecutive self-play rounds without any completed game after which Run gives up.
const MaxEmptyRounds = 3

// Phase of the training cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSelfPlay
	PhaseCollect
	PhaseTrain
	PhaseCheckpoint
	PhaseDone
)

var phaseNames = []string{"Idle", "SelfPlay", "Collect", "Train", "Checkpoint", "Done"}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

// Options of the Controller. See config.Config for the description of each one.
type Options struct {
	NumWorkers, GamesPerWorker         int
	TrainStepsPerRound, TrainBatchSize int
	RoundsPerCheckpoint, MaxRounds     int
	MinGamesToTrain                    int
}

// Controller runs the training cycles. It owns the scheduler (through the orchestrator), the buffer and the model.
//
// Round, Phase and Stats can be called concurrently with Run.
type Controller struct {
	opts         Options
	learner      ai.Learner
	scheduler    *batcher.Scheduler
	orchestrator *selfplay.Orchestrator
	buffer       *replay.Buffer
	checkpointer *Checkpointer

	round atomic.Int64
	phase atomic.Int32

	// muCycle makes cycles sequential.
	muCycle sync.Mutex

	muStats sync.Mutex
	history []RoundStats

	// OnRoundEnd, if set, is called at the end of each round, after the checkpoint if there was one.
	OnRoundEnd func(stats RoundStats)

	// OnPhaseChange, if set, is called synchronously on every phase transition.
	OnPhaseChange func(from, to Phase)
}

// New creates a Controller. The scheduler must be the one used by the orchestrator, and it must evaluate with
// the model trained by learner.
// If checkpointer is nil, nothing is saved.
func New(opts Options, learner ai.Learner, scheduler *batcher.Scheduler, orchestrator *selfplay.Orchestrator,
	buffer *replay.Buffer, checkpointer *Checkpointer) (*Controller, error) {
	if learner == nil || scheduler == nil || orchestrator == nil || buffer == nil {
		return nil, errors.New("trainer.New requires a learner, a scheduler, an orchestrator and a buffer")
	}
	if opts.NumWorkers <= 0 || opts.GamesPerWorker <= 0 || opts.TrainStepsPerRound < 0 {
		return nil, errors.Errorf("invalid trainer options %+v", opts)
	}
	if opts.TrainBatchSize <= 0 {
		opts.TrainBatchSize = learner.BatchSize()
		klog.Warningf("TrainBatchSize not set, using the model's batch size %d", opts.TrainBatchSize)
	}
	opts.RoundsPerCheckpoint = max(opts.RoundsPerCheckpoint, 1)
	opts.MinGamesToTrain = max(opts.MinGamesToTrain, 1)
	return &Controller{
		opts:         opts,
		learner:      learner,
		scheduler:    scheduler,
		orchestrator: orchestrator,
		buffer:       buffer,
		checkpointer: checkpointer,
	}, nil
}

// Restore the statistics of previous rounds (see Checkpointer.Load): the round counter continues from there.
// It must be called before Run.
func (c *Controller) Restore(history []RoundStats) {
	c.muStats.Lock()
	defer c.muStats.Unlock()
	c.history = slices.Clone(history)
	c.round.Store(int64(len(history)))
	if len(history) > 0 {
		klog.Infof("Restored statistics of %d rounds", len(history))
	}
}

// Round returns the number of rounds completed, that is, the number of times the model was trained.
// Cycles that skipped training (not enough games yet) don't count: they only add games to the buffer, and the next
// cycle tries the same round again.
// It's a read-only query, with no side effects.
func (c *Controller) Round() int {
	return int(c.round.Load())
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Controller) setPhase(phase Phase) {
	previous := Phase(c.phase.Swap(int32(phase)))
	if previous == phase {
		return
	}
	klog.V(1).Infof("Round %d: phase %s -> %s", c.Round(), previous, phase)
	if c.OnPhaseChange != nil {
		c.OnPhaseChange(previous, phase)
	}
}

// Stats returns a copy of the statistics of the rounds completed.
func (c *Controller) Stats() []RoundStats {
	c.muStats.Lock()
	defer c.muStats.Unlock()
	return slices.Clone(c.history)
}

// RequestsServed during the current self-play phase. Advisory only, for progress reporting.
func (c *Controller) RequestsServed() int64 {
	return c.orchestrator.RequestsServed()
}

// Run training cycles until MaxRounds is reached (if set), ctx is cancelled or a fatal error happens.
//
// Reaching MaxRounds saves a final checkpoint and returns nil. If cancelled, it returns an error wrapping the
// context error.
func (c *Controller) Run(ctx context.Context) error {
	defer c.setPhase(PhaseDone)
	var emptyRounds int
	for {
		if c.opts.MaxRounds > 0 && c.Round() >= c.opts.MaxRounds {
			klog.Infof("Reached the maximum number of rounds (%d), stopping", c.opts.MaxRounds)
			return nil
		}
		stats, err := c.RunCycle(ctx)
		if err != nil {
			return err
		}
		if stats.Games > 0 {
			emptyRounds = 0
			continue
		}
		emptyRounds++
		if emptyRounds >= MaxEmptyRounds {
			return errors.Wrapf(ErrNoGames, "%d consecutive self-play rounds (%d games failed in the last one)",
				emptyRounds, stats.FailedGames)
		}
	}
}

// RunCycle runs one round: self-play, collect, train and, if due, checkpoint.
// It returns the statistics of the round, also when it fails after the self-play phase.
//
// If training was skipped (see RoundStats.TrainingSkipped) the round is not completed: the round counter and the
// history are not updated, and no checkpoint is saved. OnRoundEnd is still called.
func (c *Controller) RunCycle(ctx context.Context) (*RoundStats, error) {
	c.muCycle.Lock()
	defer c.muCycle.Unlock()
	defer c.setPhase(PhaseIdle)
	round := c.Round()
	stats := &RoundStats{Round: round}
	klog.Infof("Round %d: self-play with %d workers, %d games each", round, c.opts.NumWorkers, c.opts.GamesPerWorker)

	// Self-play.
	c.setPhase(PhaseSelfPlay)
	result, roundErr := c.orchestrator.RunRound(ctx, c.opts.NumWorkers, c.opts.GamesPerWorker)
	if result == nil {
		return nil, errors.WithMessagef(roundErr, "round %d", round)
	}
	stats.Games = len(result.Games)
	stats.Moves = result.NumMoves()
	stats.FailedGames = result.FailedGames
	stats.FailedWorkers = result.FailedWorkers
	stats.Requests = result.Served
	stats.Batches = result.Batches
	stats.SelfPlayTime = result.Elapsed

	// Collect: completed games are kept even if the round was interrupted.
	c.setPhase(PhaseCollect)
	for _, game := range result.Games {
		if err := c.buffer.Add(game); err != nil {
			stats.DroppedGames++
			klog.Warningf("Round %d: dropping game %s: %v", round, game.ID, err)
		}
	}
	stats.BufferGames = c.buffer.Len()
	stats.BufferMoves = c.buffer.NumMoves()
	klog.Infof("Round %d: collected %d games (%d moves) in %s, buffer has %d games (%d moves)",
		round, stats.Games, stats.Moves, stats.SelfPlayTime, stats.BufferGames, stats.BufferMoves)
	if roundErr != nil {
		return stats, errors.WithMessagef(roundErr, "round %d", round)
	}

	// Train.
	c.setPhase(PhaseTrain)
	if err := c.train(ctx, stats); err != nil {
		return stats, errors.WithMessagef(err, "round %d", round)
	}

	if stats.TrainingSkipped {
		if c.OnRoundEnd != nil {
			c.OnRoundEnd(*stats)
		}
		return stats, nil
	}

	// Round completed.
	c.muStats.Lock()
	c.history = append(c.history, *stats)
	history := slices.Clone(c.history)
	c.muStats.Unlock()
	completed := int(c.round.Add(1))

	// Checkpoint.
	isLast := c.opts.MaxRounds > 0 && completed >= c.opts.MaxRounds
	if c.checkpointer != nil && (completed%c.opts.RoundsPerCheckpoint == 0 || isLast) {
		c.setPhase(PhaseCheckpoint)
		if err := c.checkpointer.Save(c.learner, history); err != nil {
			return stats, errors.WithMessagef(err, "checkpoint after round %d", round)
		}
		klog.Infof("Round %d: checkpoint saved", round)
	}
	if c.OnRoundEnd != nil {
		c.OnRoundEnd(*stats)
	}
	return stats, nil
}

// train runs the training steps of the round. The scheduler is kept stopped during all of it.
func (c *Controller) train(ctx context.Context, stats *RoundStats) error {
	// The orchestrator stops the scheduler at the end of the round, this is only an assertion.
	c.scheduler.Stop()
	if c.buffer.Len() < c.opts.MinGamesToTrain {
		klog.Warningf("Round %d: only %d games in the buffer (%d required), skipping training",
			stats.Round, c.buffer.Len(), c.opts.MinGamesToTrain)
		stats.TrainingSkipped = true
		return nil
	}

	start := time.Now()
	defer func() { stats.TrainTime = time.Since(start) }()
	stats.Losses = make([]ai.Loss, 0, c.opts.TrainStepsPerRound)
	for step := range c.opts.TrainStepsPerRound {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training interrupted at step %d", step)
		}
		examples, err := c.buffer.Sample(c.opts.TrainBatchSize)
		if err != nil {
			if errors.Is(err, replay.ErrUnderflow) {
				klog.Warningf("Round %d: %v, skipping training", stats.Round, err)
				stats.TrainingSkipped = true
				return nil
			}
			return err
		}
		var loss ai.Loss
		panicErr := exceptions.TryCatch[error](func() {
			loss, err = c.learner.TrainStep(examples)
		})
		if panicErr != nil {
			err = errors.WithMessage(panicErr, "training step panicked")
		}
		if err != nil {
			return errors.WithMessagef(err, "training step %d", step)
		}
		stats.Losses = append(stats.Losses, loss)
		stats.TrainSteps++
		klog.V(2).Infof("Round %d: step %d, loss=%.4f (value=%.4f, policy=%.4f)",
			stats.Round, step, loss.Total, loss.Value, loss.Policy)
	}
	summary := stats.Summary()
	klog.Infof("Round %d: %d training steps in %s, loss=%.4f±%.4f (value=%.4f, policy=%.4f)",
		stats.Round, stats.TrainSteps, time.Since(start), summary.MeanTotal, summary.StdDevTotal,
		summary.MeanValue, summary.MeanPolicy)
	return nil
}
