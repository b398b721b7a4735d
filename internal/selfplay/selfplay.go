// Package selfplay runs rounds of self-play games: a pool of workers plays games concurrently, each worker asking
// the inference scheduler (package batcher) to evaluate its positions through its own private client.
//
// The scheduler drain loop only runs during RunRound: it's started at the beginning of the round and stopped
// (with any requests left discarded) before RunRound returns.
package selfplay

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/janpfeifer/blokusGo/internal/ai/batcher"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrAllWorkersFailed is returned by RunRound if no worker completed its games.
var ErrAllWorkersFailed = errors.New("all self-play workers failed")

// EvaluateFn evaluates one position. Episodes call it whenever they need a policy and value.
type EvaluateFn func(ctx context.Context, state *features.BoardTensor) (batcher.Result, error)

// Episode plays one game from start to finish and returns it.
//
// If it returns an error (or panics) the game is discarded. If ctx is cancelled it should return promptly.
type Episode func(ctx context.Context, evaluate EvaluateFn, rng *rand.Rand) (*features.Game, error)

// Orchestrator runs rounds of self-play. Create it with New.
type Orchestrator struct {
	scheduler *batcher.Scheduler
	episode   Episode
	seed      uint64

	// muRound makes rounds sequential.
	muRound   sync.Mutex
	numRounds int

	// servedAtStart is the scheduler counter of requests served when the current round started.
	servedAtStart atomic.Int64
}

// RoundResult is the outcome of one RunRound.
type RoundResult struct {
	// Games completed, grouped by worker in worker order.
	Games []*features.Game

	// FailedGames is the number of games discarded because the evaluation of one of their positions failed
	// (batcher.ErrBatchFailed). Their workers moved on to their next game.
	FailedGames int

	// FailedWorkers is the number of workers that stopped because of an error.
	FailedWorkers int

	// WorkerErrors collects the errors of the failed workers, or nil.
	WorkerErrors *multierror.Error

	// Served is the number of evaluation requests served during the round.
	Served int64

	// Batches is the number of evaluations (batches) run during the round.
	Batches int64

	Elapsed time.Duration
}

// NumMoves returns the total number of moves of the games.
func (r *RoundResult) NumMoves() int {
	var total int
	for _, game := range r.Games {
		total += game.NumMoves()
	}
	return total
}

// New creates an Orchestrator that plays episode on every worker, evaluating positions with scheduler.
// Workers draw their random numbers from generators derived from seed.
func New(scheduler *batcher.Scheduler, episode Episode, seed uint64) (*Orchestrator, error) {
	if scheduler == nil || episode == nil {
		return nil, errors.New("selfplay.New requires a scheduler and an episode")
	}
	return &Orchestrator{scheduler: scheduler, episode: episode, seed: seed}, nil
}

// RequestsServed returns the number of evaluation requests served since the start of the current (or last) round.
// It's meant for progress reporting only.
func (o *Orchestrator) RequestsServed() int64 {
	return o.scheduler.RequestsServed() - o.servedAtStart.Load()
}

// RunRound plays gamesPerWorker games on each of numWorkers workers, and returns the games completed.
//
// A game whose evaluation fails in the scheduler (batcher.ErrBatchFailed) is discarded and counted in
// FailedGames, and its worker continues with its next game.
// A worker whose episode fails otherwise (including panics) stops, and its unfinished game is discarded; the other
// workers continue. If every worker fails, it returns ErrAllWorkersFailed (along with whatever was completed).
//
// If ctx is cancelled, workers stop at their next evaluation, pending requests are discarded, and it returns the
// games completed so far along with the context error.
func (o *Orchestrator) RunRound(ctx context.Context, numWorkers, gamesPerWorker int) (*RoundResult, error) {
	if numWorkers <= 0 || gamesPerWorker <= 0 {
		return nil, errors.Errorf("invalid round of %d workers with %d games each", numWorkers, gamesPerWorker)
	}
	o.muRound.Lock()
	defer o.muRound.Unlock()
	round := o.numRounds
	o.numRounds++

	start := time.Now()
	statsAtStart := o.scheduler.Stats()
	o.servedAtStart.Store(statsAtStart.Requests)
	if err := o.scheduler.Start(); err != nil {
		return nil, errors.WithMessage(err, "failed to start the inference scheduler")
	}

	workerGames := make([][]*features.Game, numWorkers)
	workerErrs := make([]error, numWorkers)
	workerFailedGames := make([]int, numWorkers)
	var eg errgroup.Group
	for workerIdx := range numWorkers {
		eg.Go(func() error {
			rng := rand.New(rand.NewPCG(o.seed, uint64(round)<<32|uint64(workerIdx)))
			workerGames[workerIdx], workerFailedGames[workerIdx], workerErrs[workerIdx] =
				o.runWorker(ctx, workerIdx, gamesPerWorker, rng)
			return nil
		})
	}
	_ = eg.Wait()

	// No worker is left: stop the drain loop and fail whatever they left behind.
	o.scheduler.Stop()
	if discarded := o.scheduler.DiscardPending(); discarded > 0 {
		klog.V(1).Infof("Self-play round %d: %d evaluation requests discarded", round, discarded)
	}

	result := &RoundResult{Elapsed: time.Since(start)}
	for workerIdx := range numWorkers {
		result.Games = append(result.Games, workerGames[workerIdx]...)
		result.FailedGames += workerFailedGames[workerIdx]
		if workerErrs[workerIdx] != nil {
			result.FailedWorkers++
			result.WorkerErrors = multierror.Append(result.WorkerErrors, workerErrs[workerIdx])
		}
	}
	stats := o.scheduler.Stats()
	result.Served = stats.Requests - statsAtStart.Requests
	result.Batches = stats.Batches - statsAtStart.Batches
	if result.Batches > 0 {
		klog.V(1).Infof("Self-play round %d: %d requests in %d batches (%.1f per batch)",
			round, result.Served, result.Batches, float64(result.Served)/float64(result.Batches))
	}

	if result.FailedGames > 0 {
		klog.Warningf("Self-play round %d: %d games discarded because of failed evaluations", round, result.FailedGames)
	}
	if result.FailedWorkers > 0 {
		klog.Warningf("Self-play round %d: %d of %d workers failed: %v",
			round, result.FailedWorkers, numWorkers, result.WorkerErrors)
		if result.FailedWorkers == numWorkers {
			return result, errors.Wrapf(ErrAllWorkersFailed, "round %d: %v", round, result.WorkerErrors)
		}
	}
	if err := ctx.Err(); err != nil {
		klog.Infof("Self-play round %d interrupted with %d games completed: %v", round, len(result.Games), err)
		return result, errors.Wrapf(err, "self-play round %d interrupted", round)
	}
	klog.V(1).Infof("Self-play round %d: %d games, %d moves in %s",
		round, len(result.Games), result.NumMoves(), result.Elapsed)
	return result, nil
}

// runWorker plays the games of one worker. It returns the games completed, the number of games discarded because
// of failed evaluations, and an error if the worker failed.
// Interruptions by ctx are not failures.
func (o *Orchestrator) runWorker(ctx context.Context, workerIdx, numGames int, rng *rand.Rand) (
	games []*features.Game, failedGames int, err error) {
	klog.V(1).Infof("Self-play worker %d started", workerIdx)
	defer klog.V(1).Infof("Self-play worker %d finished", workerIdx)
	client := o.scheduler.NewClient()
	games = make([]*features.Game, 0, numGames)
	for gameIdx := range numGames {
		if ctx.Err() != nil {
			return games, failedGames, nil
		}
		var game *features.Game
		var gameErr error
		panicErr := exceptions.TryCatch[error](func() {
			game, gameErr = o.episode(ctx, client.Evaluate, rng)
		})
		if panicErr != nil {
			gameErr = errors.WithMessage(panicErr, "episode panicked")
		}
		if gameErr == nil && game == nil {
			gameErr = errors.New("episode returned no game")
		}
		if gameErr == nil {
			gameErr = game.Validate()
		}
		if gameErr != nil {
			if ctx.Err() != nil {
				// Interrupted in the middle of the game.
				return games, failedGames, nil
			}
			if errors.Is(gameErr, batcher.ErrBatchFailed) {
				failedGames++
				klog.Warningf("Self-play worker %d: game %d discarded: %v", workerIdx, gameIdx, gameErr)
				continue
			}
			return games, failedGames, errors.WithMessagef(gameErr, "self-play worker %d, game %d", workerIdx, gameIdx)
		}
		if game.ID == "" {
			game.ID = uuid.NewString()
		}
		klog.V(2).Infof("Self-play worker %d: game %s finished with %d moves, scores %v",
			workerIdx, game.ID, game.NumMoves(), game.Scores)
		games = append(games, game)
	}
	return games, failedGames, nil
}
