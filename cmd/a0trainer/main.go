// a0trainer trains a policy/value model by self-play: it alternates rounds of self-play games, played
// concurrently by many workers sharing one model through the batching inference scheduler, with rounds of
// training on the games collected in the replay buffer.
//
// Example:
//
//	$ a0trainer -model=a0fnn -checkpoint=~/work/blokus/a0fnn -workers=64 -games_per_worker=4 \
//	    -buffer_capacity=20000 -train_steps=500 -train_batch_size=128 -status_addr=localhost:8080
package main

import (
	"context"
	"flag"
	"os"
	"time"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/janpfeifer/blokusGo/internal/ai/batcher"
	"github.com/janpfeifer/blokusGo/internal/config"
	"github.com/janpfeifer/blokusGo/internal/profilers"
	"github.com/janpfeifer/blokusGo/internal/replay"
	"github.com/janpfeifer/blokusGo/internal/selfplay"
	"github.com/janpfeifer/blokusGo/internal/trainer"
	"github.com/janpfeifer/blokusGo/internal/ui/progress"
	"github.com/janpfeifer/blokusGo/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagBufferCapacity = flag.Int("buffer_capacity", 0, "Maximum number of games kept in the replay buffer. Required.")
	flagNumWorkers     = flag.Int("workers", 0, "Number of concurrent self-play workers. Required.")
	flagGamesPerWorker = flag.Int("games_per_worker", 0, "Number of games each worker plays per round. Required.")
	flagTrainSteps     = flag.Int("train_steps", 0, "Number of training steps per round. Required.")
	flagTrainBatchSize = flag.Int("train_batch_size", 0, "Number of examples per training step. Required.")

	flagBatchDuration = flag.Duration("batch_duration", 0,
		"Interval between drains of the inference scheduler. Defaults to 5ms.")
	flagContinuousDrain = flag.Bool("continuous_drain", false,
		"Drain the inference scheduler continuously, batching only what is already queued.")
	flagMaxInferenceBatch = flag.Int("max_inference_batch", 0,
		"Maximum number of states evaluated at once. 0 for no limit.")
	flagRequestTimeout = flag.Duration("request_timeout", 0,
		"Timeout for each evaluation request. 0 for no timeout.")
	flagRoundsPerCheckpoint = flag.Int("rounds_per_checkpoint", 0, "Number of rounds between checkpoints. Defaults to 1.")
	flagMaxRounds           = flag.Int("max_rounds", 0,
		"Number of rounds to train, after which a final checkpoint is saved and the program exits. "+
			"A value of 0 means to train indefinitely, until interrupted.")
	flagMinGamesToTrain = flag.Int("min_games_to_train", 0,
		"Minimum number of games in the buffer to start training. Defaults to 1.")

	flagBoardSize   = flag.Int("board_size", 0, "Size of the board. Defaults to 20.")
	flagNumPlayers  = flag.Int("players", 0, "Number of players, 2 to 4. Defaults to 4.")
	flagMaxMoves    = flag.Int("max_moves", 0, "Maximum number of moves per game. 0 for no limit.")
	flagSampleMoves = flag.Int("sample_moves", config.Unset,
		"Number of initial plies played with exploration, 0 to always play the most likely move. Defaults to 30.")
	flagDirichletAlpha = flag.Float64("dirichlet_alpha", config.Unset,
		"Concentration of the exploration noise. Defaults to 0.3.")
	flagExploration = flag.Float64("exploration", config.Unset,
		"Weight of the exploration noise mixed to the policy, 0 for no noise. Defaults to 0.25.")
	flagLearningRate = flag.Float64("learning_rate", 0,
		"Learning rate, used if not set in the -model configuration. Defaults to 0.01.")
	flagAugment = flag.Bool("augment", false, "Augment training examples with random board flips.")
	flagSeed    = flag.Uint64("seed", 0, "Seed for the random number generators. 0 for a time based seed.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory where to save the model and the training statistics. If the model configuration "+
			"doesn't set a directory, the model is saved here too.")
	flagModel = flag.String("model", "a0fnn",
		"Model configuration, e.g. \"a0fnn=<dir>,fnn_num_hidden_nodes=64\". Use \"a0fnn=help\" to list the "+
			"hyperparameters, or \"uniform\" for a baseline that doesn't learn.")
	flagStatusAddr = flag.String("status_addr", "",
		"If set, serves the current round number at http://<status_addr>/round.")
	flagProgress = flag.Bool("progress", true, "Display progress in the terminal, if stdout is a terminal.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func configFromFlags() *config.Config {
	return &config.Config{
		BufferCapacity:      *flagBufferCapacity,
		NumWorkers:          *flagNumWorkers,
		GamesPerWorker:      *flagGamesPerWorker,
		TrainStepsPerRound:  *flagTrainSteps,
		TrainBatchSize:      *flagTrainBatchSize,
		BatchDuration:       *flagBatchDuration,
		ContinuousDrain:     *flagContinuousDrain,
		MaxInferenceBatch:   *flagMaxInferenceBatch,
		RequestTimeout:      *flagRequestTimeout,
		RoundsPerCheckpoint: *flagRoundsPerCheckpoint,
		MaxRounds:           *flagMaxRounds,
		MinGamesToTrain:     *flagMinGamesToTrain,
		BoardSize:           *flagBoardSize,
		NumPlayers:          *flagNumPlayers,
		MaxMoves:            *flagMaxMoves,
		SampleMoves:         *flagSampleMoves,
		DirichletAlpha:      *flagDirichletAlpha,
		ExplorationFraction: *flagExploration,
		LearningRate:        *flagLearningRate,
		Augment:             *flagAugment,
		Seed:                *flagSeed,
		CheckpointDir:       *flagCheckpoint,
		Model:               *flagModel,
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 10*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	cfg := configFromFlags()
	must.M(cfg.Validate())
	controller, closeFn := must.M2(build(cfg))
	defer closeFn()
	if *flagStatusAddr != "" {
		must.M(serveStatus(globalCtx, *flagStatusAddr, controller))
	}
	if *flagProgress && progress.IsTerminal() {
		attachDisplay(globalCtx, os.Stdout, controller)
	}

	err := controller.Run(globalCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Infof("Training interrupted after %d rounds", controller.Round())
			return
		}
		klog.Fatalf("Training failed after %d rounds: %+v", controller.Round(), err)
	}
	klog.Infof("Training finished after %d rounds", controller.Round())
}

// build all the components, with explicit ownership: the controller owns the orchestrator, the buffer and
// the model, and the orchestrator owns the scheduler.
// It returns the controller and a function to release the resources.
func build(cfg *config.Config) (controller *trainer.Controller, closeFn func(), err error) {
	model, err := createModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	scheduler, err := batcher.New(model, batcher.Options{
		BatchDuration:   cfg.BatchDuration,
		ContinuousDrain: cfg.ContinuousDrain,
		MaxBatch:        cfg.MaxInferenceBatch,
		RequestTimeout:  cfg.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	orchestrator, err := selfplay.New(scheduler, selfplay.PolicyEpisode(selfplay.EpisodeOptions{
		Dims:                cfg.Dims(),
		MaxMoves:            cfg.MaxMoves,
		SampleMoves:         cfg.SampleMoves,
		DirichletAlpha:      cfg.DirichletAlpha,
		ExplorationFraction: cfg.ExplorationFraction,
	}), cfg.Seed)
	if err != nil {
		scheduler.Close()
		return nil, nil, err
	}
	buffer, err := replay.New(cfg.BufferCapacity, cfg.Seed+1)
	if err != nil {
		scheduler.Close()
		return nil, nil, err
	}
	buffer.SetAugment(cfg.Augment)

	checkpointer := &trainer.Checkpointer{Dir: cfg.CheckpointDir}
	controller, err = trainer.New(trainer.Options{
		NumWorkers:          cfg.NumWorkers,
		GamesPerWorker:      cfg.GamesPerWorker,
		TrainStepsPerRound:  cfg.TrainStepsPerRound,
		TrainBatchSize:      cfg.TrainBatchSize,
		RoundsPerCheckpoint: cfg.RoundsPerCheckpoint,
		MaxRounds:           cfg.MaxRounds,
		MinGamesToTrain:     cfg.MinGamesToTrain,
	}, model, scheduler, orchestrator, buffer, checkpointer)
	if err != nil {
		scheduler.Close()
		return nil, nil, err
	}
	history, err := checkpointer.Load()
	if err != nil {
		scheduler.Close()
		return nil, nil, err
	}
	controller.Restore(history)
	return controller, scheduler.Close, nil
}
