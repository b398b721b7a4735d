package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/janpfeifer/blokusGo/internal/trainer"
	"github.com/janpfeifer/blokusGo/internal/ui/progress"
	"github.com/janpfeifer/blokusGo/internal/ui/spinning"
)

// attachDisplay shows the progress of the controller on w: the requests served during self-play, a spinner
// while training, and a summary at the end of each round.
func attachDisplay(ctx context.Context, w io.Writer, controller *trainer.Controller) {
	var stopSelfPlay func()
	var trainSpinner *spinning.Spinning
	controller.OnPhaseChange = func(from, to trainer.Phase) {
		switch from {
		case trainer.PhaseSelfPlay:
			if stopSelfPlay != nil {
				stopSelfPlay()
				stopSelfPlay = nil
			}
		case trainer.PhaseTrain:
			if trainSpinner != nil {
				trainSpinner.Done()
				trainSpinner = nil
			}
		}
		switch to {
		case trainer.PhaseSelfPlay:
			description := fmt.Sprintf("Round %d self-play", controller.Round())
			stopSelfPlay = progress.Requests(ctx, w, description, 200*time.Millisecond, controller.RequestsServed)
		case trainer.PhaseTrain:
			trainSpinner = spinning.New(ctx, w, fmt.Sprintf("Round %d training", controller.Round()))
		}
	}
	controller.OnRoundEnd = func(stats trainer.RoundStats) {
		_, _ = fmt.Fprintln(w, progress.RoundSummary(stats))
	}
}
