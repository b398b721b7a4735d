// Package progress displays the progress of the training in the terminal: a live counter of the evaluation
// requests served during self-play, and a summary of each round.
package progress

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"k8s.io/klog/v2"
)

// IsTerminal reports whether stdout is a terminal. The live progress display is only enabled on terminals.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Requests displays, on w, a spinner with the number of requests returned by served, polled every interval.
// Use it while the self-play phase is running. It returns a function that stops and clears the display.
//
// If w is nil it's a no-op.
func Requests(ctx context.Context, w io.Writer, description string, interval time.Duration,
	served func() int64) (stop func()) {
	if w == nil {
		return func() {}
	}
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("req"),
		progressbar.OptionThrottle(interval),
		progressbar.OptionClearOnFinish(),
	)
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = bar.Set64(served())
				if err := bar.Finish(); err != nil {
					klog.V(1).Infof("progress bar: %v", err)
				}
				return
			case <-ticker.C:
				_ = bar.Set64(served())
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
