package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/blokusGo/internal/trainer"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(10)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 1)
)

// RoundSummary renders the statistics of a round in a box, to be printed in the terminal.
func RoundSummary(stats trainer.RoundStats) string {
	var lines []string
	line := func(label, format string, args ...any) {
		lines = append(lines, labelStyle.Render(label)+fmt.Sprintf(format, args...))
	}
	line("self-play", "%s games, %s moves in %s (%s requests, %.1f per batch)",
		humanize.Comma(int64(stats.Games)), humanize.Comma(int64(stats.Moves)),
		stats.SelfPlayTime.Round(time.Millisecond), humanize.Comma(stats.Requests), stats.AverageBatchSize())
	line("buffer", "%s games, %s moves", humanize.Comma(int64(stats.BufferGames)),
		humanize.Comma(int64(stats.BufferMoves)))
	if stats.TrainingSkipped {
		line("training", "%s", warnStyle.Render("skipped, not enough games"))
	} else {
		summary := stats.Summary()
		line("training", "%s steps in %s, loss %.4f ± %.4f (value %.4f, policy %.4f)",
			humanize.Comma(int64(stats.TrainSteps)), stats.TrainTime.Round(time.Millisecond),
			summary.MeanTotal, summary.StdDevTotal, summary.MeanValue, summary.MeanPolicy)
	}
	if stats.FailedGames > 0 || stats.FailedWorkers > 0 || stats.DroppedGames > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("%d games failed, %d workers failed, %d games dropped",
			stats.FailedGames, stats.FailedWorkers, stats.DroppedGames)))
	}
	title := titleStyle.Render(fmt.Sprintf("Round %s", humanize.Comma(int64(stats.Round))))
	return lipgloss.JoinVertical(lipgloss.Left, title, boxStyle.Render(strings.Join(lines, "\n")))
}
