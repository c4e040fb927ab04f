package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foundry/internal/report"
	"github.com/felixgeelhaar/foundry/internal/tui"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it finishes",
		Long: `Follow a job's phase, progress and spend until it finishes. The job may be
running in any process that shares the store, e.g. 'foundry serve'.

On a terminal the view is interactive: q quits, x asks the job to stop.
Otherwise one line is printed per change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			var (
				final report.Summary
				ok    bool
			)
			if tui.IsInteractive() && !opts.jsonOutput {
				m := tui.NewWatchModel(cmd.Context(), args[0], a.Reporter, a.Cancel, interval)
				p := tea.NewProgram(m, tea.WithContext(cmd.Context()), tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
				res, err := p.Run()
				if err != nil && !stderrors.Is(err, tea.ErrProgramKilled) {
					return err
				}
				if w, isWatch := res.(tui.WatchModel); isWatch {
					final, ok = w.Summary()
				}
			} else {
				final, err = watchPlain(cmd, a.Reporter, args[0], interval)
				if err != nil {
					return err
				}
				ok = true
			}

			if !ok {
				return nil
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), final.Job)
			}
			printJob(cmd.OutOrStdout(), final.Job)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "how often to poll the store")
	return cmd
}

// watchPlain polls until the job is terminal, printing a line whenever the
// status, phase or progress changes
func watchPlain(cmd *cobra.Command, source tui.Source, jobID string, interval time.Duration) (report.Summary, error) {
	ctx := cmd.Context()
	if interval <= 0 {
		interval = time.Second
	}
	var last string
	for {
		s, err := source.GetSummary(ctx, jobID)
		if err != nil {
			return report.Summary{}, err
		}
		j := s.Job
		line := fmt.Sprintf("%s %s %d%% %s", j.Status, j.CurrentPhase, j.Progress, s.Budget.Total.Cost)
		if j.Reason != "" {
			line += " " + string(j.Reason)
		}
		if line != last {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", time.Now().Format(time.TimeOnly), statusStyle(string(j.Status)).Render(line))
			last = line
		}
		if j.Status.IsTerminal() {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return s, context.Cause(ctx)
		case <-time.After(interval):
		}
	}
}
