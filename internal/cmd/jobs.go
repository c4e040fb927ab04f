package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foundry/internal/budget"
	"github.com/felixgeelhaar/foundry/internal/exitcode"
	"github.com/felixgeelhaar/foundry/internal/job"
	"github.com/felixgeelhaar/foundry/internal/task"
	"github.com/felixgeelhaar/foundry/internal/tui"
)

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "submit <vision>",
		Short: "Queue a job for a product vision",
		Long: `Queue a job for a product vision. The vision is the remaining arguments joined
by spaces. A queued job is picked up by 'foundry serve' or run in the
foreground with 'foundry run <job-id>'.

Example:
  foundry submit "A habit tracker with streaks and reminders"
  foundry submit --run "A CLI that renames photos by EXIF date"

Without arguments on an interactive terminal the vision is asked for.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vision := strings.Join(args, " ")
			if len(args) == 0 {
				if !tui.ShouldPrompt() {
					return fmt.Errorf("requires at least 1 arg(s), only received 0")
				}
				v, err := tui.PromptForVision(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				vision = v
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			j, err := a.Submit(cmd.Context(), vision)
			if err != nil {
				return err
			}
			if !run {
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), j)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("queued"), j.ID)
				return nil
			}
			return runInForeground(cmd, opts, a.Runner.Run, j.ID, true)
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "run the job in the foreground after queueing it")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a queued job in this process",
		Long: `Run a queued job in the foreground. Interrupting the command stops the job at
its next checkpoint and records it as cancelled with reason shutdown.

With --wait the exit code reflects the outcome: 3 failed, 4 budget ceiling
reached, 5 cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)
			return runInForeground(cmd, opts, a.Runner.Run, args[0], wait)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "exit with a code reflecting the job outcome")
	return cmd
}

type runFunc func(ctx context.Context, jobID string) (job.Job, error)

func runInForeground(cmd *cobra.Command, opts *rootOptions, run runFunc, jobID string, wait bool) error {
	if !opts.jsonOutput {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", activeStyle.Render("running"), jobID)
	}
	j, err := run(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), j); err != nil {
			return err
		}
	} else {
		printJob(cmd.OutOrStdout(), j)
	}
	if wait {
		if code := exitcode.ForJob(j); code != exitcode.Success {
			return exitcode.WithCode(code, fmt.Errorf("job %s finished as %s (%s)", j.ID, j.Status, j.Reason))
		}
	}
	return nil
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, phase and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			summary, err := a.Reporter.GetSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			w := cmd.OutOrStdout()
			printJob(w, summary.Job)
			var counts []string
			for _, st := range []task.Status{task.StatusRegistered, task.StatusInProgress, task.StatusCompleted, task.StatusFailed, task.StatusSkipped} {
				if n := summary.Tasks[st]; n > 0 {
					counts = append(counts, fmt.Sprintf("%d %s", n, st))
				}
			}
			if len(counts) > 0 {
				field(w, "Tasks", strings.Join(counts, ", "))
			}
			field(w, "Spent", summary.Budget.Total.Cost.String())
			return nil
		},
	}
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	var (
		statuses []string
		since    time.Duration
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f job.Filter
			for _, s := range statuses {
				st, err := job.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			jobs, err := a.Reporter.ListJobs(cmd.Context(), f, job.Page{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				if jobs == nil {
					jobs = []job.Job{}
				}
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs in these statuses (queued, running, completed, failed, cancelled, quota_exhausted)")
	cmd.Flags().DurationVar(&since, "since", 0, "only jobs created within this long ago, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	return cmd
}

func newTasksCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <job-id>",
		Short: "List a job's tasks in registration order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			tasks, err := a.Reporter.ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
}

func newBudgetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budget [job-id]",
		Short: "Show committed spend for a job, or across all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			var rep budget.Report
			if len(args) == 1 {
				rep, err = a.Reporter.GetBudgetReport(cmd.Context(), args[0])
			} else {
				rep, err = a.Reporter.GetGlobalBudgetReport(cmd.Context())
			}
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			printBudget(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show a job's phase transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			history, err := a.Reporter.GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), history)
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job or ask a running job to stop",
		Long: `Cancel a job. A queued job is cancelled at once. A running job is flagged and
stops at its next checkpoint, in whichever process owns it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			j, err := a.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), j)
			}
			if j.Status.IsTerminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", warnStyle.Render("cancelled"), j.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", activeStyle.Render("cancel requested"), j.ID)
			}
			return nil
		},
	}
}

func newOrphansCommand(opts *rootOptions) *cobra.Command {
	var reconcile bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List running jobs no live process owns",
		Long: `List jobs recorded as running that no runner in this process owns, typically
left behind by a crash. Only run --reconcile when no other foundry process
shares the store: it fails every listed job with reason orphaned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			jobs, err := a.Orphans(cmd.Context(), reconcile)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				if jobs == nil {
					jobs = []job.Job{}
				}
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			if reconcile && len(jobs) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d job(s) marked failed\n", warnStyle.Render("reconciled"), len(jobs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "fail orphaned jobs with reason orphaned")
	return cmd
}
