// Package cmd implements the foundry command line.
package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foundry/internal/app"
	"github.com/felixgeelhaar/foundry/internal/config"
	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/log"
)

type rootOptions struct {
	configFile string
	logLevel   string
	jsonOutput bool
}

// NewRootCommand builds the foundry command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "foundry",
		Short: "Job orchestrator for multi-phase LLM software generation",
		Long: `foundry turns a product vision into a generated project by running it through
a fixed pipeline of agent phases: meta, requirements, design, architecture,
development and frontend.

Each job runs in its own workspace under a spend ceiling. Jobs can be run
in the foreground with 'foundry run' or picked up by 'foundry serve', which
also exposes the reporting API, Prometheus metrics and health probes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./foundry.yaml or ./.foundry/foundry.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newSubmitCommand(opts),
		newRunCommand(opts),
		newServeCommand(opts),
		newStatusCommand(opts),
		newJobsCommand(opts),
		newTasksCommand(opts),
		newBudgetCommand(opts),
		newHistoryCommand(opts),
		newCancelCommand(opts),
		newWatchCommand(opts),
		newOrphansCommand(opts),
		newVersionCommand(opts),
	)
	return root
}

// ExecuteContext runs the root command with ctx
func ExecuteContext(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// Describe renders err for the terminal, including remediation hints of coded errors
func Describe(err error) string {
	var fe *errors.FoundryError
	if !stderrors.As(err, &fe) || len(fe.Suggestions) == 0 {
		return err.Error()
	}
	var b strings.Builder
	b.WriteString(err.Error())
	b.WriteString("\n\nSuggestions:")
	for _, s := range fe.Suggestions {
		b.WriteString("\n  • ")
		b.WriteString(s)
	}
	return b.String()
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// open loads configuration and wires an App. Logs go to the command's stderr.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	lc, err := log.FromStrings(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "log settings", err)
	}
	logger := log.New(lc)
	log.SetDefault(logger)

	a, err := app.New(cmd.Context(), cfg, app.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("start foundry: %w", err)
	}
	return a, nil
}

// closeApp releases a, reporting a failure on stderr without masking the command's result
func closeApp(cmd *cobra.Command, a *app.App) {
	if err := a.Close(context.WithoutCancel(cmd.Context())); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: close: %v\n", err)
	}
}
