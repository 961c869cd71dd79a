// Package cli wires the pipeline, trace store, decision log, and operator
// signals into the factfin command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factfin/decision-pipeline/internal/config"
	"github.com/factfin/decision-pipeline/internal/memory"
)

// RootOptions holds global flags shared by every subcommand.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"
}

// validFormats are the allowed --format values.
var validFormats = []string{"text", "json"}

// NewRootCommand creates the factfin root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "factfin",
		Short: "FactFin - trading hypothesis research pipeline",
		Long:  "Runs trading hypotheses through the planner/executor/critic/risk pipeline with counterfactual validation and a human approval gate.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewPauseCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewRejectCommand(opts))

	return cmd
}

// isValidFormat checks the --format value against the allowed set.
func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the environment configuration and applies non-empty
// flag overrides for the common path knobs.
func loadConfig(db, logPath string) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load configuration", err)
	}
	if db != "" {
		cfg.DBPath = db
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	return cfg, nil
}

// openStore opens the trace store with the production summarizer and
// embedder.
func openStore(cfg config.Config) (*memory.Store, error) {
	st, err := memory.NewStore(cfg.DBPath, memory.KeySummarizer{}, memory.NewHashEmbedder(cfg.EmbedDim))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open trace store", err)
	}
	return st, nil
}
