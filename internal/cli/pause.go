package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factfin/decision-pipeline/internal/control"
)

// PauseOptions holds flags for the pause and resume commands.
type PauseOptions struct {
	*RootOptions
	Flag string
}

// NewPauseCommand creates the pause command. Running pipelines observe the
// flag at their next state transition and come to rest without partial
// writes.
func NewPauseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PauseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "pause",
		Short:         "Pause the pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pauseFlagPath(opts.Flag)
			if err != nil {
				return err
			}
			if err := control.SetPauseFlag(path); err != nil {
				return WrapExitError(ExitCommandError, "pause", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused (flag %s). Running pipelines stop at their next transition.\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Flag, "flag", "", "pause flag path (default from PAUSE_FLAG)")
	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PauseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "resume",
		Short:         "Clear the pause flag",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pauseFlagPath(opts.Flag)
			if err != nil {
				return err
			}
			if err := control.ClearPauseFlag(path); err != nil {
				return WrapExitError(ExitCommandError, "resume", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed (flag %s cleared).\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Flag, "flag", "", "pause flag path (default from PAUSE_FLAG)")
	return cmd
}

func pauseFlagPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := loadConfig("", "")
	if err != nil {
		return "", err
	}
	return cfg.PauseFlag, nil
}
