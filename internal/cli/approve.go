package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factfin/decision-pipeline/internal/control"
)

// ApproveOptions holds flags for the approve and reject commands.
type ApproveOptions struct {
	*RootOptions
	Flag string
}

// NewApproveCommand creates the approve command: the human half of the
// approval gate.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return approvalCommand(rootOpts, "approve", "Approve the waiting run")
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	return approvalCommand(rootOpts, "reject", "Reject the waiting run")
}

func approvalCommand(rootOpts *RootOptions, decision, short string) *cobra.Command {
	opts := &ApproveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           decision,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Flag
			if path == "" {
				cfg, err := loadConfig("", "")
				if err != nil {
					return err
				}
				path = cfg.ApprovalFlag
			}
			if err := control.WriteApprovalFlag(path, decision); err != nil {
				return WrapExitError(ExitCommandError, decision, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %q written to %s.\n", decision, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Flag, "flag", "", "approval flag path (default from APPROVAL_FLAG)")
	return cmd
}
