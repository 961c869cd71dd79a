package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factfin/decision-pipeline/internal/declog"
	"github.com/factfin/decision-pipeline/internal/replay"
	"github.com/factfin/decision-pipeline/internal/validation"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Log string
}

// ReplayReport is the replay command's output payload.
type ReplayReport struct {
	Total      int                   `json:"total"`
	Checked    int                   `json:"checked"`
	Matched    int                   `json:"matched"`
	Mismatched []replay.ReplayResult `json:"mismatched,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-score recorded runs and verify reproducibility",
		Long: `Re-derive the prediction-consistency score for every validated record
in the decision log and compare it to the recorded value. A mismatch means
the log was altered or the scoring path is no longer deterministic.

Exit codes:
  0 - every validated record reproduces
  1 - at least one score mismatch
  2 - command error (unreadable log, scoring failure)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Log, "log", "", "path to the decision log (default from LOG_PATH)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig("", opts.Log)
	if err != nil {
		return err
	}

	recs, err := declog.Read(cfg.LogPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "read decision log", err)
	}

	rcfg := replay.DefaultReplayConfig()
	rcfg.Validation = validation.Config{
		Scenarios:         cfg.Counterfactual.Scenarios,
		PriceNoiseStd:     cfg.Counterfactual.PriceNoiseStd,
		EarningsShiftDays: cfg.Counterfactual.EarningsShiftDays,
	}

	results, summary, err := replay.Replay(recs, rcfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay", err)
	}

	report := ReplayReport{
		Total:      summary.Total,
		Checked:    summary.Checked,
		Matched:    summary.Matched,
		Mismatched: summary.Mismatched,
	}

	if opts.Format == "json" {
		resp := Response{Status: "ok", Data: report}
		if len(report.Mismatched) > 0 {
			resp.Status = "error"
			resp.Error = &ResponseError{Code: "E_REPLAY", Message: "score reproduction failed"}
		}
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Replay: %d record(s), %d checked, %d matched\n", report.Total, report.Checked, report.Matched)
		if opts.Verbose {
			for _, r := range results {
				mark := "ok"
				if !r.Match {
					mark = "MISMATCH"
				}
				fmt.Fprintf(w, "  %s  recorded=%.6f recomputed=%.6f  %s\n", r.RunID, r.Recorded, r.Recomputed, mark)
			}
		} else {
			for _, r := range report.Mismatched {
				fmt.Fprintf(w, "  MISMATCH %s: recorded=%.6f recomputed=%.6f\n", r.RunID, r.Recorded, r.Recomputed)
			}
		}
	}

	if len(report.Mismatched) > 0 {
		return NewExitError(ExitFailure, "score reproduction failed")
	}
	return nil
}
