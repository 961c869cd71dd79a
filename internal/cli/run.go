package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factfin/decision-pipeline/internal/config"
	"github.com/factfin/decision-pipeline/internal/control"
	"github.com/factfin/decision-pipeline/internal/declog"
	"github.com/factfin/decision-pipeline/internal/pipeline"
	"github.com/factfin/decision-pipeline/internal/validation"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Log      string
}

// RunReport is the run command's output payload.
type RunReport struct {
	RunID         string  `json:"run_id"`
	FinalState    string  `json:"final_state"`
	RetryCount    int     `json:"retry_count"`
	PCScore       float64 `json:"pc_score"`
	CritiqueScore float64 `json:"critique_score"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <hypothesis>",
		Short: "Run one hypothesis through the pipeline",
		Long: `Run a trading hypothesis through planning, execution, counterfactual
critique, risk checks, and the human approval gate. The command blocks at
the approval gate until the approval flag file is written, the pause flag
appears, or the process is interrupted.

Exit codes:
  0 - hypothesis approved, or run paused (restartable)
  1 - hypothesis rejected or run failed closed
  2 - command error (configuration, store, or audit-write failure)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHypothesis(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the trace store (default from FACTFIN_DB)")
	cmd.Flags().StringVar(&opts.Log, "log", "", "path to the decision log (default from LOG_PATH)")

	return cmd
}

func runHypothesis(opts *RunOptions, cmd *cobra.Command, hypothesis string) error {
	cfg, err := loadConfig(opts.Database, opts.Log)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := pipeline.New(pipelineConfig(cfg), pipeline.Deps{
		Store:    store,
		Log:      declog.NewLogger(cfg.LogPath),
		Pause:    control.FlagPause{Path: cfg.PauseFlag},
		Approval: control.FlagApproval{Path: cfg.ApprovalFlag},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "build pipeline", err)
	}

	st, err := p.Run(cmd.Context(), hypothesis)
	if err != nil {
		return WrapExitError(ExitCommandError, "record run outcome", err)
	}

	report := RunReport{
		RunID:         st.RunID,
		FinalState:    string(st.Phase),
		RetryCount:    st.RetryCount,
		PCScore:       st.PCScore,
		CritiqueScore: st.CritiqueScore,
		FailureReason: st.FailureReason,
	}

	if opts.Format == "json" {
		resp := Response{Status: "ok", Data: report}
		if st.Phase == pipeline.PhaseRejected || st.Phase == pipeline.PhaseFailedClosed {
			resp.Status = "error"
			resp.Error = &ResponseError{Code: "E_RUN", Message: st.FailureReason}
		}
		if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Run %s: %s\n", report.RunID, report.FinalState)
		fmt.Fprintf(w, "  PC score: %.3f (threshold %.2f)\n", report.PCScore, cfg.PCThreshold)
		fmt.Fprintf(w, "  Retries: %d\n", report.RetryCount)
		if report.FailureReason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", report.FailureReason)
		}
		if opts.Verbose {
			for _, line := range st.Logs {
				fmt.Fprintf(w, "  log: %s\n", line)
			}
		}
	}

	switch st.Phase {
	case pipeline.PhaseRejected, pipeline.PhaseFailedClosed:
		return NewExitError(ExitFailure, fmt.Sprintf("run %s: %s", report.FinalState, report.FailureReason))
	}
	return nil
}

// pipelineConfig maps the environment configuration onto the state
// machine's knobs.
func pipelineConfig(cfg config.Config) pipeline.Config {
	pcfg := pipeline.DefaultConfig()
	pcfg.MaxRetries = cfg.MaxRetries
	pcfg.TopK = cfg.TopK
	pcfg.Limits = pipeline.RiskLimits{
		MaxDrawdown: cfg.Limits.MaxDrawdown,
		MaxExposure: cfg.Limits.MaxExposure,
	}
	pcfg.Validation = validation.Config{
		Scenarios:         cfg.Counterfactual.Scenarios,
		PriceNoiseStd:     cfg.Counterfactual.PriceNoiseStd,
		EarningsShiftDays: cfg.Counterfactual.EarningsShiftDays,
		Threshold:         cfg.PCThreshold,
		Seed:              cfg.Seed,
	}
	return pcfg
}
