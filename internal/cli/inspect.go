package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factfin/decision-pipeline/internal/declog"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Log      string
	Query    string
	K        int
	Failures bool
}

// InspectRecord is one decision log entry in the inspect output.
type InspectRecord struct {
	RunID         string  `json:"run_id"`
	Hypothesis    string  `json:"hypothesis"`
	FinalState    string  `json:"final_state"`
	RetryCount    int     `json:"retry_count"`
	PCScore       float64 `json:"pc_score"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// InspectMatch is one similarity hit in the inspect output.
type InspectMatch struct {
	RunID         string  `json:"run_id"`
	Hypothesis    string  `json:"hypothesis"`
	Similarity    float64 `json:"similarity"`
	Summary       string  `json:"summary"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect recorded decisions and traces",
		Long: `Without --query, list every record in the decision log. With --query,
run a similarity search over the trace store instead; --failures restricts
the search to runs that failed, the same lookup the planner performs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Query != "" {
				return inspectTraces(opts, cmd)
			}
			return inspectLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the trace store (default from FACTFIN_DB)")
	cmd.Flags().StringVar(&opts.Log, "log", "", "path to the decision log (default from LOG_PATH)")
	cmd.Flags().StringVar(&opts.Query, "query", "", "similarity search over stored traces")
	cmd.Flags().IntVar(&opts.K, "k", 0, "number of similarity hits (default TOP_K)")
	cmd.Flags().BoolVar(&opts.Failures, "failures", false, "restrict --query to failed runs")

	return cmd
}

func inspectLog(opts *InspectOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.Database, opts.Log)
	if err != nil {
		return err
	}

	recs, err := declog.Read(cfg.LogPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "read decision log", err)
	}

	out := make([]InspectRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, InspectRecord{
			RunID:         r.RunID,
			Hypothesis:    r.Hypothesis,
			FinalState:    r.FinalState,
			RetryCount:    r.RetryCount,
			PCScore:       r.PCScore,
			FailureReason: r.FailureReason,
		})
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), Response{Status: "ok", Data: out})
	}

	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintln(w, "Decision log is empty.")
		return nil
	}
	fmt.Fprintf(w, "Decision log: %d record(s)\n", len(out))
	for _, r := range out {
		fmt.Fprintf(w, "  %s  %-13s retries=%d pc=%.3f  %s\n", r.RunID, r.FinalState, r.RetryCount, r.PCScore, r.Hypothesis)
		if r.FailureReason != "" && opts.Verbose {
			fmt.Fprintf(w, "    reason: %s\n", r.FailureReason)
		}
	}
	return nil
}

func inspectTraces(opts *InspectOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.Database, opts.Log)
	if err != nil {
		return err
	}
	k := opts.K
	if k <= 0 {
		k = cfg.TopK
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	search := store.Similar
	if opts.Failures {
		search = store.PriorFailures
	}
	hits, err := search(opts.Query, k)
	if err != nil {
		return WrapExitError(ExitCommandError, "trace search", err)
	}

	out := make([]InspectMatch, 0, len(hits))
	for _, h := range hits {
		out = append(out, InspectMatch{
			RunID:         h.RunID,
			Hypothesis:    h.Hypothesis,
			Similarity:    h.Similarity,
			Summary:       h.Summary,
			FailureReason: h.FailureReason,
		})
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), Response{Status: "ok", Data: out})
	}

	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintln(w, "No matching traces.")
		return nil
	}
	for _, m := range out {
		fmt.Fprintf(w, "  %.3f  %s  %s\n", m.Similarity, m.RunID, m.Hypothesis)
		if opts.Verbose {
			fmt.Fprintf(w, "    %s\n", m.Summary)
		}
	}
	return nil
}
