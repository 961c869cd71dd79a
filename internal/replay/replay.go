// Package replay is the audit-reproducibility check: it re-derives the
// prediction-consistency score for recorded runs from nothing but the
// decision log and reports any record whose score cannot be reproduced.
// A mismatch means either the log was tampered with or the scoring path
// is no longer deterministic; both are audit failures.
package replay

import (
	"fmt"
	"math"

	"github.com/factfin/decision-pipeline/internal/declog"
	"github.com/factfin/decision-pipeline/internal/pipeline"
	"github.com/factfin/decision-pipeline/internal/tools"
	"github.com/factfin/decision-pipeline/internal/validation"
)

// #region types

// Scores are bit-identical on re-derivation; the tolerance only absorbs
// the JSON float round trip.
const scoreTolerance = 1e-9

// ReplayConfig carries the counterfactual knobs that the decision log
// does not record per run. Threshold and Seed are always taken from the
// record itself.
type ReplayConfig struct {
	Validation validation.Config
	FetchDays  int
}

// DefaultReplayConfig returns the production counterfactual settings.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Validation: validation.DefaultConfig(),
		FetchDays:  252,
	}
}

// ReplayResult is the verdict for one decision log record.
type ReplayResult struct {
	RunID      string
	Hypothesis string
	Recorded   float64
	Recomputed float64
	Match      bool
}

// ReplaySummary aggregates a replay run over a full decision log.
type ReplaySummary struct {
	Total      int // records in the log
	Checked    int // records that carried a validated score
	Matched    int
	Mismatched []ReplayResult
}

// #endregion types

// #region replay

// Replay re-scores every validated record in recs and reports per-record
// verdicts plus a summary. Records that never reached the critic (paused
// runs, malformed hypotheses, allowlist failures) carry no score and are
// skipped, not failed.
func Replay(recs []declog.Record, cfg ReplayConfig) ([]ReplayResult, ReplaySummary, error) {
	results := make([]ReplayResult, 0, len(recs))
	summary := ReplaySummary{Total: len(recs)}

	for _, rec := range recs {
		if !rec.Validated {
			continue
		}
		got, err := Rescore(rec, cfg)
		if err != nil {
			return nil, ReplaySummary{}, fmt.Errorf("rescore run %s: %w", rec.RunID, err)
		}

		r := ReplayResult{
			RunID:      rec.RunID,
			Hypothesis: rec.Hypothesis,
			Recorded:   rec.PCScore,
			Recomputed: got,
			Match:      math.Abs(got-rec.PCScore) <= scoreTolerance,
		}
		results = append(results, r)

		summary.Checked++
		if r.Match {
			summary.Matched++
		} else {
			summary.Mismatched = append(summary.Mismatched, r)
		}
	}
	return results, summary, nil
}

// Rescore re-runs the executor's deterministic fetch/clean/analyze path
// and the counterfactual engine for one record, reproducing the exact
// conditions of the run's final attempt: same symbol derivation, same
// feed seed offset by the recorded retry count, same scenario seed and
// threshold.
func Rescore(rec declog.Record, cfg ReplayConfig) (float64, error) {
	symbol := pipeline.SymbolFor(rec.Hypothesis)
	days := rec.FetchDays
	if days <= 0 {
		days = cfg.FetchDays
	}

	raw, err := tools.FetchMarketData(tools.FetchRequest{
		Symbol: symbol,
		Days:   days,
		Seed:   rec.Seed + int64(rec.RetryCount),
	})
	if err != nil {
		return 0, err
	}
	cleaned, err := tools.CleanData(raw)
	if err != nil {
		return 0, err
	}
	analysis, err := tools.RunAnalysis(cleaned)
	if err != nil {
		return 0, err
	}

	vcfg := cfg.Validation
	vcfg.Seed = rec.Seed
	vcfg.Threshold = rec.Threshold
	engine := validation.NewEngine(vcfg, func(d tools.Dataset) ([]float64, error) {
		a, err := tools.RunAnalysis(d)
		if err != nil {
			return nil, err
		}
		return a.Predictions, nil
	})

	res, err := engine.Validate(cleaned, analysis.Predictions)
	if err != nil {
		return 0, err
	}
	return res.PCScore, nil
}

// #endregion replay
