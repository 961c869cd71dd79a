package replay

import (
	"testing"

	"github.com/factfin/decision-pipeline/internal/declog"
)

func validatedRecord(t *testing.T, cfg ReplayConfig) declog.Record {
	t.Helper()
	rec := declog.Record{
		RunID:      "run-1",
		Hypothesis: "mean reversion in MSFT after earnings",
		FinalState: "approved",
		RetryCount: 1,
		Seed:       7,
		Threshold:  0.7,
		FetchDays:  120,
		Validated:  true,
	}
	pc, err := Rescore(rec, cfg)
	if err != nil {
		t.Fatalf("rescore: %v", err)
	}
	rec.PCScore = pc
	return rec
}

func TestRescoreDeterministic(t *testing.T) {
	cfg := DefaultReplayConfig()
	rec := validatedRecord(t, cfg)

	again, err := Rescore(rec, cfg)
	if err != nil {
		t.Fatalf("rescore: %v", err)
	}
	if again != rec.PCScore {
		t.Fatalf("rescore not deterministic: %v then %v", rec.PCScore, again)
	}
}

func TestReplayIntactLogMatches(t *testing.T) {
	cfg := DefaultReplayConfig()
	rec := validatedRecord(t, cfg)

	results, summary, err := Replay([]declog.Record{rec}, cfg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(results) != 1 || !results[0].Match {
		t.Fatalf("intact record must reproduce: %+v", results)
	}
	if summary.Total != 1 || summary.Checked != 1 || summary.Matched != 1 || len(summary.Mismatched) != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestReplayFlagsTamperedScore(t *testing.T) {
	cfg := DefaultReplayConfig()
	rec := validatedRecord(t, cfg)
	rec.PCScore += 0.25

	results, summary, err := Replay([]declog.Record{rec}, cfg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if results[0].Match {
		t.Fatal("tampered score must not reproduce")
	}
	if summary.Matched != 0 || len(summary.Mismatched) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Mismatched[0].RunID != "run-1" {
		t.Fatalf("mismatch run id = %q", summary.Mismatched[0].RunID)
	}
}

func TestReplaySkipsUnvalidatedRecords(t *testing.T) {
	cfg := DefaultReplayConfig()
	recs := []declog.Record{
		{RunID: "run-paused", Hypothesis: "x", FinalState: "paused"},
		{RunID: "run-malformed", Hypothesis: "", FinalState: "failed_closed", FailureReason: "malformed hypothesis"},
	}

	results, summary, err := Replay(recs, cfg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("unvalidated records must be skipped, got %d results", len(results))
	}
	if summary.Total != 2 || summary.Checked != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestReplaySeedChangesScoreInputs(t *testing.T) {
	cfg := DefaultReplayConfig()
	rec := validatedRecord(t, cfg)

	shifted := rec
	shifted.Seed = rec.Seed + 1000
	pc, err := Rescore(shifted, cfg)
	if err != nil {
		t.Fatalf("rescore: %v", err)
	}
	// Different seed, different synthetic feed and scenario draw. The
	// scores could collide, but the datasets cannot; assert on the score
	// only when it actually moved, otherwise on a second seed.
	if pc == rec.PCScore {
		shifted.Seed = rec.Seed + 2000
		pc2, err := Rescore(shifted, cfg)
		if err != nil {
			t.Fatalf("rescore: %v", err)
		}
		if pc2 == rec.PCScore {
			t.Fatalf("score invariant under seed changes: %v", rec.PCScore)
		}
	}
}
