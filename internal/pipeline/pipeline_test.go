package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/factfin/decision-pipeline/internal/control"
	"github.com/factfin/decision-pipeline/internal/declog"
	"github.com/factfin/decision-pipeline/internal/memory"
)

// #region fakes

type fakeStore struct {
	mu        sync.Mutex
	appended  []memory.TraceInput
	prior     []memory.ScoredTrace
	appendErr error
	onPrior   func()
}

func (f *fakeStore) Append(in memory.TraceInput) (memory.Trace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return memory.Trace{}, f.appendErr
	}
	f.appended = append(f.appended, in)
	return memory.Trace{ID: int64(len(f.appended)), RunID: in.RunID}, nil
}

func (f *fakeStore) PriorFailures(query string, k int) ([]memory.ScoredTrace, error) {
	if f.onPrior != nil {
		f.onPrior()
	}
	return f.prior, nil
}

type fakeLog struct {
	mu   sync.Mutex
	recs []declog.Record
}

func (f *fakeLog) Append(rec declog.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

type harness struct {
	p        *Pipeline
	store    *fakeStore
	log      *fakeLog
	pause    *control.Switch
	approval *control.Cell
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.FetchDays = 120
	// Loose gates by default; individual tests tighten what they probe.
	cfg.Validation.Threshold = 0.1
	cfg.Limits = RiskLimits{MaxDrawdown: 1.0, MaxExposure: 2.0}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		store:    &fakeStore{},
		log:      &fakeLog{},
		pause:    &control.Switch{},
		approval: &control.Cell{},
	}
	p, err := New(cfg, Deps{Store: h.store, Log: h.log, Pause: h.pause, Approval: h.approval})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	h.p = p
	return h
}

// #endregion fakes

func TestRunApproved(t *testing.T) {
	h := newHarness(t, nil)
	h.approval.Set(control.ApprovalApproved)

	st, err := h.p.Run(context.Background(), "momentum persists after AAPL earnings")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseApproved {
		t.Fatalf("expected approved, got %s (%s)", st.Phase, st.FailureReason)
	}
	if st.HumanApproval != control.ApprovalApproved {
		t.Fatal("human approval not recorded")
	}
	if st.Veto {
		t.Fatalf("unexpected veto: %s", st.VetoReason)
	}
	if st.PCScore <= 0 || st.PCScore > 1 {
		t.Fatalf("PC score out of range: %f", st.PCScore)
	}
	if len(h.store.appended) != 1 {
		t.Fatalf("expected 1 trace append, got %d", len(h.store.appended))
	}
	if len(h.log.recs) != 1 || h.log.recs[0].FinalState != "approved" {
		t.Fatalf("decision log mismatch: %+v", h.log.recs)
	}
	if !st.RiskReport.WithinLimits {
		t.Fatalf("risk report should be within limits: %+v", st.RiskReport)
	}
}

func TestRunDeterministicPCScore(t *testing.T) {
	mk := func() *State {
		h := newHarness(t, nil)
		h.approval.Set(control.ApprovalApproved)
		st, err := h.p.Run(context.Background(), "mean reversion in MSFT")
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return st
	}
	a, b := mk(), mk()
	if a.PCScore != b.PCScore {
		t.Fatalf("identical runs produced different PC scores: %f vs %f", a.PCScore, b.PCScore)
	}
}

func TestPCBelowThresholdIsUnconditionalVeto(t *testing.T) {
	// Threshold above the maximum attainable PC: every critique vetoes on
	// consistency even though bias checks and risk limits all pass.
	h := newHarness(t, func(c *Config) { c.Validation.Threshold = 1.01 })
	h.approval.Set(control.ApprovalApproved)

	st, err := h.p.Run(context.Background(), "sector rotation alpha")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	if !st.Veto {
		t.Fatal("veto must be set when PC is below threshold")
	}
	if !strings.Contains(st.VetoReason, "prediction consistency") {
		t.Fatalf("veto reason should cite consistency: %q", st.VetoReason)
	}
	if st.FailureReason != "retries exhausted" {
		t.Fatalf("expected retries-exhausted reason, got %q", st.FailureReason)
	}
}

func TestRetryCeiling(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Validation.Threshold = 1.01
		c.MaxRetries = 2
	})
	st, err := h.p.Run(context.Background(), "volatility clustering")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	// Vetoes 1 and 2 retry; veto 3 hits the ceiling. The counter never
	// exceeds MaxRetries.
	if st.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", st.RetryCount)
	}
	if len(h.log.recs) != 1 || h.log.recs[0].RetryCount != 2 {
		t.Fatalf("decision log retry count mismatch: %+v", h.log.recs)
	}
}

func TestBiasVetoIndependentOfPC(t *testing.T) {
	// "future" in the hypothesis leaks into the generated snippet and
	// trips the look-ahead heuristic; PC itself passes.
	h := newHarness(t, nil)
	st, err := h.p.Run(context.Background(), "returns predict future earnings surprises")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	if !strings.Contains(st.VetoReason, "look-ahead") {
		t.Fatalf("expected look-ahead veto, got %q", st.VetoReason)
	}
	if st.CritiqueScore != 0.4 {
		t.Fatalf("expected critique score 0.4, got %f", st.CritiqueScore)
	}
}

func TestMalformedHypothesisFailsClosedWithZeroToolCalls(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.p.Run(context.Background(), "   ")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	if st.FailureReason != "malformed hypothesis" {
		t.Fatalf("expected malformed-hypothesis reason, got %q", st.FailureReason)
	}
	if len(st.MarketData.Prices) != 0 || len(st.Analysis.Predictions) != 0 {
		t.Fatal("no tool output should exist for a malformed hypothesis")
	}
	if len(h.store.appended) != 1 {
		t.Fatal("failed runs must still be traced")
	}
}

func TestToolNotAllowlistedFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	// Strip the executor's allowlist after construction; the first fetch
	// must fail before any side effect.
	h.p.agents.Executor.AllowedTools = nil

	st, err := h.p.Run(context.Background(), "pairs trading spread")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	if st.FailureReason != "tool not allowlisted" {
		t.Fatalf("expected allowlist reason, got %q", st.FailureReason)
	}
	if len(st.MarketData.Prices) != 0 {
		t.Fatal("no market data should exist after an allowlist rejection")
	}
}

func TestPauseBeforeRunYieldsPausedWithoutTrace(t *testing.T) {
	h := newHarness(t, nil)
	h.pause.Set(true)

	st, err := h.p.Run(context.Background(), "low beta anomaly")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhasePaused || !st.Paused {
		t.Fatalf("expected paused, got %s", st.Phase)
	}
	if st.FailureReason != "paused by operator" {
		t.Fatalf("expected pause reason, got %q", st.FailureReason)
	}
	if len(h.store.appended) != 0 {
		t.Fatal("paused runs are restartable and must not write a trace")
	}
	if len(h.log.recs) != 1 || h.log.recs[0].FinalState != "paused" {
		t.Fatalf("paused outcome must still be logged: %+v", h.log.recs)
	}
}

func TestPauseMidRunObservedAtNextTransition(t *testing.T) {
	h := newHarness(t, nil)
	// Pause lands while planning is consulting the trace store; the next
	// transition check must stop the run before the executor touches a tool.
	h.store.onPrior = func() { h.pause.Set(true) }

	st, err := h.p.Run(context.Background(), "carry trade decay")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhasePaused {
		t.Fatalf("expected paused, got %s", st.Phase)
	}
	if len(st.Plan) == 0 {
		t.Fatal("planning finished before the pause; its output must be intact")
	}
	if len(st.MarketData.Prices) != 0 {
		t.Fatal("executor must not have run after the pause")
	}
}

func TestHumanRejection(t *testing.T) {
	h := newHarness(t, nil)
	h.approval.Set(control.ApprovalRejected)

	st, err := h.p.Run(context.Background(), "dividend capture edge")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseRejected {
		t.Fatalf("expected rejected, got %s", st.Phase)
	}
	if st.FailureReason != "rejected by human approver" {
		t.Fatalf("unexpected reason: %q", st.FailureReason)
	}
	if len(h.store.appended) != 1 {
		t.Fatal("rejected runs must be traced")
	}
}

func TestApprovalWaitCancelledFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	st, err := h.p.Run(ctx, "overnight gap fade")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	if st.FailureReason != "approval wait cancelled" {
		t.Fatalf("unexpected reason: %q", st.FailureReason)
	}
}

func TestRiskLimitViolationFailsClosed(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		// A negative ceiling is unsatisfiable: drawdown is always >= 0.
		c.Limits.MaxDrawdown = -1
	})
	st, err := h.p.Run(context.Background(), "buy the dip")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Phase != PhaseFailedClosed {
		t.Fatalf("expected failed_closed, got %s", st.Phase)
	}
	if !strings.Contains(st.FailureReason, "risk limits exceeded") {
		t.Fatalf("unexpected reason: %q", st.FailureReason)
	}
	if st.RiskReport.WithinLimits {
		t.Fatal("risk report should record the violation")
	}
}

func TestPersistenceFailureSurfaced(t *testing.T) {
	h := newHarness(t, nil)
	h.approval.Set(control.ApprovalApproved)
	h.store.appendErr = errors.New("disk gone")

	_, err := h.p.Run(context.Background(), "term structure signal")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence failure surfaced, got %v", err)
	}
}

func TestPlannerSeesPriorFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.approval.Set(control.ApprovalApproved)
	h.store.prior = []memory.ScoredTrace{{
		Trace: memory.Trace{
			Hypothesis:    "momentum persists",
			FailureReason: "retries exhausted",
		},
		Similarity: 0.93,
	}}

	st, err := h.p.Run(context.Background(), "momentum persists on small caps")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, m := range st.Messages {
		if m.Role == "planner" && strings.Contains(m.Content, "prior failures") {
			found = true
		}
	}
	if !found {
		t.Fatal("planner should have surfaced the prior failure")
	}
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	if err == nil {
		t.Fatal("missing collaborators must be a construction error")
	}
}

func TestAgentsValidateUnknownTool(t *testing.T) {
	ag := DefaultAgents()
	ag.Executor.AllowedTools = append(ag.Executor.AllowedTools, "place_order")
	if err := ag.validate(); err == nil {
		t.Fatal("unknown tool in an allowlist must be a configuration error")
	}
}

func TestSymbolFor(t *testing.T) {
	cases := map[string]string{
		"momentum persists after AAPL earnings": "AAPL",
		"mean reversion in MSFT":                "MSFT",
		"no ticker here":                        "AAPL",
		"watch NVDA, then fade":                 "NVDA",
	}
	for in, want := range cases {
		if got := SymbolFor(in); got != want {
			t.Fatalf("SymbolFor(%q) = %q, want %q", in, got, want)
		}
	}
}
