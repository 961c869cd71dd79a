// Package pipeline is the decision state machine: planner → executor →
// critic → risk manager → human approval, with veto-triggered retry and a
// global pause switch polled at every transition. No step can silently
// bypass a safety gate; every ambiguity resolves fail-closed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/factfin/decision-pipeline/internal/control"
	"github.com/factfin/decision-pipeline/internal/declog"
	"github.com/factfin/decision-pipeline/internal/memory"
	"github.com/factfin/decision-pipeline/internal/tools"
	"github.com/factfin/decision-pipeline/internal/validation"
)

// #region dependencies

// TraceStore is the pipeline's view of the trace memory: append on
// termination, consult prior failures before planning.
type TraceStore interface {
	Append(in memory.TraceInput) (memory.Trace, error)
	PriorFailures(query string, k int) ([]memory.ScoredTrace, error)
}

// DecisionLog receives one record per run outcome.
type DecisionLog interface {
	Append(rec declog.Record) error
}

// Deps are the pipeline's injected collaborators. All are required; a
// missing collaborator is a construction error, not a runtime surprise.
type Deps struct {
	Store    TraceStore
	Log      DecisionLog
	Pause    control.PauseSource
	Approval control.ApprovalSource
}

// #endregion dependencies

// #region pipeline

// Pipeline drives one hypothesis run through the state machine. Safe for
// concurrent use: independent runs share only the trace store and the
// signal sources.
type Pipeline struct {
	cfg    Config
	agents Agents
	engine *validation.Engine

	store    TraceStore
	declog   DecisionLog
	pause    control.PauseSource
	approval control.ApprovalSource
}

// New wires a pipeline with the default agent cast. The validation
// engine's predict collaborator routes through the executor's own
// allowlist, so even counterfactual analysis cannot escape the tool gate.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Log == nil || deps.Pause == nil || deps.Approval == nil {
		return nil, fmt.Errorf("pipeline: all collaborators are required")
	}
	agents := DefaultAgents()
	if err := agents.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		agents:   agents,
		store:    deps.Store,
		declog:   deps.Log,
		pause:    deps.Pause,
		approval: deps.Approval,
	}
	p.engine = validation.NewEngine(cfg.Validation, p.counterfactualPredict)
	return p, nil
}

// counterfactualPredict obtains a prediction series for one counterfactual
// dataset via the executor's analysis tool.
func (p *Pipeline) counterfactualPredict(d tools.Dataset) ([]float64, error) {
	if err := p.agents.Executor.CheckTool(tools.ToolRunAnalysis); err != nil {
		return nil, err
	}
	a, err := tools.RunAnalysis(d)
	if err != nil {
		return nil, err
	}
	return a.Predictions, nil
}

// #endregion pipeline

// #region run

// Run advances one hypothesis through the machine until it stops, then
// records the outcome. The returned state is always the state at rest;
// the returned error is non-nil only when the audit record itself could
// not be written, which voids the run's audit guarantee.
func (p *Pipeline) Run(ctx context.Context, hypothesis string) (*State, error) {
	st := &State{
		RunID:         uuid.New().String(),
		Hypothesis:    hypothesis,
		Phase:         PhasePlanning,
		HumanApproval: control.ApprovalPending,
	}
	st.say("user", hypothesis)

	for !st.Phase.Stopped() {
		if p.pause.Paused() {
			p.markPaused(st)
			break
		}

		var err error
		switch st.Phase {
		case PhasePlanning:
			err = p.plan(st)
		case PhaseExecuting:
			err = p.execute(st)
		case PhaseCritiquing:
			err = p.critique(st)
		case PhaseRiskChecking:
			err = p.riskCheck(st)
		case PhaseApproval:
			err = p.awaitApproval(ctx, st)
		default:
			err = fmt.Errorf("unknown phase %q", st.Phase)
		}
		if err != nil {
			log.Printf("[PIPE] run %s failed in %s: %v", st.RunID, st.Phase, err)
			st.failClosed(reasonFor(err))
		}
	}

	log.Printf("[PIPE] run %s stopped: phase=%s retries=%d pc=%.3f reason=%q",
		st.RunID, st.Phase, st.RetryCount, st.PCScore, st.FailureReason)
	return st, p.finalize(st)
}

// markPaused brings the run to rest without partial writes; the state is
// fully consistent and the run restartable.
func (p *Pipeline) markPaused(st *State) {
	st.Paused = true
	st.FailureReason = ErrPausedByOperator.Error()
	st.Phase = PhasePaused
}

// reasonFor maps an internal error to the externally visible failure
// reason. Terminal state plus this string is the sole external
// explanation; raw tool errors stay in the server log.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrMalformedHypothesis):
		return ErrMalformedHypothesis.Error()
	case errors.Is(err, ErrRetriesExhausted):
		return ErrRetriesExhausted.Error()
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	case errors.Is(err, tools.ErrNotAllowlisted):
		return "tool not allowlisted"
	case errors.Is(err, tools.ErrExecution):
		return "tool execution failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "approval wait cancelled"
	}
	return err.Error()
}

// #endregion run

// #region planning

const maxHypothesisLen = 4096

// plan validates the hypothesis, consults the trace store for similar
// prior failures, and emits the research plan. The planner has no tool
// access; the trace read is a collaborator query, not a tool call.
func (p *Pipeline) plan(st *State) error {
	h := strings.TrimSpace(st.Hypothesis)
	if h == "" || len(st.Hypothesis) > maxHypothesisLen {
		return ErrMalformedHypothesis
	}

	prior, err := p.store.PriorFailures(st.Hypothesis, p.cfg.TopK)
	if err != nil {
		return fmt.Errorf("%w: prior-failure lookup: %v", ErrPersistence, err)
	}
	if len(prior) > 0 {
		st.say("planner", fmt.Sprintf("%d similar prior failures on record; most similar: %q (%s)",
			len(prior), prior[0].Hypothesis, prior[0].FailureReason))
		st.note(fmt.Sprintf("planner consulted %d prior failures", len(prior)))
	}

	st.Plan = []string{
		fmt.Sprintf("Restate hypothesis: %s", h),
		"Identify required datasets and constraints",
		"Outline feature engineering steps",
		"Define evaluation protocol and bias checks",
	}
	st.say("planner", "Plan created.")
	st.note("planner produced research plan")
	st.Phase = PhaseExecuting
	return nil
}

// #endregion planning

// #region executing

// execute runs the executor's allowlisted tool sequence: fetch, clean,
// analyze. It produces market data, a prediction series, and a research
// code snippet — the snippet is an artifact for review and is never
// executed. Compliance then reviews with its own allowlist; its report is
// informational and cannot modify the analysis.
func (p *Pipeline) execute(st *State) error {
	symbol := SymbolFor(st.Hypothesis)
	// Each retry re-executes against a shifted feed seed, the moral
	// equivalent of the executor producing a fresh attempt.
	seed := p.cfg.Validation.Seed + int64(st.RetryCount)

	if err := p.agents.Executor.CheckTool(tools.ToolFetchMarketData); err != nil {
		return err
	}
	raw, err := tools.FetchMarketData(tools.FetchRequest{Symbol: symbol, Days: p.cfg.FetchDays, Seed: seed})
	if err != nil {
		return err
	}

	if err := p.agents.Executor.CheckTool(tools.ToolCleanData); err != nil {
		return err
	}
	cleaned, err := tools.CleanData(raw)
	if err != nil {
		return err
	}

	if err := p.agents.Executor.CheckTool(tools.ToolRunAnalysis); err != nil {
		return err
	}
	analysis, err := tools.RunAnalysis(cleaned)
	if err != nil {
		return err
	}

	st.MarketData = cleaned
	st.Analysis = analysis
	st.CodeSnippet = renderSnippet(symbol, st.Plan)
	st.say("executor", "Code generated (not executed); analysis artifacts produced.")
	st.note(fmt.Sprintf("executor attempt %d: %d predictions, %d buy / %d sell signals",
		st.RetryCount, len(analysis.Predictions), analysis.BuySignals, analysis.SellSignals))

	if err := p.agents.Compliance.CheckTool(tools.ToolCheckRestricted); err != nil {
		return err
	}
	symbolReport := tools.CheckRestrictedSymbols([]string{symbol})
	if err := p.agents.Compliance.CheckTool(tools.ToolCheckWashSale); err != nil {
		return err
	}
	washReport := tools.CheckWashSalePatterns(nil)

	st.Compliance = symbolReport
	if washReport.Status != "pass" || symbolReport.Status != "pass" {
		st.Compliance = tools.ComplianceResult{
			Status:     "fail",
			Violations: append(symbolReport.Violations, washReport.Violations...),
			Note:       "compliance review flagged issues",
		}
	}
	st.say("compliance", fmt.Sprintf("Compliance review: %s.", st.Compliance.Status))

	st.Phase = PhaseCritiquing
	return nil
}

// SymbolFor extracts an uppercase ticker token from the hypothesis, or
// falls back to AAPL. Exported so the replay auditor derives the exact
// symbol the original run used.
func SymbolFor(hypothesis string) string {
	for _, tok := range strings.Fields(hypothesis) {
		tok = strings.Trim(tok, ".,;:()\"'")
		if len(tok) < 1 || len(tok) > 5 {
			continue
		}
		upper := true
		for _, c := range tok {
			if c < 'A' || c > 'Z' {
				upper = false
				break
			}
		}
		if upper {
			return tok
		}
	}
	return "AAPL"
}

// renderSnippet emits the research code the executor would hand to a
// human reviewer. Text artifact only.
func renderSnippet(symbol string, plan []string) string {
	var b strings.Builder
	b.WriteString("# Auto-generated research notebook cell. Review only; do not run unvetted.\n")
	for _, step := range plan {
		b.WriteString("# plan: " + step + "\n")
	}
	fmt.Fprintf(&b, "df = load_ohlcv(%q)\n", symbol)
	b.WriteString("df['rsi'] = rsi(df['close'], period=14)\n")
	b.WriteString("signals = mean_reversion_signals(df, sentiment_weight=0.2)\n")
	return b.String()
}

// #endregion executing

// #region critiquing

// critique runs the counterfactual validation engine and the bias
// heuristics. A PC score below threshold is an unconditional veto,
// independent of every other signal. A veto re-enters the executor until
// the retry ceiling; the ceiling fails closed.
func (p *Pipeline) critique(st *State) error {
	res, err := p.engine.Validate(st.MarketData, st.Analysis.Predictions)
	if err != nil {
		return err
	}
	st.PCScore = res.PCScore
	st.Validated = true

	st.Veto = false
	st.VetoReason = ""
	st.CritiqueScore = 0.9
	if risk := lookAheadRisk(st.CodeSnippet); risk {
		st.CritiqueScore = 0.4
		st.Veto = true
		st.VetoReason = "look-ahead bias markers in generated code"
	}
	if !res.Passed {
		st.Veto = true
		st.VetoReason = fmt.Sprintf("prediction consistency %.3f below threshold %.2f", res.PCScore, res.Threshold)
	}
	st.say("critic", fmt.Sprintf("Critic review complete: pc=%.3f veto=%v.", st.PCScore, st.Veto))

	if !st.Veto {
		st.note("critic passed analysis to risk manager")
		st.Phase = PhaseRiskChecking
		return nil
	}

	if st.RetryCount >= p.cfg.MaxRetries {
		st.note("critic veto with retries exhausted")
		return fmt.Errorf("%w: %s", ErrRetriesExhausted, st.VetoReason)
	}
	st.RetryCount++
	st.note(fmt.Sprintf("critic vetoed (%s); retry %d of %d", st.VetoReason, st.RetryCount, p.cfg.MaxRetries))
	st.Phase = PhaseExecuting
	return nil
}

// lookAheadRisk flags generated code that references future data.
func lookAheadRisk(snippet string) bool {
	lower := strings.ToLower(snippet)
	return strings.Contains(lower, "shift(-") || strings.Contains(lower, "future")
}

// #endregion critiquing

// #region risk-checking

// riskCheck enforces drawdown and exposure ceilings against the
// executor's risk metrics. A violation is terminal, not retriable.
func (p *Pipeline) riskCheck(st *State) error {
	m := st.Analysis.Risk
	var violations []string
	if m.MaxDrawdown > p.cfg.Limits.MaxDrawdown {
		violations = append(violations, fmt.Sprintf("max drawdown %.3f > %.3f", m.MaxDrawdown, p.cfg.Limits.MaxDrawdown))
	}
	if m.Exposure > p.cfg.Limits.MaxExposure {
		violations = append(violations, fmt.Sprintf("exposure %.3f > %.3f", m.Exposure, p.cfg.Limits.MaxExposure))
	}

	if len(violations) > 0 {
		st.RiskReport = RiskReport{WithinLimits: false, Details: strings.Join(violations, "; ")}
		st.say("risk_manager", "Risk limits exceeded.")
		return fmt.Errorf("%w: %s", ErrRiskLimitExceeded, st.RiskReport.Details)
	}

	st.RiskReport = RiskReport{
		WithinLimits: true,
		Details:      fmt.Sprintf("max drawdown %.3f, exposure %.3f within limits", m.MaxDrawdown, m.Exposure),
	}
	st.say("risk_manager", "Risk checks complete.")
	st.note("risk manager cleared the run")
	st.Phase = PhaseApproval
	return nil
}

// #endregion risk-checking

// #region human-approval

// awaitApproval blocks on the tri-state approval signal. There is no
// implicit timeout: the run waits until an operator acts, a pause is
// signaled, or the caller cancels. Cancellation is fail-closed, never an
// approval. An unreadable or ambiguous signal is also fail-closed.
func (p *Pipeline) awaitApproval(ctx context.Context, st *State) error {
	st.say("human", "Awaiting approval.")
	st.note("awaiting human approval")

	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.pause.Paused() {
			p.markPaused(st)
			return nil
		}
		a, err := p.approval.State()
		if err != nil {
			return fmt.Errorf("approval signal: %w", err)
		}
		switch a {
		case control.ApprovalApproved:
			st.HumanApproval = control.ApprovalApproved
			st.say("human", "Approved.")
			st.note("human approval granted")
			st.Phase = PhaseApproved
			return nil
		case control.ApprovalRejected:
			st.HumanApproval = control.ApprovalRejected
			st.say("human", "Rejected.")
			st.note("human approval rejected")
			st.FailureReason = "rejected by human approver"
			st.Phase = PhaseRejected
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// #endregion human-approval

// #region finalize

// traceDoc is the serialized full state written to the trace store.
type traceDoc struct {
	RunID         string                 `json:"run_id"`
	Hypothesis    string                 `json:"hypothesis"`
	Phase         string                 `json:"phase"`
	Messages      []Message              `json:"messages"`
	Plan          []string               `json:"plan"`
	CodeSnippet   string                 `json:"code_snippet"`
	PCScore       float64                `json:"pc_score"`
	CritiqueScore float64                `json:"critique_score"`
	Veto          bool                   `json:"veto"`
	VetoReason    string                 `json:"veto_reason,omitempty"`
	RiskReport    RiskReport             `json:"risk_report"`
	Compliance    tools.ComplianceResult `json:"compliance_report"`
	HumanApproval string                 `json:"human_approval"`
	RetryCount    int                    `json:"retry_count"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Logs          []string               `json:"logs"`
}

// finalize records the run: a trace row for true terminals, a decision log
// record for every outcome. A failed write is surfaced — a decision that
// cannot be recorded has not happened for audit purposes.
func (p *Pipeline) finalize(st *State) error {
	if st.Phase.Terminal() {
		doc := traceDoc{
			RunID:         st.RunID,
			Hypothesis:    st.Hypothesis,
			Phase:         string(st.Phase),
			Messages:      st.Messages,
			Plan:          st.Plan,
			CodeSnippet:   st.CodeSnippet,
			PCScore:       st.PCScore,
			CritiqueScore: st.CritiqueScore,
			Veto:          st.Veto,
			VetoReason:    st.VetoReason,
			RiskReport:    st.RiskReport,
			Compliance:    st.Compliance,
			HumanApproval: st.HumanApproval.String(),
			RetryCount:    st.RetryCount,
			FailureReason: st.FailureReason,
			Logs:          st.Logs,
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("%w: marshal trace: %v", ErrPersistence, err)
		}
		if _, err := p.store.Append(memory.TraceInput{
			RunID:         st.RunID,
			Hypothesis:    st.Hypothesis,
			TraceJSON:     payload,
			FailureReason: st.FailureReason,
		}); err != nil {
			return fmt.Errorf("%w: trace write: %v", ErrPersistence, err)
		}
	}

	rec := declog.Record{
		RunID:         st.RunID,
		Hypothesis:    st.Hypothesis,
		FinalState:    string(st.Phase),
		RetryCount:    st.RetryCount,
		PCScore:       st.PCScore,
		CritiqueScore: st.CritiqueScore,
		Seed:          p.cfg.Validation.Seed,
		Threshold:     p.cfg.Validation.Threshold,
		FetchDays:     p.cfg.FetchDays,
		Validated:     st.Validated,
		FailureReason: st.FailureReason,
	}
	if err := p.declog.Append(rec); err != nil {
		return fmt.Errorf("%w: decision log write: %v", ErrPersistence, err)
	}
	return nil
}

// #endregion finalize
