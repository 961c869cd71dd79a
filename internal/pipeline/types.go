package pipeline

import (
	"errors"
	"time"

	"github.com/factfin/decision-pipeline/internal/control"
	"github.com/factfin/decision-pipeline/internal/tools"
	"github.com/factfin/decision-pipeline/internal/validation"
)

// #region errors

// Error taxonomy. Tool errors (not-allowlisted, execution failure) live in
// the tools package; everything here is pipeline-level. None of these are
// retried silently: only a critic veto re-enters the executor, everything
// else terminates the run fail-closed.
var (
	ErrMalformedHypothesis = errors.New("malformed hypothesis")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrRiskLimitExceeded   = errors.New("risk limits exceeded")
	ErrPausedByOperator    = errors.New("paused by operator")
	ErrPersistence         = errors.New("persistence failure")
)

// #endregion errors

// #region phase

// Phase is the machine's current state.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseExecuting    Phase = "executing"
	PhaseCritiquing   Phase = "critiquing"
	PhaseRiskChecking Phase = "risk_checking"
	PhaseApproval     Phase = "human_approval"
	PhaseApproved     Phase = "approved"
	PhaseRejected     Phase = "rejected"
	PhaseFailedClosed Phase = "failed_closed"
	PhasePaused       Phase = "paused"
)

// Terminal reports whether the phase is one of the three true terminals.
func (p Phase) Terminal() bool {
	return p == PhaseApproved || p == PhaseRejected || p == PhaseFailedClosed
}

// Stopped reports whether the run has come to rest: terminal or paused.
// A paused run is restartable; a terminal run is not.
func (p Phase) Stopped() bool {
	return p.Terminal() || p == PhasePaused
}

// #endregion phase

// #region state

// Message is one entry in the append-only audit trail.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RiskReport is the risk manager's verdict.
type RiskReport struct {
	WithinLimits bool   `json:"within_limits"`
	Details      string `json:"details"`
}

// State is the single-owner mutable state threaded through every step.
// Hypothesis is immutable once set; Messages is append-only; once
// FailureReason is set the state is stopped and no further transitions
// apply.
type State struct {
	RunID      string
	Hypothesis string
	Phase      Phase

	Messages    []Message
	Plan        []string
	MarketData  tools.Dataset
	CodeSnippet string
	Analysis    tools.Analysis

	PCScore       float64
	CritiqueScore float64
	Veto          bool
	VetoReason    string
	Validated     bool // the validation engine ran at least once

	RiskReport RiskReport
	Compliance tools.ComplianceResult

	HumanApproval control.Approval
	RetryCount    int
	Paused        bool
	FailureReason string
	Logs          []string
}

// say appends to the audit trail.
func (s *State) say(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// note appends a run log line.
func (s *State) note(msg string) {
	s.Logs = append(s.Logs, msg)
}

// failClosed moves the state to the FailedClosed terminal with a reason.
func (s *State) failClosed(reason string) {
	s.FailureReason = reason
	s.Phase = PhaseFailedClosed
}

// #endregion state

// #region config

// RiskLimits are the risk manager's ceilings.
type RiskLimits struct {
	MaxDrawdown float64
	MaxExposure float64
}

// Config holds the state machine's knobs. Validation carries the PC
// threshold and counterfactual seed.
type Config struct {
	MaxRetries   int
	FetchDays    int
	TopK         int
	PollInterval time.Duration
	Limits       RiskLimits
	Validation   validation.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   2,
		FetchDays:    252,
		TopK:         5,
		PollInterval: 500 * time.Millisecond,
		Limits:       RiskLimits{MaxDrawdown: 0.2, MaxExposure: 1.0},
		Validation:   validation.DefaultConfig(),
	}
}

// #endregion config
