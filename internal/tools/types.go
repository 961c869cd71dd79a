package tools

import "errors"

// #region errors

// ErrNotAllowlisted is returned when an agent invokes a tool outside its
// fixed allowlist. The check runs before the tool body, so no side effect
// has occurred when this error is seen.
var ErrNotAllowlisted = errors.New("tool not allowlisted")

// ErrExecution is returned when a tool's own work fails (bad input,
// inconsistent dataset). Callers must not retry silently.
var ErrExecution = errors.New("tool execution failure")

// #endregion errors

// #region tool-names

// Tool name constants. Agent allowlists refer to these; an allowlist entry
// outside Known() is a configuration error at construction time.
const (
	ToolFetchMarketData = "fetch_market_data"
	ToolCleanData       = "clean_data"
	ToolRunAnalysis     = "run_analysis"
	ToolCheckRestricted = "check_restricted_symbols"
	ToolCheckWashSale   = "check_wash_sale_patterns"
)

// Known returns the closed set of tool names this system ships.
func Known() map[string]bool {
	return map[string]bool{
		ToolFetchMarketData: true,
		ToolCleanData:       true,
		ToolRunAnalysis:     true,
		ToolCheckRestricted: true,
		ToolCheckWashSale:   true,
	}
}

// #endregion tool-names

// #region data-types

// Dataset is one research dataset: a price series with aligned earnings-day
// offsets and sentiment readings. Payloads are produced and analyzed but
// never executed.
type Dataset struct {
	Symbol       string
	Prices       []float64
	EarningsDays []int
	Sentiment    []float64
}

// FetchRequest parameterizes a market data fetch. Seed makes the synthetic
// research feed reproducible; the same request always yields the same data.
type FetchRequest struct {
	Symbol string
	Days   int
	Seed   int64
}

// RiskMetrics are the limit-relevant outputs of analysis.
type RiskMetrics struct {
	MaxDrawdown float64 // peak-to-trough fraction, >= 0
	Exposure    float64
}

// Analysis is the output of run_analysis: a per-point prediction series
// (sign = direction), signal counts, and risk metrics. No orders, no
// strategy execution.
type Analysis struct {
	Predictions []float64
	BuySignals  int
	SellSignals int
	RSILast     float64
	Risk        RiskMetrics
}

// ComplianceResult is the outcome of a compliance check. Informational:
// compliance cannot modify analysis artifacts.
type ComplianceResult struct {
	Status     string // "pass" | "fail"
	Violations []string
	Note       string
}

// Trade is a reported trade record for wash-sale screening. The research
// pipeline should never produce any.
type Trade struct {
	Symbol string
	Side   string
	Qty    float64
}

// #endregion data-types
