package validation

import "github.com/factfin/decision-pipeline/internal/tools"

// #region kinds

// Kind identifies the single perturbation applied to one counterfactual.
type Kind string

const (
	KindPriceNoise      Kind = "price_noise"
	KindEarningsShift   Kind = "earnings_shift"
	KindSentimentInvert Kind = "sentiment_invert"
)

// kindOrder fixes the round-robin partition of scenarios across kinds.
var kindOrder = []Kind{KindPriceNoise, KindEarningsShift, KindSentimentInvert}

// #endregion kinds

// #region config

// Config holds counterfactual generation and scoring parameters.
type Config struct {
	Scenarios         int     // counterfactual datasets per validation run
	PriceNoiseStd     float64 // stddev of multiplicative gaussian price noise
	EarningsShiftDays int     // earnings dates shift uniformly in ±this
	Threshold         float64 // PC pass threshold
	Seed              int64   // generator seed; same seed, same counterfactuals
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Scenarios:         50,
		PriceNoiseStd:     0.01,
		EarningsShiftDays: 3,
		Threshold:         0.7,
		Seed:              7,
	}
}

// #endregion config

// #region counterfactual

// Counterfactual is one perturbed variant of the base dataset. Immutable
// once generated and scoped to a single validation call; never persisted.
type Counterfactual struct {
	BaseID  string
	Index   int
	Kind    Kind
	Payload tools.Dataset
}

// #endregion counterfactual

// #region result

// Result is the outcome of one validation run. Derived once, never mutated.
type Result struct {
	PCScore    float64   // mean per-dataset agreement, clamped to [0, 1]
	PerDataset []float64 // per-position-averaged agreement per counterfactual
	Threshold  float64
	Passed     bool
}

// #endregion result

// PredictFunc obtains a prediction series for a dataset. In the pipeline
// this routes through the executor's analysis tool; tests substitute
// deterministic fakes.
type PredictFunc func(d tools.Dataset) ([]float64, error)
