package validation

import (
	"math/rand"

	"github.com/factfin/decision-pipeline/internal/tools"
)

// #region generate

// Generate produces cfg.Scenarios counterfactual datasets from base,
// partitioned round-robin across the three perturbation kinds. The
// generator is fully determined by cfg.Seed: identical inputs yield
// byte-identical counterfactuals, which the audit trail depends on.
func Generate(base tools.Dataset, cfg Config) []Counterfactual {
	rng := rand.New(rand.NewSource(cfg.Seed))
	out := make([]Counterfactual, cfg.Scenarios)
	for i := 0; i < cfg.Scenarios; i++ {
		kind := kindOrder[i%len(kindOrder)]
		out[i] = Counterfactual{
			BaseID:  base.Symbol,
			Index:   i,
			Kind:    kind,
			Payload: perturb(base, kind, cfg, rng),
		}
	}
	return out
}

// #endregion generate

// #region perturb

// perturb applies exactly one perturbation kind to a copy of base.
func perturb(base tools.Dataset, kind Kind, cfg Config, rng *rand.Rand) tools.Dataset {
	cf := tools.Dataset{
		Symbol:       base.Symbol,
		Prices:       append([]float64(nil), base.Prices...),
		EarningsDays: append([]int(nil), base.EarningsDays...),
		Sentiment:    append([]float64(nil), base.Sentiment...),
	}

	switch kind {
	case KindPriceNoise:
		for i := range cf.Prices {
			cf.Prices[i] *= 1 + cfg.PriceNoiseStd*rng.NormFloat64()
		}
	case KindEarningsShift:
		shift := rng.Intn(2*cfg.EarningsShiftDays+1) - cfg.EarningsShiftDays
		for i := range cf.EarningsDays {
			cf.EarningsDays[i] += shift
		}
	case KindSentimentInvert:
		for i := range cf.Sentiment {
			cf.Sentiment[i] = -cf.Sentiment[i]
		}
	}
	return cf
}

// #endregion perturb
