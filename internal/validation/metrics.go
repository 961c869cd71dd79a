package validation

// #region agreement

// Agreement computes per-position-averaged sign agreement between a
// baseline prediction series and one counterfactual series: the fraction
// of positions where the signs match, in [0, 1]. A length mismatch or an
// empty series scores 0 — disagreement, never a permissive default.
func Agreement(baseline, counterfactual []float64) float64 {
	if len(baseline) == 0 || len(counterfactual) != len(baseline) {
		return 0
	}
	matches := 0
	for i := range baseline {
		if sign(baseline[i]) == sign(counterfactual[i]) {
			matches++
		}
	}
	return float64(matches) / float64(len(baseline))
}

// #endregion agreement

// #region pc-score

// PCScore is the arithmetic mean of per-dataset agreements, clamped to
// [0, 1]. The mean is commutative, so scoring order never changes it.
func PCScore(perDataset []float64) float64 {
	if len(perDataset) == 0 {
		return 0
	}
	var sum float64
	for _, a := range perDataset {
		sum += a
	}
	return clamp01(sum / float64(len(perDataset)))
}

// #endregion pc-score

// #region helpers

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
