package tools

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// #region fetch

// FetchMarketData produces a seeded synthetic daily price series for the
// requested symbol, with quarterly earnings-day offsets and a sentiment
// reading per day. Research sources only; this never touches a broker.
func FetchMarketData(req FetchRequest) (Dataset, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return Dataset{}, fmt.Errorf("%w: empty symbol", ErrExecution)
	}
	days := req.Days
	if days <= 0 {
		days = 252
	}

	// Per-symbol offset keeps different symbols on different paths for the
	// same seed.
	var symSeed int64
	for _, c := range symbol {
		symSeed = symSeed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(req.Seed + symSeed))

	prices := make([]float64, days)
	sentiment := make([]float64, days)
	price := 100.0
	for i := 0; i < days; i++ {
		// Drifting random walk with mild mean reversion toward 100.
		price *= 1 + 0.0005 + 0.01*rng.NormFloat64() + 0.001*(100-price)/100
		prices[i] = price
		sentiment[i] = math.Tanh(rng.NormFloat64())
	}

	var earnings []int
	for d := 60; d < days; d += 63 {
		earnings = append(earnings, d)
	}

	return Dataset{
		Symbol:       symbol,
		Prices:       prices,
		EarningsDays: earnings,
		Sentiment:    sentiment,
	}, nil
}

// #endregion fetch

// #region clean

// CleanData normalizes a raw dataset: rejects inconsistent lengths, drops
// non-positive prices, clamps sentiment to [-1, 1]. Deterministic and
// side-effect free.
func CleanData(d Dataset) (Dataset, error) {
	if len(d.Prices) == 0 {
		return Dataset{}, fmt.Errorf("%w: empty price series", ErrExecution)
	}
	if len(d.Sentiment) != len(d.Prices) {
		return Dataset{}, fmt.Errorf("%w: sentiment length %d != price length %d",
			ErrExecution, len(d.Sentiment), len(d.Prices))
	}

	out := Dataset{
		Symbol:       d.Symbol,
		Prices:       make([]float64, 0, len(d.Prices)),
		Sentiment:    make([]float64, 0, len(d.Prices)),
		EarningsDays: append([]int(nil), d.EarningsDays...),
	}
	for i, p := range d.Prices {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			continue
		}
		s := d.Sentiment[i]
		if s > 1 {
			s = 1
		}
		if s < -1 {
			s = -1
		}
		out.Prices = append(out.Prices, p)
		out.Sentiment = append(out.Sentiment, s)
	}
	if len(out.Prices) == 0 {
		return Dataset{}, fmt.Errorf("%w: no usable rows after cleaning", ErrExecution)
	}
	return out, nil
}

// #endregion clean

// #region analysis

const rsiPeriod = 14

// RunAnalysis computes RSI-14 over the price series and derives a
// per-point prediction: positive leans long, negative leans short. The
// prediction blends RSI mean-reversion with same-day sentiment, boosted
// near earnings days. It evaluates data only; it never places trades and
// never scores strategy quality.
func RunAnalysis(d Dataset) (Analysis, error) {
	if len(d.Prices) <= rsiPeriod {
		return Analysis{}, fmt.Errorf("%w: need more than %d prices, got %d",
			ErrExecution, rsiPeriod, len(d.Prices))
	}

	rsi := computeRSI(d.Prices, rsiPeriod)

	earnings := make(map[int]bool, len(d.EarningsDays))
	for _, day := range d.EarningsDays {
		earnings[day] = true
	}

	var a Analysis
	for i, r := range rsi {
		if math.IsNaN(r) {
			continue
		}
		day := i
		pred := (50 - r) / 50
		if day < len(d.Sentiment) {
			pred += 0.2 * d.Sentiment[day]
		}
		// Earnings proximity amplifies conviction either way.
		for off := -1; off <= 1; off++ {
			if earnings[day+off] {
				pred *= 1.5
				break
			}
		}
		a.Predictions = append(a.Predictions, pred)
		if r < 30 {
			a.BuySignals++
		} else if r > 70 {
			a.SellSignals++
		}
		a.RSILast = r
	}
	if len(a.Predictions) == 0 {
		return Analysis{}, fmt.Errorf("%w: no predictions derived", ErrExecution)
	}

	a.Risk = RiskMetrics{
		MaxDrawdown: maxDrawdown(d.Prices),
		Exposure:    1.0,
	}
	return a, nil
}

// computeRSI returns RSI values aligned to prices; the first period entries
// are NaN.
func computeRSI(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := period; i < len(prices); i++ {
		var gain, loss float64
		for j := i - period + 1; j <= i; j++ {
			delta := prices[j] - prices[j-1]
			if delta > 0 {
				gain += delta
			} else {
				loss -= delta
			}
		}
		if loss == 0 {
			out[i] = 100
			continue
		}
		rs := gain / loss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// maxDrawdown returns the largest peak-to-trough loss as a positive fraction.
func maxDrawdown(prices []float64) float64 {
	peak := prices[0]
	var dd float64
	for _, p := range prices {
		if p > peak {
			peak = p
		}
		if loss := 1 - p/peak; loss > dd {
			dd = loss
		}
	}
	return dd
}

// #endregion analysis

// #region compliance

// restrictedSymbols is the firm restricted list. Empty in the research
// deployment; populated via code review, not runtime config.
var restrictedSymbols = map[string]bool{}

// CheckRestrictedSymbols screens symbols against the restricted list.
func CheckRestrictedSymbols(symbols []string) ComplianceResult {
	var violations []string
	for _, s := range symbols {
		if restrictedSymbols[strings.ToUpper(s)] {
			violations = append(violations, s)
		}
	}
	status := "pass"
	if len(violations) > 0 {
		status = "fail"
	}
	return ComplianceResult{Status: status, Violations: violations}
}

// CheckWashSalePatterns flags any reported trades. A research-only system
// has no trades; non-empty input is itself the violation.
func CheckWashSalePatterns(trades []Trade) ComplianceResult {
	if len(trades) == 0 {
		return ComplianceResult{Status: "pass", Note: "no trade activity"}
	}
	violations := make([]string, len(trades))
	for i, t := range trades {
		violations[i] = fmt.Sprintf("%s %s %.2f", t.Side, t.Symbol, t.Qty)
	}
	return ComplianceResult{
		Status:     "fail",
		Violations: violations,
		Note:       "research-only system reported trade activity",
	}
}

// #endregion compliance
