package validation

import (
	"fmt"
	"sync"

	"github.com/factfin/decision-pipeline/internal/tools"
)

// #region engine

// Engine orchestrates counterfactual generation and consistency scoring
// into a single Prediction-Consistency result.
type Engine struct {
	cfg     Config
	predict PredictFunc
	workers int
}

// NewEngine creates an engine. predict is the external collaborator that
// produces counterfactual prediction series (the executor's analysis tool).
func NewEngine(cfg Config, predict PredictFunc) *Engine {
	return &Engine{cfg: cfg, predict: predict, workers: 8}
}

// #endregion engine

// #region validate

// Validate generates the counterfactual batch, obtains a prediction series
// for each, and folds per-dataset agreement into a PC score. Deterministic
// given cfg.Seed, base, and baseline. Scoring fans out across workers into
// an indexed slice; the mean is order-independent so parallelism never
// changes the score. An empty baseline scores 0 (fails closed); a predict
// failure on any counterfactual aborts the run rather than being absorbed.
func (e *Engine) Validate(base tools.Dataset, baseline []float64) (Result, error) {
	if len(baseline) == 0 {
		return Result{Threshold: e.cfg.Threshold, Passed: false}, nil
	}

	cfs := Generate(base, e.cfg)
	perDataset := make([]float64, len(cfs))
	errs := make([]error, len(cfs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)
	for i := range cfs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			preds, err := e.predict(cfs[i].Payload)
			if err != nil {
				errs[i] = fmt.Errorf("counterfactual %d (%s): %w", i, cfs[i].Kind, err)
				return
			}
			perDataset[i] = Agreement(baseline, preds)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return Result{}, err
		}
	}

	pc := PCScore(perDataset)
	return Result{
		PCScore:    pc,
		PerDataset: perDataset,
		Threshold:  e.cfg.Threshold,
		Passed:     pc >= e.cfg.Threshold,
	}, nil
}

// #endregion validate
