// Package bayes implements the Bayesian recalibrator (C7): per-(regime,
// provider) accuracy priors updated on every resolved outcome, and a
// batch weight-recalibration pass every N outcomes. This is the one
// component with no corpus analogue — spec.md §4.7 specifies exact
// arithmetic with no teacher pattern to imitate, so only the
// atomic-persistence idiom (internal/store) is borrowed; the math is
// implemented directly from the specification.
package bayes

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const recalibrationBatchSize = 50

// MapRegime maps a captured volatility bucket to one of the three
// regimes C7 tracks priors for (spec.md §4.7 step 1).
func MapRegime(bucket types.VolatilityBucket) types.Regime {
	switch bucket {
	case types.VolatilityHigh, types.VolatilityExtreme:
		return types.RegimeVolatile
	case types.VolatilityLow:
		return types.RegimeChop
	default:
		return types.RegimeTrending
	}
}

// Recalibrator accumulates per-(regime, provider) priors and triggers
// batch weight recalibration every recalibrationBatchSize outcomes.
type Recalibrator struct {
	logger *zap.Logger
	store  store.Store

	mu          sync.Mutex
	sinceRecalc int
}

// New creates a Recalibrator over the given store.
func New(logger *zap.Logger, st store.Store) *Recalibrator {
	return &Recalibrator{logger: logger.Named("bayes"), store: st}
}

// OnOutcome implements spec.md §4.7 steps 1-4, then triggers batch
// recalibration every 50 outcomes.
func (r *Recalibrator) OnOutcome(ctx context.Context, eval types.Evaluation, outputs []types.ModelOutput, outcome types.Outcome) error {
	if !outcome.TradeTaken || outcome.RMultiple == nil {
		return nil
	}

	regime := MapRegime(eval.Features.VolatilityRegime)
	priors, err := r.store.LoadPriors(ctx)
	if err != nil {
		return err
	}
	if priors.Priors == nil {
		priors.Priors = map[types.Regime]map[types.ProviderID]*types.RegimeProviderPrior{}
	}
	if priors.Priors[regime] == nil {
		priors.Priors[regime] = map[types.ProviderID]*types.RegimeProviderPrior{}
	}

	weight := outcome.RMultiple.Abs()
	won := outcome.RMultiple.IsPositive()
	actualBullish := eval.Direction == types.DirectionLong

	for _, out := range outputs {
		if !out.Compliant {
			continue
		}
		predictedBullish := out.TradeScore.GreaterThan(decimal.NewFromInt(50)) && out.ShouldTrade
		if eval.Direction == types.DirectionShort {
			predictedBullish = !predictedBullish
		}
		agrees := predictedBullish == actualBullish
		providerWasRight := agrees == won

		prior := priors.Priors[regime][out.Provider]
		if prior == nil {
			prior = &types.RegimeProviderPrior{Correct: decimal.Zero, Incorrect: decimal.Zero}
			priors.Priors[regime][out.Provider] = prior
		}
		if providerWasRight {
			prior.Correct = prior.Correct.Add(weight)
		} else {
			prior.Incorrect = prior.Incorrect.Add(weight)
		}
	}

	if err := r.store.SavePriors(ctx, priors); err != nil {
		return err
	}

	r.mu.Lock()
	r.sinceRecalc++
	shouldRecalibrate := r.sinceRecalc >= recalibrationBatchSize
	if shouldRecalibrate {
		r.sinceRecalc = 0
	}
	r.mu.Unlock()

	if shouldRecalibrate {
		return r.recalibrate(ctx, priors)
	}
	return nil
}

// recalibrate implements spec.md §4.7's batch recalibration: posterior
// weights from TRENDING priors, current moved 0.3 of the way toward them,
// clamped to ±0.10 per-provider delta, renormalized, and skipped entirely if the
// total absolute change is below 0.01.
func (r *Recalibrator) recalibrate(ctx context.Context, priors types.BayesianPriors) error {
	current, err := r.store.LoadWeights(ctx)
	if err != nil {
		return err
	}
	if current.Weights == nil || len(current.Weights) == 0 {
		return nil
	}

	trendingPriors := priors.Priors[types.RegimeTrending]
	posterior := posteriorWeights(current.Weights, trendingPriors)

	blended := make(map[types.ProviderID]decimal.Decimal, len(current.Weights))
	totalAbsChange := decimal.Zero
	for provider, curr := range current.Weights {
		post := posterior[provider]
		delta := post.Sub(curr).Mul(decimal.NewFromFloat(0.3))
		delta = clampDelta(delta, decimal.NewFromFloat(0.10))
		newWeight := curr.Add(delta)
		if newWeight.IsNegative() {
			newWeight = decimal.Zero
		}
		blended[provider] = newWeight
		totalAbsChange = totalAbsChange.Add(delta.Abs())
	}

	blended = normalize(blended)

	if totalAbsChange.LessThan(decimal.NewFromFloat(0.01)) {
		r.logger.Debug("skipping recalibration, change below threshold", zap.String("totalAbsChange", totalAbsChange.String()))
		return nil
	}

	newWeights := types.EnsembleWeights{
		Weights:            blended,
		PenaltyCoefficient: current.PenaltyCoefficient,
		SampleSize:         current.SampleSize + recalibrationBatchSize,
		History:            current.History,
	}
	if err := r.store.SaveWeights(ctx, newWeights); err != nil {
		return err
	}
	return r.store.AppendWeightHistory(ctx, types.WeightHistoryEntry{
		Weights:   blended,
		Reason:    "bayesian_recalibration",
		Timestamp: time.Now(),
	})
}

// posteriorWeights derives a per-provider weight from TRENDING-regime
// accuracy: correct / (correct + incorrect), normalized across providers
// that have any observations. Providers with no observations retain
// their current weight as the posterior.
func posteriorWeights(current map[types.ProviderID]decimal.Decimal, priors map[types.ProviderID]*types.RegimeProviderPrior) map[types.ProviderID]decimal.Decimal {
	accuracy := make(map[types.ProviderID]decimal.Decimal, len(current))
	for provider, weight := range current {
		prior := priors[provider]
		if prior == nil || prior.Correct.Add(prior.Incorrect).IsZero() {
			accuracy[provider] = weight
			continue
		}
		total := prior.Correct.Add(prior.Incorrect)
		accuracy[provider] = prior.Correct.Div(total)
	}
	return normalize(accuracy)
}

func clampDelta(delta, bound decimal.Decimal) decimal.Decimal {
	if delta.GreaterThan(bound) {
		return bound
	}
	if delta.LessThan(bound.Neg()) {
		return bound.Neg()
	}
	return delta
}

func normalize(weights map[types.ProviderID]decimal.Decimal) map[types.ProviderID]decimal.Decimal {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	out := make(map[types.ProviderID]decimal.Decimal, len(weights))
	if total.IsZero() {
		equal := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(weights))))
		for id := range weights {
			out[id] = equal
		}
		return out
	}
	for id, w := range weights {
		out[id] = w.Div(total)
	}
	return out
}
