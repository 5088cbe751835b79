package ensemble

import (
	"context"
	"sort"
	"sync"

	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scorer is the ensemble scoring engine of spec.md §4.6. It holds a
// capability table of providers (iteration order is the order they were
// registered in, i.e. the weight-declaration order per spec.md §9) and
// fans out to all of them concurrently, joining with
// wait-for-all-but-tolerate-failures (spec.md §5's scheduling model).
//
// The walk-forward simulator (internal/walkforward) reuses this same
// Scorer with substituted weight snapshots — it is never forked, per
// spec.md §4.6's explicit requirement.
type Scorer struct {
	logger    *zap.Logger
	order     []types.ProviderID
	providers map[types.ProviderID]Provider
}

// New builds a Scorer over the given providers, preserving registration
// order for weight-declaration-order iteration.
func New(logger *zap.Logger, providers ...Provider) *Scorer {
	s := &Scorer{logger: logger.Named("ensemble"), providers: make(map[types.ProviderID]Provider, len(providers))}
	for _, p := range providers {
		s.order = append(s.order, p.ID())
		s.providers[p.ID()] = p
	}
	return s
}

// Score fans the request out to every registered provider, then combines
// the compliant responses per spec.md §4.6's weighted-score/median/
// disagreement-penalty algorithm.
func (s *Scorer) Score(ctx context.Context, req ScoreRequest, weights types.WeightSnapshot) (types.EnsembleResult, []types.ModelOutput, error) {
	outputs := make([]types.ModelOutput, len(s.order))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, id := range s.order {
		i, id := i, id
		g.Go(func() error {
			provider := s.providers[id]
			out, err := provider.Score(gctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Provider = id
				out.Compliant = false
				out.ErrorMessage = err.Error()
				s.logger.Warn("provider scoring failed", zap.String("provider", string(id)), zap.Error(err))
			}
			outputs[i] = out
			return nil // tolerate-failures: never fail the group for one provider
		})
	}
	_ = g.Wait() // errors are recorded per-output above, never propagated from the join

	result, err := Combine(outputs, weights)
	return result, outputs, err
}

// Combine applies spec.md §4.6's steps 2-9 to a set of provider outputs
// and a weight snapshot. Exported standalone so the walk-forward
// evaluator (C8) can re-score historical outputs under substituted
// weights without re-issuing provider calls.
func Combine(outputs []types.ModelOutput, weights types.WeightSnapshot) (types.EnsembleResult, error) {
	var compliant []types.ModelOutput
	for _, o := range outputs {
		if o.Compliant {
			compliant = append(compliant, o)
		}
	}
	if len(compliant) == 0 {
		return types.EnsembleResult{}, &errs.NoProvidersAvailable{}
	}

	// Renormalize weights over the responding subset only (spec.md §4.6
	// step 2): a failed provider's weight is redistributed proportionally.
	respondingTotal := decimal.Zero
	for _, o := range compliant {
		respondingTotal = respondingTotal.Add(weights.Weights[o.Provider])
	}
	normWeight := make(map[types.ProviderID]decimal.Decimal, len(compliant))
	if respondingTotal.IsPositive() {
		for _, o := range compliant {
			normWeight[o.Provider] = weights.Weights[o.Provider].Div(respondingTotal)
		}
	} else {
		// Degenerate case: no weight mass on any responder. Fall back to
		// equal weighting rather than dividing by zero.
		equal := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(compliant))))
		for _, o := range compliant {
			normWeight[o.Provider] = equal
		}
	}

	weightedScore := decimal.Zero
	weightedRR := decimal.Zero
	weightedConfidence := decimal.Zero
	for _, o := range compliant {
		w := normWeight[o.Provider]
		weightedScore = weightedScore.Add(w.Mul(o.TradeScore))
		weightedRR = weightedRR.Add(w.Mul(o.ExpectedRR))
		weightedConfidence = weightedConfidence.Add(w.Mul(o.Confidence))
	}

	scores := make([]decimal.Decimal, len(compliant))
	for i, o := range compliant {
		scores[i] = o.TradeScore
	}
	medianScore := median(scores)
	spread := spreadOf(scores)

	penalty := weights.PenaltyCoefficient.Mul(spread).Mul(spread).Div(decimal.NewFromInt(10000))
	finalScore := weightedScore.Sub(penalty)
	if finalScore.IsNegative() {
		finalScore = decimal.Zero
	}
	shouldTrade := finalScore.GreaterThanOrEqual(decimal.NewFromInt(40))

	unanimous := true
	tradeVotes := 0
	for _, o := range compliant {
		if o.ShouldTrade {
			tradeVotes++
		}
		if o.ShouldTrade != compliant[0].ShouldTrade {
			unanimous = false
		}
	}
	majorityTrade := tradeVotes*2 > len(compliant)

	return types.EnsembleResult{
		WeightedScore:       weightedScore,
		FinalScore:          finalScore,
		MedianScore:         medianScore,
		ExpectedRR:          weightedRR,
		Confidence:          weightedConfidence,
		ShouldTrade:         shouldTrade,
		Unanimous:           unanimous,
		MajorityTrade:       majorityTrade,
		ScoreSpread:         spread,
		DisagreementPenalty: penalty,
	}, nil
}

func median(vals []decimal.Decimal) decimal.Decimal {
	n := len(vals)
	if n == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}

func spreadOf(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	return max.Sub(min)
}
