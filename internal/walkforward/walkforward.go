// Package walkforward implements the walk-forward edge evaluator (C8):
// a sliding (train, test) window over historical trade-taken evaluations,
// grid-searching ensemble weight tuples on the train split and reporting
// out-of-sample statistics on the test split. Grounded on the teacher's
// internal/backtester/walkforward.go (window generation, in-sample/
// out-of-sample separation, per-window aggregate metrics), but re-scores
// stored evaluations through ensemble.Combine rather than re-running a
// tick-level backtest engine — per spec.md's explicit Non-goal and its
// Open Question resolution to standardise on the real-scorer path.
package walkforward

import (
	"context"
	"math"

	"github.com/atlas-research/edge-engine/internal/ensemble"
	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/atlas-research/edge-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// penaltyCandidates are the disagreement-penalty coefficients tried during
// the grid search, per spec.md §4.8 step 1.
var penaltyCandidates = []float64{0.5, 1.0, 1.5, 2.0}

const (
	minAcceptedTrainTrades = 5
	weightStep             = 1 // in tenths: weights are multiples of 0.1
	weightTenths           = 10
	minWeightTenths        = 1 // 0.1, the smallest value satisfying the >=0.05 floor
)

// WindowResult is the grid-search outcome and out-of-sample statistics for
// a single (train, test) window.
type WindowResult struct {
	TrainStart, TrainEnd int // indices into the filtered record slice
	TestStart, TestEnd   int

	ChosenWeights       types.WeightSnapshot
	TrainAcceptedTrades int
	TrainExpectancy     decimal.Decimal

	TestAcceptedTrades int
	TestWinRate        decimal.Decimal
	TestAvgR           decimal.Decimal
	TestSharpe         decimal.Decimal
}

// Result aggregates every window plus the edge-stability/decay verdicts of
// spec.md §4.8.
type Result struct {
	Windows           []WindowResult
	EdgeStable        bool
	EdgeDecayDetected bool
}

// Evaluator runs the walk-forward analysis over a store's recorded
// evaluations.
type Evaluator struct {
	logger *zap.Logger
	store  store.Store
}

// New builds an Evaluator over the given store.
func New(logger *zap.Logger, st store.Store) *Evaluator {
	return &Evaluator{logger: logger.Named("walkforward"), store: st}
}

// Run slides a (trainSize, testSize) window over chronologically ordered,
// trade-taken evaluations for symbol (empty = all symbols) within the last
// lookbackDays, grid-searching weights on each train split and reporting
// out-of-sample statistics on the corresponding test split.
func (e *Evaluator) Run(ctx context.Context, trainSize, testSize int, symbol string, lookbackDays int) (Result, error) {
	records, err := e.store.GetEvalsForSimulation(ctx, lookbackDays, symbol)
	if err != nil {
		return Result{}, err
	}

	var taken []store.SimulationRecord
	for _, r := range records {
		if r.Outcome != nil && r.Outcome.TradeTaken && r.Outcome.RMultiple != nil {
			taken = append(taken, r)
		}
	}

	windowSize := trainSize + testSize
	var windows []WindowResult
	for start := 0; start+windowSize <= len(taken); start += testSize {
		train := taken[start : start+trainSize]
		test := taken[start+trainSize : start+windowSize]

		chosen, trainAccepted, trainExpectancy, ok := gridSearch(train)
		if !ok {
			e.logger.Debug("window skipped, no weight tuple met the minimum accepted-trade floor",
				zap.Int("windowStart", start))
			continue
		}

		testAccepted, winRate, avgR, sharpe := applyWeights(test, chosen)
		windows = append(windows, WindowResult{
			TrainStart:          start,
			TrainEnd:            start + trainSize,
			TestStart:           start + trainSize,
			TestEnd:             start + windowSize,
			ChosenWeights:       chosen,
			TrainAcceptedTrades: trainAccepted,
			TrainExpectancy:     trainExpectancy,
			TestAcceptedTrades:  testAccepted,
			TestWinRate:         winRate,
			TestAvgR:            avgR,
			TestSharpe:          sharpe,
		})
	}

	return Result{
		Windows:           windows,
		EdgeStable:        edgeStable(windows),
		EdgeDecayDetected: edgeDecayDetected(windows),
	}, nil
}

// gridSearch implements spec.md §4.8 step 1: a coarse 0.1-increment search
// over (w_claude, w_gpt, w_gemini) crossed with the penalty candidates,
// picking the tuple with maximum expectancy among those that accept at
// least minAcceptedTrainTrades.
func gridSearch(train []store.SimulationRecord) (types.WeightSnapshot, int, decimal.Decimal, bool) {
	var (
		best         types.WeightSnapshot
		bestAccepted int
		bestExpect   decimal.Decimal
		found        bool
	)

	for claudeT := minWeightTenths; claudeT <= weightTenths; claudeT++ {
		for gptT := minWeightTenths; claudeT+gptT <= weightTenths; gptT++ {
			gemT := weightTenths - claudeT - gptT
			if gemT < minWeightTenths {
				continue
			}
			for _, k := range penaltyCandidates {
				weights := types.WeightSnapshot{
					Weights: map[types.ProviderID]decimal.Decimal{
						types.ProviderClaude: decimal.NewFromFloat(float64(claudeT) / 10.0),
						types.ProviderGPT:    decimal.NewFromFloat(float64(gptT) / 10.0),
						types.ProviderGemini: decimal.NewFromFloat(float64(gemT) / 10.0),
					},
					PenaltyCoefficient: decimal.NewFromFloat(k),
				}

				accepted, winRate, avgWin, avgLoss := acceptedTrades(train, weights)
				if len(accepted) < minAcceptedTrainTrades {
					continue
				}
				expectancy := winRate.Mul(avgWin).Sub(decimal.NewFromInt(1).Sub(winRate).Mul(avgLoss))

				if !found || expectancy.GreaterThan(bestExpect) {
					best = weights
					bestAccepted = len(accepted)
					bestExpect = expectancy
					found = true
				}
			}
		}
	}

	return best, bestAccepted, bestExpect, found
}

// acceptedTrades re-scores every record under weights and returns the
// R-multiples of those the ensemble would have taken, plus the derived
// win rate / average win / average loss.
func acceptedTrades(records []store.SimulationRecord, weights types.WeightSnapshot) ([]decimal.Decimal, decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	var accepted []decimal.Decimal
	for _, r := range records {
		if len(r.ModelOutputs) == 0 || r.Outcome == nil || r.Outcome.RMultiple == nil {
			continue
		}
		result, err := ensemble.Combine(r.ModelOutputs, weights)
		if err != nil || !result.ShouldTrade {
			continue
		}
		accepted = append(accepted, *r.Outcome.RMultiple)
	}
	if len(accepted) == 0 {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero
	}

	wins, losses := decimal.Zero, decimal.Zero
	winCount, lossCount := 0, 0
	for _, r := range accepted {
		if r.IsPositive() {
			wins = wins.Add(r)
			winCount++
		} else if r.IsNegative() {
			losses = losses.Add(r.Abs())
			lossCount++
		}
	}
	winRate := decimal.NewFromInt(int64(winCount)).Div(decimal.NewFromInt(int64(len(accepted))))
	avgWin := decimal.Zero
	if winCount > 0 {
		avgWin = wins.Div(decimal.NewFromInt(int64(winCount)))
	}
	avgLoss := decimal.Zero
	if lossCount > 0 {
		avgLoss = losses.Div(decimal.NewFromInt(int64(lossCount)))
	}
	return accepted, winRate, avgWin, avgLoss
}

// applyWeights re-scores the test slice under the chosen weights and
// returns the accepted-trade count, win rate, average R, and Sharpe ratio
// of spec.md §4.8 step 2.
func applyWeights(test []store.SimulationRecord, weights types.WeightSnapshot) (int, decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	accepted, winRate, _, _ := acceptedTrades(test, weights)
	if len(accepted) == 0 {
		return 0, decimal.Zero, decimal.Zero, decimal.Zero
	}
	avgR := utils.CalculateMean(accepted)
	sharpe := sharpeRatio(accepted)
	return len(accepted), winRate, avgR, sharpe
}

// sharpeRatio computes mean/std * sqrt(252) per spec.md §4.9's Sharpe
// definition, reused here for per-window statistics.
func sharpeRatio(rMultiples []decimal.Decimal) decimal.Decimal {
	if len(rMultiples) < 2 {
		return decimal.Zero
	}
	mean := utils.CalculateMean(rMultiples)
	std := utils.CalculateStdDev(rMultiples)
	if std.IsZero() {
		return decimal.Zero
	}
	return mean.Div(std).Mul(decimal.NewFromFloat(math.Sqrt(252)))
}

// edgeStable implements spec.md §4.8's aggregate: at least 60% of windows
// have a test win rate above 0.5.
func edgeStable(windows []WindowResult) bool {
	if len(windows) == 0 {
		return false
	}
	half := decimal.NewFromFloat(0.5)
	stable := 0
	for _, w := range windows {
		if w.TestWinRate.GreaterThan(half) {
			stable++
		}
	}
	return decimal.NewFromInt(int64(stable)).Div(decimal.NewFromInt(int64(len(windows)))).GreaterThanOrEqual(decimal.NewFromFloat(0.6))
}

// edgeDecayDetected implements spec.md §4.8's aggregate: requires at least
// 4 windows, flagging decay when the second half's mean win rate trails
// the first half's by more than 0.05.
func edgeDecayDetected(windows []WindowResult) bool {
	if len(windows) < 4 {
		return false
	}
	mid := len(windows) / 2
	firstHalf := meanWinRate(windows[:mid])
	secondHalf := meanWinRate(windows[mid:])
	return secondHalf.LessThan(firstHalf.Sub(decimal.NewFromFloat(0.05)))
}

func meanWinRate(windows []WindowResult) decimal.Decimal {
	rates := make([]decimal.Decimal, len(windows))
	for i, w := range windows {
		rates[i] = w.TestWinRate
	}
	return utils.CalculateMean(rates)
}
