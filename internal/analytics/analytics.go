// Package analytics implements the edge analytics engine (C9): rolling
// window statistics, seeded bootstrap confidence intervals, Monte-Carlo
// drawdown simulation, and per-feature attribution. Grounded on the
// teacher's internal/backtester/metrics.go (Sharpe/Sortino/drawdown
// formulas) and internal/backtester/montecarlo.go (seeded rand.Rand,
// shuffle-and-replay bootstrap, percentile interpolation), with the
// teacher's time.Now().UnixNano() seed replaced by an explicit injected
// seed per spec.md §8's reproducibility requirement.
package analytics

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-research/edge-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const rollingWindow = 20

// RollingWindow is the last-W-trades snapshot of spec.md §4.9.
type RollingWindow struct {
	Trades           int
	WinRate          decimal.Decimal
	AvgR             decimal.Decimal
	Sharpe           decimal.Decimal
	Sortino          decimal.Decimal
	MaxDrawdown      decimal.Decimal
	CumulativeEquity decimal.Decimal
}

// Calculator computes rolling window statistics over R-multiple series.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator builds a Calculator.
func NewCalculator(logger *zap.Logger) *Calculator {
	return &Calculator{logger: logger.Named("analytics")}
}

// Rolling computes spec.md §4.9's rolling metrics over the last
// rollingWindow (20) R-multiples in rOutcomes, which must be in
// chronological order.
func (c *Calculator) Rolling(rOutcomes []decimal.Decimal) RollingWindow {
	window := rOutcomes
	if len(window) > rollingWindow {
		window = window[len(window)-rollingWindow:]
	}
	if len(window) == 0 {
		return RollingWindow{}
	}

	wins := 0
	for _, r := range window {
		if r.IsPositive() {
			wins++
		}
	}
	winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(window))))
	avgR := utils.CalculateMean(window)

	curve := equityCurve(window)
	_, maxDD := drawdowns(curve)

	return RollingWindow{
		Trades:           len(window),
		WinRate:          winRate,
		AvgR:             avgR,
		Sharpe:           sharpeRatio(window),
		Sortino:          sortinoRatio(window),
		MaxDrawdown:      maxDD,
		CumulativeEquity: curve[len(curve)-1],
	}
}

func sharpeRatio(rOutcomes []decimal.Decimal) decimal.Decimal {
	if len(rOutcomes) < 2 {
		return decimal.Zero
	}
	mean := utils.CalculateMean(rOutcomes)
	std := utils.CalculateStdDev(rOutcomes)
	if std.IsZero() {
		return decimal.Zero
	}
	return mean.Div(std).Mul(decimal.NewFromFloat(math.Sqrt(252)))
}

// sortinoRatio uses only the downside (negative) observations for the
// deviation term, per spec.md §4.9 and the teacher's downsideDeviation.
func sortinoRatio(rOutcomes []decimal.Decimal) decimal.Decimal {
	if len(rOutcomes) < 2 {
		return decimal.Zero
	}
	var downside []decimal.Decimal
	for _, r := range rOutcomes {
		if r.IsNegative() {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return decimal.Zero
	}
	mean := utils.CalculateMean(rOutcomes)
	downsideDev := utils.CalculateStdDev(downside)
	if downsideDev.IsZero() {
		return decimal.Zero
	}
	return mean.Div(downsideDev).Mul(decimal.NewFromFloat(math.Sqrt(252)))
}

// equityCurve builds a cumulative-sum curve starting from an explicit
// zero point, so the first trade's drawdown contribution is visible
// (Concrete Scenario 6 requires this: the dip from 1.0 to 0.5 after the
// second trade is the series' maximum relative drawdown).
func equityCurve(rOutcomes []decimal.Decimal) []decimal.Decimal {
	curve := make([]decimal.Decimal, len(rOutcomes)+1)
	curve[0] = decimal.Zero
	for i, r := range rOutcomes {
		curve[i+1] = curve[i].Add(r)
	}
	return curve
}

// drawdowns returns the per-step relative drawdown (peak-to-current,
// divided by peak) for every point after the initial zero, plus the
// maximum observed.
func drawdowns(curve []decimal.Decimal) ([]decimal.Decimal, decimal.Decimal) {
	if len(curve) < 2 {
		return nil, decimal.Zero
	}
	dd := make([]decimal.Decimal, 0, len(curve)-1)
	peak := curve[0]
	maxDD := decimal.Zero
	for _, equity := range curve[1:] {
		if equity.GreaterThan(peak) {
			peak = equity
		}
		var d decimal.Decimal
		if peak.IsPositive() {
			d = peak.Sub(equity).Div(peak)
		}
		dd = append(dd, d)
		if d.GreaterThan(maxDD) {
			maxDD = d
		}
	}
	return dd, maxDD
}

// CI is a two-sided confidence interval.
type CI struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

// BootstrapResult is spec.md §4.9's bootstrap confidence-interval report.
type BootstrapResult struct {
	WinRateCI    CI
	AvgRCI       CI
	ExpectancyCI CI
	SharpeCI     CI

	WinRateSignificant    bool
	AvgRSignificant       bool
	ExpectancySignificant bool
	SharpeSignificant     bool
}

// MonteCarloResult is spec.md §4.9's drawdown-simulation report.
type MonteCarloResult struct {
	MeanMaxDD       decimal.Decimal
	MedianMaxDD     decimal.Decimal
	P95MaxDD        decimal.Decimal
	P99MaxDD        decimal.Decimal
	RuinProbability decimal.Decimal
}

// Simulator runs seeded bootstrap resampling over a fixed R-multiple
// series. The seed is always caller-supplied: spec.md §8 requires
// reproducible output, so no source here ever reads the wall clock.
type Simulator struct {
	logger *zap.Logger
	rng    *rand.Rand
}

// NewSimulator builds a Simulator seeded deterministically.
func NewSimulator(logger *zap.Logger, seed int64) *Simulator {
	return &Simulator{logger: logger.Named("analytics"), rng: rand.New(rand.NewSource(seed))}
}

// BootstrapCI resamples rOutcomes with replacement `iterations` times
// (spec.md §4.9 default N=1000), reporting 2.5/97.5 percentile bounds for
// win rate, avg R, expectancy, and Sharpe, each flagged significant when
// its lower bound exceeds the "no edge" reference.
func (s *Simulator) BootstrapCI(rOutcomes []decimal.Decimal, iterations int) BootstrapResult {
	n := len(rOutcomes)
	if n == 0 {
		return BootstrapResult{}
	}
	if iterations <= 0 {
		iterations = 1000
	}

	winRates := make([]float64, iterations)
	avgRs := make([]float64, iterations)
	expectancies := make([]float64, iterations)
	sharpes := make([]float64, iterations)

	sample := make([]decimal.Decimal, n)
	for i := 0; i < iterations; i++ {
		for j := 0; j < n; j++ {
			sample[j] = rOutcomes[s.rng.Intn(n)]
		}
		wins, avgWin, avgLoss := winStats(sample)
		winRate := float64(wins) / float64(n)
		avgR, _ := utils.CalculateMean(sample).Float64()
		expectancy := winRate*avgWin - (1-winRate)*avgLoss
		sharpe, _ := sharpeRatio(sample).Float64()

		winRates[i] = winRate
		avgRs[i] = avgR
		expectancies[i] = expectancy
		sharpes[i] = sharpe
	}

	return BootstrapResult{
		WinRateCI:             ciFrom(winRates),
		AvgRCI:                ciFrom(avgRs),
		ExpectancyCI:          ciFrom(expectancies),
		SharpeCI:              ciFrom(sharpes),
		WinRateSignificant:    utils.Percentile(winRates, 2.5) > 0.5,
		AvgRSignificant:       utils.Percentile(avgRs, 2.5) > 0,
		ExpectancySignificant: utils.Percentile(expectancies, 2.5) > 0,
		SharpeSignificant:     utils.Percentile(sharpes, 2.5) > 0,
	}
}

func winStats(rOutcomes []decimal.Decimal) (wins int, avgWin, avgLoss float64) {
	var sumWin, sumLoss float64
	var lossCount int
	for _, r := range rOutcomes {
		f, _ := r.Float64()
		if f > 0 {
			wins++
			sumWin += f
		} else if f < 0 {
			lossCount++
			sumLoss += -f
		}
	}
	if wins > 0 {
		avgWin = sumWin / float64(wins)
	}
	if lossCount > 0 {
		avgLoss = sumLoss / float64(lossCount)
	}
	return wins, avgWin, avgLoss
}

func ciFrom(values []float64) CI {
	return CI{
		Lower: decimal.NewFromFloat(utils.Percentile(values, 2.5)),
		Upper: decimal.NewFromFloat(utils.Percentile(values, 97.5)),
	}
}

// MonteCarloDrawdown reconstructs `iterations` bootstrap equity curves
// from rOutcomes (sampling with replacement at each step) and reports the
// distribution of maximum drawdowns plus the ruin probability (fraction
// of simulations whose max drawdown reaches 50%).
func (s *Simulator) MonteCarloDrawdown(rOutcomes []decimal.Decimal, iterations int) MonteCarloResult {
	n := len(rOutcomes)
	if n == 0 {
		return MonteCarloResult{}
	}
	if iterations <= 0 {
		iterations = 1000
	}

	maxDDs := make([]float64, iterations)
	ruinCount := 0
	const ruinThreshold = 0.5

	path := make([]decimal.Decimal, n)
	for i := 0; i < iterations; i++ {
		for j := 0; j < n; j++ {
			path[j] = rOutcomes[s.rng.Intn(n)]
		}
		curve := equityCurve(path)
		_, maxDD := drawdowns(curve)
		maxDDFloat, _ := maxDD.Float64()
		maxDDs[i] = maxDDFloat
		if maxDDFloat >= ruinThreshold {
			ruinCount++
		}
	}

	sorted := append([]float64(nil), maxDDs...)
	sort.Float64s(sorted)

	return MonteCarloResult{
		MeanMaxDD:       decimal.NewFromFloat(mean(maxDDs)),
		MedianMaxDD:     decimal.NewFromFloat(utils.Percentile(sorted, 50)),
		P95MaxDD:        decimal.NewFromFloat(utils.Percentile(sorted, 95)),
		P99MaxDD:        decimal.NewFromFloat(utils.Percentile(sorted, 99)),
		RuinProbability: decimal.NewFromFloat(float64(ruinCount) / float64(iterations)),
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// FeatureObservation is one (feature value, trade outcome) pair fed to
// FeatureAttribution.
type FeatureObservation struct {
	Value float64
	Won   bool
}

// AttributionResult is spec.md §4.9's per-feature median-split lift.
type AttributionResult struct {
	Feature     string
	LowWinRate  decimal.Decimal
	HighWinRate decimal.Decimal
	Lift        decimal.Decimal
	LowCount    int
	HighCount   int
	Significant bool
}

// FeatureAttribution splits observations at the median value and compares
// win rates in the two halves. ok is false when there are fewer than 20
// observations, per spec.md §4.9's minimum sample requirement.
func FeatureAttribution(feature string, obs []FeatureObservation) (result AttributionResult, ok bool) {
	if len(obs) < 20 {
		return AttributionResult{}, false
	}

	sorted := append([]FeatureObservation(nil), obs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	mid := len(sorted) / 2
	low, high := sorted[:mid], sorted[mid:]

	lowRate := winRateOf(low)
	highRate := winRateOf(high)
	lift := highRate - lowRate

	result = AttributionResult{
		Feature:     feature,
		LowWinRate:  decimal.NewFromFloat(lowRate),
		HighWinRate: decimal.NewFromFloat(highRate),
		Lift:        decimal.NewFromFloat(lift),
		LowCount:    len(low),
		HighCount:   len(high),
		Significant: math.Abs(lift) > 0.05 && len(low) >= 10 && len(high) >= 10,
	}
	return result, true
}

func winRateOf(obs []FeatureObservation) float64 {
	if len(obs) == 0 {
		return 0
	}
	wins := 0
	for _, o := range obs {
		if o.Won {
			wins++
		}
	}
	return float64(wins) / float64(len(obs))
}

// EdgeMetrics is the `POST /edge-metrics` response body of spec.md §6's
// Concrete Scenario 6.
type EdgeMetrics struct {
	RecoveryFactor decimal.Decimal `json:"recovery_factor"`
	CVaR           decimal.Decimal `json:"cvar"`
	Skewness       decimal.Decimal `json:"skewness"`
	UlcerIndex     decimal.Decimal `json:"ulcer_index"`
}

// ComputeEdgeMetrics computes the edge-metrics endpoint's four summary
// statistics directly from a raw outcome series, with no store
// dependency — exercised by Concrete Scenario 6.
func ComputeEdgeMetrics(outcomes []float64, alpha float64) EdgeMetrics {
	if len(outcomes) == 0 {
		return EdgeMetrics{}
	}

	decs := make([]decimal.Decimal, len(outcomes))
	for i, o := range outcomes {
		decs[i] = decimal.NewFromFloat(o)
	}

	curve := equityCurve(decs)
	dd, maxDD := drawdowns(curve)

	netProfit := curve[len(curve)-1]
	recoveryFactor := decimal.Zero
	if maxDD.IsPositive() {
		recoveryFactor = netProfit.Div(maxDD)
	}

	sumSq := 0.0
	for _, d := range dd {
		f, _ := d.Float64()
		sumSq += f * f
	}
	ulcer := math.Sqrt(sumSq / float64(len(dd)))

	return EdgeMetrics{
		RecoveryFactor: recoveryFactor,
		CVaR:           cvar(outcomes, alpha),
		Skewness:       decimal.NewFromFloat(skewness(outcomes)),
		UlcerIndex:     decimal.NewFromFloat(ulcer),
	}
}

// cvar is the mean of the worst ceil(alpha*N) (at least one) outcomes.
func cvar(outcomes []float64, alpha float64) decimal.Decimal {
	sorted := append([]float64(nil), outcomes...)
	sort.Float64s(sorted)

	k := int(math.Ceil(alpha * float64(len(sorted))))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return decimal.NewFromFloat(mean(sorted[:k]))
}

// skewness is the population (biased) moment skewness: m3 / m2^1.5.
func skewness(outcomes []float64) float64 {
	n := float64(len(outcomes))
	m := mean(outcomes)

	var m2, m3 float64
	for _, o := range outcomes {
		d := o - m
		m2 += d * d
		m3 += d * d * d
	}
	m2 /= n
	m3 /= n

	if m2 == 0 {
		return 0
	}
	return m3 / math.Pow(m2, 1.5)
}
