package analytics

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func decs(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func approxEqual(t *testing.T, got decimal.Decimal, want float64, tolerance float64, label string) {
	t.Helper()
	diff := got.Sub(decimal.NewFromFloat(want)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(tolerance)) {
		t.Errorf("%s = %s, want ≈ %v", label, got, want)
	}
}

// Concrete Scenario 6: outcomes [1, -0.5, 2, -1, 0.5], alpha = 0.05.
func TestComputeEdgeMetricsScenario6(t *testing.T) {
	metrics := ComputeEdgeMetrics([]float64{1, -0.5, 2, -1, 0.5}, 0.05)

	approxEqual(t, metrics.RecoveryFactor, 4, 0.01, "recovery_factor")
	approxEqual(t, metrics.CVaR, -1, 1e-9, "cvar")
	approxEqual(t, metrics.Skewness, 0.13802317, 1e-6, "skewness")
	approxEqual(t, metrics.UlcerIndex, 0.3, 0.01, "ulcer_index")
}

func TestComputeEdgeMetricsEmptyInput(t *testing.T) {
	metrics := ComputeEdgeMetrics(nil, 0.05)
	if !metrics.RecoveryFactor.IsZero() || !metrics.CVaR.IsZero() || !metrics.Skewness.IsZero() || !metrics.UlcerIndex.IsZero() {
		t.Error("expected all-zero metrics for empty input")
	}
}

func TestRollingWindowTrimsToLastTwenty(t *testing.T) {
	c := NewCalculator(zap.NewNop())
	vals := make([]float64, 0, 25)
	for i := 0; i < 25; i++ {
		vals = append(vals, 1)
	}
	// The first five trades are losses; only the last 20 (all wins) should
	// be reflected.
	for i := 0; i < 5; i++ {
		vals[i] = -1
	}

	window := c.Rolling(decs(vals...))
	if window.Trades != 20 {
		t.Fatalf("expected window trimmed to 20 trades, got %d", window.Trades)
	}
	if !window.WinRate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected win rate 1.0 over the trailing all-win window, got %s", window.WinRate)
	}
}

func TestRollingWindowMaxDrawdownMatchesEdgeMetricsConvention(t *testing.T) {
	c := NewCalculator(zap.NewNop())
	window := c.Rolling(decs(1, -0.5, 2, -1, 0.5))
	// dd series [0, 0.5, 0, 0.4, 0.2] -> max 0.5, same curve as Scenario 6.
	approxEqual(t, window.MaxDrawdown, 0.5, 1e-9, "max_drawdown")
}

func TestBootstrapCIIsDeterministicForAGivenSeed(t *testing.T) {
	outcomes := decs(1, -0.5, 2, -1, 0.5, 1.5, -0.75, 0.25, 1, -1)

	s1 := NewSimulator(zap.NewNop(), 42)
	r1 := s1.BootstrapCI(outcomes, 500)

	s2 := NewSimulator(zap.NewNop(), 42)
	r2 := s2.BootstrapCI(outcomes, 500)

	if !r1.WinRateCI.Lower.Equal(r2.WinRateCI.Lower) || !r1.WinRateCI.Upper.Equal(r2.WinRateCI.Upper) {
		t.Error("expected identical bootstrap CIs for the same seed")
	}
	if !r1.SharpeCI.Lower.Equal(r2.SharpeCI.Lower) {
		t.Error("expected identical sharpe CI lower bound for the same seed")
	}
}

func TestBootstrapCISignificantWhenLowerBoundBeatsReference(t *testing.T) {
	// All winning trades: win rate lower bound must exceed 0.5 and avg-R
	// lower bound must exceed 0.
	outcomes := decs(1, 1, 1, 1, 1, 1, 1, 1)
	s := NewSimulator(zap.NewNop(), 7)
	result := s.BootstrapCI(outcomes, 500)

	if !result.WinRateSignificant {
		t.Error("expected win rate to be flagged significant for an all-winning series")
	}
	if !result.AvgRSignificant {
		t.Error("expected avg R to be flagged significant for an all-winning series")
	}
}

func TestMonteCarloDrawdownNoRuinWithOnlyWinningTrades(t *testing.T) {
	s := NewSimulator(zap.NewNop(), 99)
	result := s.MonteCarloDrawdown(decs(1, 1, 1, 1, 1), 200)
	if !result.RuinProbability.IsZero() {
		t.Errorf("expected zero ruin probability with only winning trades, got %s", result.RuinProbability)
	}
}

func TestMonteCarloDrawdownDeterministicForAGivenSeed(t *testing.T) {
	outcomes := decs(1, -1, 2, -1.5, 0.5)

	s1 := NewSimulator(zap.NewNop(), 123)
	r1 := s1.MonteCarloDrawdown(outcomes, 300)

	s2 := NewSimulator(zap.NewNop(), 123)
	r2 := s2.MonteCarloDrawdown(outcomes, 300)

	if !r1.MeanMaxDD.Equal(r2.MeanMaxDD) || !r1.P95MaxDD.Equal(r2.P95MaxDD) {
		t.Error("expected identical Monte Carlo drawdown stats for the same seed")
	}
}

func TestFeatureAttributionRequiresTwentyObservations(t *testing.T) {
	obs := make([]FeatureObservation, 19)
	if _, ok := FeatureAttribution("rsi", obs); ok {
		t.Error("expected FeatureAttribution to reject fewer than 20 observations")
	}
}

func TestFeatureAttributionFlagsSignificantLift(t *testing.T) {
	var obs []FeatureObservation
	// Low half (values 0..9): all losses. High half (values 10..19): all wins.
	for i := 0; i < 10; i++ {
		obs = append(obs, FeatureObservation{Value: float64(i), Won: false})
	}
	for i := 10; i < 20; i++ {
		obs = append(obs, FeatureObservation{Value: float64(i), Won: true})
	}

	result, ok := FeatureAttribution("momentum", obs)
	if !ok {
		t.Fatal("expected enough observations for attribution")
	}
	if !result.Significant {
		t.Error("expected a significant lift between an all-loss low half and an all-win high half")
	}
	if result.Lift.LessThanOrEqual(decimal.NewFromFloat(0.05)) {
		t.Errorf("expected lift > 0.05, got %s", result.Lift)
	}
}
