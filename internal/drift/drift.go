// Package drift implements the drift detector (C10): per-provider
// confidence-bucket deviation against expected win rates. Grounded on
// spec.md §4.10's exact bucket/threshold math directly; the
// bucketed-comparison-against-a-baseline shape mirrors the teacher's
// internal/backtester/viability.go (threshold tables flagging pass/fail
// per metric), adapted here from backtest-viability scoring to
// confidence-vs-realized-win-rate calibration.
package drift

import (
	"context"

	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	minProviderObservations = 30
	minBucketObservations   = 5
	deviationThreshold      = 0.15
)

// bucket is one of the four confidence ranges of spec.md §4.10.
type bucket struct {
	label        string
	lower, upper float64
	expectedWin  float64
}

var bucketDefs = []bucket{
	{"0-25", 0, 25, 0.125},
	{"25-50", 25, 50, 0.375},
	{"50-75", 50, 75, 0.625},
	{"75-100", 75, 100, 0.875},
}

// BucketReport is one confidence bucket's observed-vs-expected comparison.
type BucketReport struct {
	Label          string
	Observations   int
	ExpectedWinPct decimal.Decimal
	ActualWinPct   decimal.Decimal
	Deviation      decimal.Decimal
	Drifting       bool
}

// ProviderReport is a single provider's full bucket breakdown.
type ProviderReport struct {
	Provider     types.ProviderID
	Observations int
	Buckets      []BucketReport
	Drifting     bool
}

// Report is the detector's full output, including the aggregate
// regime-shift signal of spec.md §4.10.
type Report struct {
	Providers           []ProviderReport
	RegimeShiftDetected bool
	Recommendation      string
}

// Detector evaluates calibration drift over a store's recorded outcomes.
type Detector struct {
	logger *zap.Logger
	store  store.Store
}

// New builds a Detector over the given store.
func New(logger *zap.Logger, st store.Store) *Detector {
	return &Detector{logger: logger.Named("drift"), store: st}
}

// Detect implements spec.md §4.10: for each provider with at least 30
// outcomes over the last lookbackDays, bucket confidence scores and flag
// any bucket whose actual win rate deviates from its expected win rate by
// more than 0.15 (given at least 5 observations in that bucket).
func (d *Detector) Detect(ctx context.Context, lookbackDays int) (Report, error) {
	samples, err := d.store.GetModelOutcomesForDrift(ctx, lookbackDays)
	if err != nil {
		return Report{}, err
	}

	byProvider := make(map[types.ProviderID][]store.DriftSample)
	for _, s := range samples {
		byProvider[s.Provider] = append(byProvider[s.Provider], s)
	}

	var providers []ProviderReport
	anyDrifting := false
	for provider, obs := range byProvider {
		if len(obs) < minProviderObservations {
			continue
		}
		report := evaluateProvider(provider, obs)
		providers = append(providers, report)
		if report.Drifting {
			anyDrifting = true
		}
	}

	return Report{
		Providers:           providers,
		RegimeShiftDetected: anyDrifting,
		Recommendation:      recommendation(anyDrifting),
	}, nil
}

func evaluateProvider(provider types.ProviderID, obs []store.DriftSample) ProviderReport {
	grouped := make([][]store.DriftSample, len(bucketDefs))
	for _, o := range obs {
		conf, _ := o.Confidence.Mul(decimal.NewFromInt(100)).Float64()
		idx := bucketIndex(conf)
		grouped[idx] = append(grouped[idx], o)
	}

	var reports []BucketReport
	drifting := false
	for i, b := range bucketDefs {
		samples := grouped[i]
		if len(samples) < minBucketObservations {
			continue
		}
		actual := winRate(samples)
		deviation := actual - b.expectedWin
		isDrifting := absFloat(deviation) > deviationThreshold

		reports = append(reports, BucketReport{
			Label:          b.label,
			Observations:   len(samples),
			ExpectedWinPct: decimal.NewFromFloat(b.expectedWin),
			ActualWinPct:   decimal.NewFromFloat(actual),
			Deviation:      decimal.NewFromFloat(deviation),
			Drifting:       isDrifting,
		})
		if isDrifting {
			drifting = true
		}
	}

	return ProviderReport{
		Provider:     provider,
		Observations: len(obs),
		Buckets:      reports,
		Drifting:     drifting,
	}
}

func bucketIndex(confidencePct float64) int {
	for i, b := range bucketDefs {
		if confidencePct >= b.lower && confidencePct < b.upper {
			return i
		}
	}
	return len(bucketDefs) - 1 // 100 falls into the top bucket
}

func winRate(samples []store.DriftSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	wins := 0
	for _, s := range samples {
		if s.RMultiple.IsPositive() {
			wins++
		}
	}
	return float64(wins) / float64(len(samples))
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func recommendation(drifting bool) string {
	if drifting {
		return "one or more providers show confidence miscalibration beyond the 0.15 deviation threshold; consider a Bayesian recalibration pass or a manual weight review"
	}
	return "no provider confidence bucket exceeds the deviation threshold; calibration is holding"
}
