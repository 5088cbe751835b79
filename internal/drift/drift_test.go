package drift

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// seedEval inserts one evaluation, model output and outcome so that
// GetModelOutcomesForDrift sees a (confidence, rMultiple) pair for the
// given provider.
func seedEval(t *testing.T, st store.Store, id string, provider types.ProviderID, confidence float64, won bool) {
	t.Helper()
	ctx := context.Background()

	if err := st.InsertEvaluation(ctx, types.Evaluation{ID: id, Symbol: "BTCUSD"}); err != nil {
		t.Fatalf("InsertEvaluation: %v", err)
	}
	if err := st.InsertModelOutput(ctx, types.ModelOutput{
		EvaluationID: id,
		Provider:     provider,
		Compliant:    true,
		Confidence:   decimal.NewFromFloat(confidence),
	}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}

	r := -1.0
	if won {
		r = 1.0
	}
	rMult := decimal.NewFromFloat(r)
	if _, err := st.InsertOutcome(ctx, types.Outcome{EvaluationID: id, TradeTaken: true, RMultiple: &rMult, RecordedAt: time.Now()}); err != nil {
		t.Fatalf("InsertOutcome: %v", err)
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func TestDetectSkipsProvidersBelowMinimumObservations(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 29; i++ {
		seedEval(t, st, "e"+string(rune('a'+i)), types.ProviderClaude, 0.8, true)
	}

	d := New(zap.NewNop(), st)
	report, err := d.Detect(context.Background(), 365)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(report.Providers) != 0 {
		t.Errorf("expected no provider reports below 30 observations, got %d", len(report.Providers))
	}
}

func TestDetectFlagsBucketBeyondDeviationThreshold(t *testing.T) {
	st := newTestStore(t)

	// 10 observations in the 75-100 bucket (expected win rate 0.875), all
	// winners -> actual win rate 1.0, deviation 0.125: within threshold.
	for i := 0; i < 10; i++ {
		seedEval(t, st, "hi"+string(rune('a'+i)), types.ProviderClaude, 0.9, true)
	}
	// 20 observations in the 0-25 bucket (expected win rate 0.125), all
	// winners -> actual win rate 1.0, deviation 0.875: far beyond threshold.
	for i := 0; i < 20; i++ {
		seedEval(t, st, "lo"+string(rune('a'+i)), types.ProviderClaude, 0.1, true)
	}

	d := New(zap.NewNop(), st)
	report, err := d.Detect(context.Background(), 365)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(report.Providers) != 1 {
		t.Fatalf("expected exactly one provider report, got %d", len(report.Providers))
	}
	p := report.Providers[0]
	if !p.Drifting {
		t.Error("expected provider to be flagged drifting")
	}
	if !report.RegimeShiftDetected {
		t.Error("expected regime_shift_detected=true")
	}

	var lowBucket, highBucket *BucketReport
	for i := range p.Buckets {
		switch p.Buckets[i].Label {
		case "0-25":
			lowBucket = &p.Buckets[i]
		case "75-100":
			highBucket = &p.Buckets[i]
		}
	}
	if lowBucket == nil || !lowBucket.Drifting {
		t.Error("expected the 0-25 bucket to be flagged drifting")
	}
	if highBucket == nil || highBucket.Drifting {
		t.Error("expected the 75-100 bucket to stay within threshold (deviation 0.125 < 0.15)")
	}
}

func TestDetectBoundaryDeviationIsNotDrifting(t *testing.T) {
	// 50-75 bucket: expected win rate 0.625. With 8 observations, 5 wins ->
	// actual 0.625: zero deviation, clearly not drifting.
	st := newTestStore(t)
	wins := []bool{true, true, true, true, true, false, false, false}
	for i, won := range wins {
		seedEval(t, st, "b"+string(rune('a'+i)), types.ProviderGPT, 0.6, won)
	}
	// Pad to 30 total observations for the provider so it clears the
	// minimum-observations floor. The 22 pads all land in the 75-100
	// bucket (expected 0.875, actual 1.0, deviation 0.125), which is
	// evaluated but stays within the threshold.
	for i := 0; i < 22; i++ {
		seedEval(t, st, "pad"+string(rune('a'+i)), types.ProviderGPT, 0.99, true)
	}

	d := New(zap.NewNop(), st)
	report, err := d.Detect(context.Background(), 365)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(report.Providers) != 1 {
		t.Fatalf("expected one provider report, got %d", len(report.Providers))
	}
	for _, b := range report.Providers[0].Buckets {
		if b.Label == "50-75" && b.Drifting {
			t.Error("expected the 50-75 bucket at zero deviation to not be drifting")
		}
	}
}
