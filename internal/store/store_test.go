package store

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *JSONStore {
	t.Helper()
	s, err := New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestInsertOrderIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := types.Order{OrderID: 1, Symbol: "AAPL", Status: types.OrderStatusSubmitted}

	if err := s.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	order.Symbol = "MSFT" // a second insert under the same id must not overwrite
	if err := s.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder (dup): %v", err)
	}

	got, ok, err := s.GetOrder(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("GetOrder: ok=%v err=%v", ok, err)
	}
	if got.Symbol != "AAPL" {
		t.Errorf("expected first insert to win, got symbol %s", got.Symbol)
	}
}

func TestUpdateOrderStatusUnknownOrderIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateOrderStatus(context.Background(), 999, types.OrderStatusFilled, nil, nil); err != nil {
		t.Fatalf("expected nil error updating unknown order, got %v", err)
	}
}

func TestInsertOutcomeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := decimal.NewFromFloat(1.5)
	outcome := types.Outcome{EvaluationID: "eval-1", TradeTaken: true, RMultiple: &r, RecordedAt: time.Now()}

	inserted, err := s.InsertOutcome(ctx, outcome)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.InsertOutcome(ctx, outcome)
	if err != nil || inserted {
		t.Fatalf("second insert should report inserted=false, got inserted=%v err=%v", inserted, err)
	}
}

func TestInsertLinkRejectsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	link := types.EvalExecutionLink{EvaluationID: "eval-1", OrderID: 1, LinkType: types.LinkTypeExplicit}

	if err := s.InsertLink(ctx, link); err != nil {
		t.Fatalf("first InsertLink: %v", err)
	}
	if err := s.InsertLink(ctx, link); err == nil {
		t.Fatal("expected *errs.ConflictingLink on duplicate link")
	}

	links, err := s.GetLinksForOrder(ctx, 1)
	if err != nil || len(links) != 1 {
		t.Fatalf("expected exactly one link for order, got %d err=%v", len(links), err)
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.InsertOrder(ctx, types.Order{OrderID: 42, Symbol: "TSLA", Status: types.OrderStatusSubmitted}); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	s2, err := New(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	got, ok, err := s2.GetOrder(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("GetOrder after reopen: ok=%v err=%v", ok, err)
	}
	if got.Symbol != "TSLA" {
		t.Errorf("expected persisted symbol TSLA, got %s", got.Symbol)
	}
}

func TestGetRecentEvalsForSymbolFiltersBySinceAndSymbol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evals := []types.Evaluation{
		{ID: "e1", Symbol: "AAPL", Timestamp: now.Add(-2 * time.Hour)},
		{ID: "e2", Symbol: "AAPL", Timestamp: now.Add(-30 * time.Minute)},
		{ID: "e3", Symbol: "MSFT", Timestamp: now.Add(-30 * time.Minute)},
	}
	for _, e := range evals {
		if err := s.InsertEvaluation(ctx, e); err != nil {
			t.Fatalf("InsertEvaluation: %v", err)
		}
	}

	got, err := s.GetRecentEvalsForSymbol(ctx, "AAPL", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetRecentEvalsForSymbol: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("expected only e2, got %+v", got)
	}
}

func TestGetModelOutcomesForDriftSkipsNonCompliantAndUnresolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := decimal.NewFromFloat(2.0)

	if err := s.InsertModelOutput(ctx, types.ModelOutput{EvaluationID: "eval-1", Provider: types.ProviderClaude, Compliant: true, Confidence: decimal.NewFromFloat(0.8)}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}
	if err := s.InsertModelOutput(ctx, types.ModelOutput{EvaluationID: "eval-1", Provider: types.ProviderGPT, Compliant: false, Confidence: decimal.NewFromFloat(0.8)}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}
	if _, err := s.InsertOutcome(ctx, types.Outcome{EvaluationID: "eval-1", RMultiple: &r, RecordedAt: time.Now()}); err != nil {
		t.Fatalf("InsertOutcome: %v", err)
	}
	// eval-2 has a compliant output but no recorded outcome (unresolved).
	if err := s.InsertModelOutput(ctx, types.ModelOutput{EvaluationID: "eval-2", Provider: types.ProviderGemini, Compliant: true, Confidence: decimal.NewFromFloat(0.8)}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}

	samples, err := s.GetModelOutcomesForDrift(ctx, 30)
	if err != nil {
		t.Fatalf("GetModelOutcomesForDrift: %v", err)
	}
	if len(samples) != 1 || samples[0].Provider != types.ProviderClaude {
		t.Fatalf("expected exactly one compliant sample from claude, got %+v", samples)
	}
}

func TestGetModelOutputsForEvalReturnsOnlyThatEvaluation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertModelOutput(ctx, types.ModelOutput{EvaluationID: "eval-1", Provider: types.ProviderClaude}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}
	if err := s.InsertModelOutput(ctx, types.ModelOutput{EvaluationID: "eval-1", Provider: types.ProviderGPT}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}
	if err := s.InsertModelOutput(ctx, types.ModelOutput{EvaluationID: "eval-2", Provider: types.ProviderGemini}); err != nil {
		t.Fatalf("InsertModelOutput: %v", err)
	}

	outputs, err := s.GetModelOutputsForEval(ctx, "eval-1")
	if err != nil {
		t.Fatalf("GetModelOutputsForEval: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs for eval-1, got %d", len(outputs))
	}
}
