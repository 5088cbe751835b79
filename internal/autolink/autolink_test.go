package autolink

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestLinker(t *testing.T) (*Linker, store.Store) {
	t.Helper()
	st, err := store.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return New(zap.NewNop(), st), st
}

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

// Scenario 2: explicit link wins over any eligible heuristic candidate.
func TestExplicitLinkWinsOverHeuristic(t *testing.T) {
	l, st := newTestLinker(t)
	ctx := context.Background()
	now := time.Now()

	e1 := types.Evaluation{ID: "E1", Symbol: "AAPL", Direction: types.DirectionLong, EntryPrice: decPtr(150), Timestamp: now.Add(-time.Minute)}
	// A second, equally-eligible candidate at the same timestamp.
	e2 := types.Evaluation{ID: "E2", Symbol: "AAPL", Direction: types.DirectionLong, EntryPrice: decPtr(150), Timestamp: now.Add(-time.Minute)}
	if err := st.InsertEvaluation(ctx, e1); err != nil {
		t.Fatalf("InsertEvaluation E1: %v", err)
	}
	if err := st.InsertEvaluation(ctx, e2); err != nil {
		t.Fatalf("InsertEvaluation E2: %v", err)
	}

	order := types.Order{OrderID: 1, Symbol: "AAPL", Side: types.OrderSideBuy, CorrelationID: "corr-1", EvaluationID: "E1"}
	if err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	exec := types.Execution{ExecID: "ex-1", OrderID: 1, Symbol: "AAPL", Side: types.ExecSideBought, Shares: decimal.NewFromInt(100), Price: decimal.NewFromFloat(150.05), Timestamp: now, CorrelationID: "corr-1"}
	if err := l.TryLinkExecution(ctx, exec); err != nil {
		t.Fatalf("TryLinkExecution: %v", err)
	}

	links, err := st.GetLinksForOrder(ctx, 1)
	if err != nil || len(links) != 1 {
		t.Fatalf("expected exactly one link, got %d err=%v", len(links), err)
	}
	if links[0].LinkType != types.LinkTypeExplicit || !links[0].Confidence.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected explicit link confidence 1.0, got %+v", links[0])
	}
	if links[0].EvaluationID != "E1" {
		t.Errorf("expected link to E1, got %s", links[0].EvaluationID)
	}
}

func TestHeuristicLinkRejectsBelowConfidenceFloor(t *testing.T) {
	l, st := newTestLinker(t)
	ctx := context.Background()
	now := time.Now()

	// 29 minutes old and far off price: should fall below 0.1 confidence.
	eval := types.Evaluation{ID: "E1", Symbol: "AAPL", Direction: types.DirectionLong, EntryPrice: decPtr(100), Timestamp: now.Add(-29 * time.Minute)}
	if err := st.InsertEvaluation(ctx, eval); err != nil {
		t.Fatalf("InsertEvaluation: %v", err)
	}
	order := types.Order{OrderID: 1, Symbol: "AAPL", Side: types.OrderSideBuy, CorrelationID: "corr-1"}
	if err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	exec := types.Execution{ExecID: "ex-1", OrderID: 1, Symbol: "AAPL", Side: types.ExecSideBought, Shares: decimal.NewFromInt(100), Price: decimal.NewFromFloat(150), Timestamp: now, CorrelationID: "corr-1"}
	if err := l.TryLinkExecution(ctx, exec); err != nil {
		t.Fatalf("TryLinkExecution: %v", err)
	}

	links, err := st.GetLinksForOrder(ctx, 1)
	if err != nil || len(links) != 0 {
		t.Fatalf("expected no link below the confidence floor, got %d", len(links))
	}
}

// Scenario 4: position close triggers a single idempotent outcome.
func TestPositionCloseComputesRMultipleAndIsIdempotent(t *testing.T) {
	l, st := newTestLinker(t)
	ctx := context.Background()
	now := time.Now()
	stop := decPtr(148)

	eval := types.Evaluation{ID: "E1", Symbol: "AAPL", Direction: types.DirectionLong, EntryPrice: decPtr(150), StopPrice: stop, Timestamp: now.Add(-time.Minute)}
	if err := st.InsertEvaluation(ctx, eval); err != nil {
		t.Fatalf("InsertEvaluation: %v", err)
	}
	order := types.Order{OrderID: 1, Symbol: "AAPL", Side: types.OrderSideBuy, CorrelationID: "C1", EvaluationID: "E1"}
	if err := st.InsertOrder(ctx, order); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if err := st.InsertLink(ctx, types.EvalExecutionLink{EvaluationID: "E1", OrderID: 1, LinkType: types.LinkTypeExplicit, Confidence: decimal.NewFromInt(1), Symbol: "AAPL", Direction: types.DirectionLong}); err != nil {
		t.Fatalf("InsertLink: %v", err)
	}

	execs := []types.Execution{
		{ExecID: "ex-buy", OrderID: 1, Symbol: "AAPL", Side: types.ExecSideBought, Shares: decimal.NewFromInt(100), Price: decimal.NewFromInt(150), Timestamp: now, CorrelationID: "C1"},
		{ExecID: "ex-sell", OrderID: 1, Symbol: "AAPL", Side: types.ExecSideSold, Shares: decimal.NewFromInt(100), Price: decimal.NewFromInt(152), Timestamp: now.Add(time.Minute), CorrelationID: "C1"},
	}
	for _, e := range execs {
		if err := st.InsertExecution(ctx, e); err != nil {
			t.Fatalf("InsertExecution: %v", err)
		}
	}

	if err := l.checkPositionClosed(ctx, "C1"); err != nil {
		t.Fatalf("checkPositionClosed: %v", err)
	}
	if err := l.checkPositionClosed(ctx, "C1"); err != nil { // idempotent re-run
		t.Fatalf("checkPositionClosed (rerun): %v", err)
	}

	outcome, found, err := st.GetOutcomeForEval(ctx, "E1")
	if err != nil || !found {
		t.Fatalf("expected exactly one outcome: found=%v err=%v", found, err)
	}
	if outcome.ExitReason != types.ExitReasonAutoDetected {
		t.Errorf("expected auto_detected exit reason, got %s", outcome.ExitReason)
	}
	if outcome.RMultiple == nil || !outcome.RMultiple.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected r_multiple=1.0, got %v", outcome.RMultiple)
	}
}

func TestIsPositionClosed(t *testing.T) {
	open := []types.Execution{
		{Side: types.ExecSideBought, Shares: decimal.NewFromInt(100)},
	}
	if isPositionClosed(open) {
		t.Error("expected open position to not be flat")
	}

	closed := []types.Execution{
		{Side: types.ExecSideBought, Shares: decimal.NewFromInt(100)},
		{Side: types.ExecSideSold, Shares: decimal.NewFromInt(100)},
	}
	if !isPositionClosed(closed) {
		t.Error("expected matched buy/sell to be flat")
	}
}
