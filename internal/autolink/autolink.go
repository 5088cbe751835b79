// Package autolink implements the auto-linker (C5): it correlates fills
// to the evaluation that produced them, either explicitly (the order
// carried an evaluation id) or heuristically (time/price proximity to a
// recent candidate evaluation), and derives realized outcomes from
// closed positions via a debounced close-check. Grounded on the
// teacher's internal/execution/order_manager.go position-tracking
// (VWAP-style average entry recomputation on every fill) generalized
// from a single running position to a point-in-time closed-position
// snapshot, since this domain's "position" is a side-effect of the
// gateway rather than state this package owns.
package autolink

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	heuristicLookback  = 30 * time.Minute
	minLinkConfidence  = 0.1
	closeCheckDebounce = 2 * time.Second
	flatPositionEps    = 1e-3
)

// Linker is the auto-linker. It owns the per-correlation debounce timer
// map as an instance field, per spec.md §9's explicit redesign note
// against module-level timer state.
type Linker struct {
	logger *zap.Logger
	store  store.Store

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates an auto-linker over the given store.
func New(logger *zap.Logger, st store.Store) *Linker {
	return &Linker{
		logger: logger.Named("autolink"),
		store:  st,
		timers: make(map[string]*time.Timer),
	}
}

// TryLinkExecution implements spec.md §4.5 step 1/2: explicit link if the
// order carries an evaluation id, otherwise the heuristic time/price
// scoring pass over recent candidate evaluations for the same symbol.
func (l *Linker) TryLinkExecution(ctx context.Context, exec types.Execution) error {
	order, ok, err := l.store.GetOrder(ctx, exec.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // missing-state on reconcile: not an error (spec.md §7)
	}

	if order.EvaluationID != "" {
		if _, found, err := l.store.GetEvaluation(ctx, order.EvaluationID); err == nil && found {
			return l.insertLink(ctx, types.EvalExecutionLink{
				EvaluationID: order.EvaluationID,
				OrderID:      order.OrderID,
				ExecID:       exec.ExecID,
				LinkType:     types.LinkTypeExplicit,
				Confidence:   decimal.NewFromInt(1),
				Symbol:       exec.Symbol,
				Direction:    directionOf(exec.Side),
			})
		}
	}

	candidates, err := l.store.GetRecentEvalsForSymbol(ctx, exec.Symbol, exec.Timestamp.Add(-heuristicLookback))
	if err != nil {
		return err
	}

	execDirection := directionOf(exec.Side)
	var best types.Evaluation
	bestConfidence := -1.0
	for _, cand := range candidates {
		if cand.Direction != "" && cand.Direction != execDirection {
			continue
		}
		elapsed := exec.Timestamp.Sub(cand.Timestamp)
		if elapsed < 0 || elapsed > heuristicLookback {
			continue
		}

		timeScore := 1 - elapsed.Seconds()/heuristicLookback.Seconds()
		priceScore := 0.0
		if cand.EntryPrice != nil && !cand.EntryPrice.IsZero() {
			diff := exec.Price.Sub(*cand.EntryPrice).Abs()
			ratio, _ := diff.Div(*cand.EntryPrice).Mul(decimal.NewFromInt(10)).Float64()
			priceScore = maxFloat(0, 1-ratio)
		}
		confidence := 0.7*timeScore + 0.3*priceScore
		if confidence > bestConfidence {
			bestConfidence = confidence
			best = cand
		}
	}

	if bestConfidence < minLinkConfidence {
		return nil
	}

	return l.insertLink(ctx, types.EvalExecutionLink{
		EvaluationID: best.ID,
		OrderID:      order.OrderID,
		ExecID:       exec.ExecID,
		LinkType:     types.LinkTypeHeuristic,
		Confidence:   decimal.NewFromFloat(bestConfidence),
		Symbol:       exec.Symbol,
		Direction:    execDirection,
	})
}

func (l *Linker) insertLink(ctx context.Context, link types.EvalExecutionLink) error {
	err := l.store.InsertLink(ctx, link)
	if _, isConflict := err.(*errs.ConflictingLink); isConflict {
		return nil // spec.md §7: duplicate link inserts are silently skipped
	}
	return err
}

func directionOf(side types.ExecSide) types.Direction {
	if side == types.ExecSideBought {
		return types.DirectionLong
	}
	return types.DirectionShort
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// OnCommissionReport schedules (or replaces) a 2-second debounce timer
// for the given correlation id, per spec.md §4.5. Only the latest timer
// per correlation id is live.
func (l *Linker) OnCommissionReport(correlationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.timers[correlationID]; ok {
		existing.Stop()
	}
	l.timers[correlationID] = time.AfterFunc(closeCheckDebounce, func() {
		l.mu.Lock()
		delete(l.timers, correlationID)
		l.mu.Unlock()

		if err := l.checkPositionClosed(context.Background(), correlationID); err != nil {
			l.logger.Error("position-close check failed", zap.String("correlationId", correlationID), zap.Error(err))
		}
	})
}

// checkPositionClosed implements the close-detection and outcome
// recording of spec.md §4.5.
func (l *Linker) checkPositionClosed(ctx context.Context, correlationID string) error {
	execs, err := l.store.GetExecutionsByCorrelation(ctx, correlationID)
	if err != nil || len(execs) == 0 {
		return err
	}
	if !isPositionClosed(execs) {
		return nil
	}

	evalID, ok := l.evalForCorrelation(ctx, execs)
	if !ok {
		return nil // no link yet: nothing to record an outcome against
	}
	if _, found, err := l.store.GetOutcomeForEval(ctx, evalID); err != nil || found {
		return err
	}

	eval, found, err := l.store.GetEvaluation(ctx, evalID)
	if err != nil || !found {
		return err
	}

	outcome := computeOutcome(evalID, eval, execs, types.ExitReasonAutoDetected)
	_, err = l.store.InsertOutcome(ctx, outcome)
	return err
}

// evalForCorrelation resolves the evaluation linked to any order that
// shares this correlation id.
func (l *Linker) evalForCorrelation(ctx context.Context, execs []types.Execution) (string, bool) {
	seen := make(map[int64]bool)
	for _, e := range execs {
		if seen[e.OrderID] {
			continue
		}
		seen[e.OrderID] = true
		links, err := l.store.GetLinksForOrder(ctx, e.OrderID)
		if err != nil {
			continue
		}
		if len(links) > 0 {
			return links[0].EvaluationID, true
		}
	}
	return "", false
}

// isPositionClosed sums +shares for bought executions and −shares for
// sold executions; the position is closed iff the net is within epsilon
// of zero (spec.md §4.5).
func isPositionClosed(execs []types.Execution) bool {
	net := decimal.Zero
	for _, e := range execs {
		if e.Side == types.ExecSideBought {
			net = net.Add(e.Shares)
		} else {
			net = net.Sub(e.Shares)
		}
	}
	return net.Abs().LessThan(decimal.NewFromFloat(flatPositionEps))
}

// computeOutcome derives entry/exit VWAPs and the R-multiple from a
// closed position's fills (spec.md §4.5).
func computeOutcome(evalID string, eval types.Evaluation, execs []types.Execution, exitReason types.ExitReason) types.Outcome {
	buyValue, buyQty := decimal.Zero, decimal.Zero
	sellValue, sellQty := decimal.Zero, decimal.Zero
	for _, e := range execs {
		value := e.Price.Mul(e.Shares)
		if e.Side == types.ExecSideBought {
			buyValue = buyValue.Add(value)
			buyQty = buyQty.Add(e.Shares)
		} else {
			sellValue = sellValue.Add(value)
			sellQty = sellQty.Add(e.Shares)
		}
	}

	var buyVwap, sellVwap decimal.Decimal
	if !buyQty.IsZero() {
		buyVwap = buyValue.Div(buyQty)
	}
	if !sellQty.IsZero() {
		sellVwap = sellValue.Div(sellQty)
	}

	isLong := eval.Direction == types.DirectionLong
	var entryPrice, exitPrice decimal.Decimal
	if isLong {
		entryPrice, exitPrice = buyVwap, sellVwap
	} else {
		entryPrice, exitPrice = sellVwap, buyVwap
	}

	outcome := types.Outcome{
		EvaluationID: evalID,
		TradeTaken:   true,
		DecisionType: types.DecisionTookTrade,
		EntryPrice:   &entryPrice,
		ExitPrice:    &exitPrice,
		ExitReason:   exitReason,
		RecordedAt:   time.Now(),
	}

	if eval.StopPrice != nil && !eval.StopPrice.Equal(entryPrice) {
		var rMultiple decimal.Decimal
		if isLong {
			rMultiple = exitPrice.Sub(entryPrice).Div(entryPrice.Sub(*eval.StopPrice))
		} else {
			rMultiple = entryPrice.Sub(exitPrice).Div(eval.StopPrice.Sub(entryPrice))
		}
		outcome.RMultiple = &rMultiple
	}

	return outcome
}

// Reconcile runs the offline reconciliation pass of spec.md §4.5 on
// startup: for recently linked evaluations whose position closed while
// the process was offline and that have no recorded outcome, record a
// placeholder outcome with exit_reason=reconcile_closed_offline.
func (l *Linker) Reconcile(ctx context.Context, lookbackDays int) (int, error) {
	records, err := l.store.GetEvalsForSimulation(ctx, lookbackDays, "")
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, rec := range records {
		if rec.Outcome != nil {
			continue
		}
		links, err := l.store.GetLinksForEval(ctx, rec.Evaluation.ID)
		if err != nil || len(links) == 0 {
			continue
		}

		link := links[0]
		order, ok, err := l.store.GetOrder(ctx, link.OrderID)
		if err != nil || !ok {
			continue
		}
		execs, err := l.store.GetExecutionsByCorrelation(ctx, order.CorrelationID)
		if err != nil || len(execs) == 0 || !isPositionClosed(execs) {
			continue
		}

		outcome := computeOutcome(rec.Evaluation.ID, rec.Evaluation, execs, types.ExitReasonReconcileClosedOffline)
		inserted, err := l.store.InsertOutcome(ctx, outcome)
		if err != nil {
			return reconciled, err
		}
		if inserted {
			reconciled++
		}
	}
	return reconciled, nil
}
