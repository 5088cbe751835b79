// Package orders implements the order pipeline (C4): validation, simple
// and bracket order placement with exact transmit-flag sequencing,
// in-place modification, cancellation, flatten, and the persistent
// order/execution/commission listeners. Grounded on the teacher's
// internal/execution/order_manager.go (order lifecycle bookkeeping) and
// internal/execution/executor.go (gateway call shape), generalized from
// the teacher's single-exchange crypto order model to the brokerage
// gateway's bracket/OCA semantics.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-research/edge-engine/internal/broker"
	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/internal/session"
	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway abstracts the wire calls that actually transmit an order or
// cancellation to the brokerage. The request/response correlation and
// event fan-out are handled by internal/broker; Gateway only needs to put
// bytes on the connection. PlaceOrder receives the broker.Call-assigned
// reqID (distinct from the order's own persistent OrderID) so a real
// implementation can tag its eventual wire response with the token
// broker.Dispatch actually correlates against.
type Gateway interface {
	PlaceOrder(ctx context.Context, reqID int64, order types.Order) error
	CancelOrder(ctx context.Context, orderID int64) error
	GlobalCancel(ctx context.Context) error
}

// OrderStatusPayload is the broker.Event payload for an orderStatus callback.
type OrderStatusPayload struct {
	OrderID      int64
	Status       types.OrderStatus
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// ExecDetailsPayload is the broker.Event payload for an execDetails callback.
type ExecDetailsPayload struct {
	OrderID   int64
	Execution types.Execution
}

// CommissionReportPayload is the broker.Event payload for a commissionReport callback.
type CommissionReportPayload struct {
	ExecID      string
	Commission  decimal.Decimal
	RealizedPnL *decimal.Decimal
}

// Result is returned by the placement operations.
type Result struct {
	OrderID       int64
	Status        types.OrderStatus
	CorrelationID string
	TimedOut      bool
}

// Config carries the timeouts the order pipeline awaits confirmation
// under (spec.md §6: ibkr.orderTimeoutMs, ibkr.executionTimeoutMs).
type Config struct {
	OrderTimeout     time.Duration
	ExecutionTimeout time.Duration
	FlattenSettle    time.Duration
}

// Manager is the order pipeline.
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	session *session.Session
	broker  *broker.Broker
	gateway Gateway
	store   store.Store

	onExecution func(types.Execution) // wired to internal/autolink's tryLinkExecution
}

// New creates an order pipeline Manager and attaches its persistent
// listeners (spec.md §4.4's "attached once at process start").
func New(logger *zap.Logger, cfg Config, sess *session.Session, brk *broker.Broker, gw Gateway, st store.Store) *Manager {
	if cfg.FlattenSettle == 0 {
		cfg.FlattenSettle = 500 * time.Millisecond
	}
	m := &Manager{
		logger:  logger.Named("orders"),
		cfg:     cfg,
		session: sess,
		broker:  brk,
		gateway: gw,
		store:   st,
	}
	m.registerListeners()
	return m
}

// OnExecution registers a callback fired after every persisted execution,
// used by internal/autolink to drive tryLinkExecution.
func (m *Manager) OnExecution(fn func(types.Execution)) { m.onExecution = fn }

// registerListeners attaches the three persistent global listeners of
// spec.md §4.4.last. They are never unregistered and survive reconnects
// because internal/broker's global listener map is untouched by
// NotifySessionDropped.
func (m *Manager) registerListeners() {
	m.broker.GlobalListener(broker.EventOrderStatus, func(ev broker.Event) {
		p, ok := ev.Payload.(OrderStatusPayload)
		if !ok {
			return
		}
		ctx := context.Background()
		if _, known, err := m.store.GetOrder(ctx, p.OrderID); err != nil || !known {
			return
		}
		filled := p.Filled
		avg := p.AvgFillPrice
		if err := m.store.UpdateOrderStatus(ctx, p.OrderID, p.Status, &filled, &avg); err != nil {
			m.logger.Error("failed to persist order status update", zap.Int64("orderId", p.OrderID), zap.Error(err))
		}
	})

	m.broker.GlobalListener(broker.EventExecDetails, func(ev broker.Event) {
		p, ok := ev.Payload.(ExecDetailsPayload)
		if !ok {
			return
		}
		ctx := context.Background()
		order, known, err := m.store.GetOrder(ctx, p.OrderID)
		if err != nil || !known {
			return
		}
		exec := p.Execution
		exec.CorrelationID = order.CorrelationID
		if err := m.store.InsertExecution(ctx, exec); err != nil {
			m.logger.Error("failed to persist execution", zap.String("execId", exec.ExecID), zap.Error(err))
			return
		}
		if m.onExecution != nil {
			m.onExecution(exec)
		}
	})

	m.broker.GlobalListener(broker.EventCommissionReport, func(ev broker.Event) {
		p, ok := ev.Payload.(CommissionReportPayload)
		if !ok {
			return
		}
		ctx := context.Background()
		if err := m.store.UpdateExecutionCommission(ctx, p.ExecID, p.Commission, p.RealizedPnL); err != nil {
			m.logger.Error("failed to persist commission report", zap.String("execId", p.ExecID), zap.Error(err))
		}
	})
}

// nextOrderID draws from the same monotonic allocator C2 uses for request
// ids (spec.md §4.4: "assign next order-id via C2's session").
func (m *Manager) nextOrderID() int64 { return m.broker.NextRequestID() }

// PlaceSimple places a single order and awaits its first status event.
func (m *Manager) PlaceSimple(ctx context.Context, o types.Order) (Result, error) {
	if err := Validate(o); err != nil {
		return Result{}, err
	}
	if !isKnownOrderType(o.Type) {
		m.logger.Warn("unknown order type forwarded as-is", zap.String("type", string(o.Type)))
	}

	o.OrderID = m.nextOrderID()
	if o.CorrelationID == "" {
		o.CorrelationID = uuid.NewString()
	}
	o.Status = types.OrderStatusPendingSubmit
	o.Transmit = true
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now

	if err := m.store.InsertOrder(ctx, o); err != nil {
		return Result{}, err
	}

	return m.submitAndAwait(ctx, o)
}

func (m *Manager) submitAndAwait(ctx context.Context, o types.Order) (Result, error) {
	var finalStatus types.OrderStatus
	err := m.session.WithSession(ctx, func(ctx context.Context) error {
		ev, callErr := m.broker.Call(ctx, m.cfg.OrderTimeout, []broker.EventKind{broker.EventOrderStatus}, func(reqID int64) error {
			return m.gateway.PlaceOrder(ctx, reqID, o)
		})
		if callErr != nil {
			if _, isTimeout := callErr.(*errs.Timeout); isTimeout {
				finalStatus = types.OrderStatusSubmitted
				return nil
			}
			return callErr
		}
		if p, ok := ev.Payload.(OrderStatusPayload); ok {
			finalStatus = p.Status
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	timedOut := finalStatus == types.OrderStatusSubmitted
	if finalStatus != "" {
		if uErr := m.store.UpdateOrderStatus(ctx, o.OrderID, finalStatus, nil, nil); uErr != nil {
			m.logger.Error("failed to persist initial status", zap.Error(uErr))
		}
	}
	return Result{OrderID: o.OrderID, Status: finalStatus, CorrelationID: o.CorrelationID, TimedOut: timedOut}, nil
}

// BracketResult is the three-order outcome of PlaceBracket/PlaceAdvancedBracket.
type BracketResult struct {
	ParentID      int64
	TakeProfitID  int64
	StopLossID    int64
	CorrelationID string
}

// PlaceBracket allocates three consecutive order ids and persists all
// three before transmitting any of them, preserving the exact
// transmit-flag sequencing of spec.md §4.4: parent and take-profit carry
// transmit=false, only the stop-loss carries transmit=true.
func (m *Manager) PlaceBracket(ctx context.Context, parent, takeProfit, stopLoss types.Order) (BracketResult, error) {
	return m.placeBracketInternal(ctx, parent, takeProfit, stopLoss, "", 0)
}

// PlaceAdvancedBracket is PlaceBracket with OCA linkage between the two
// children: they share an OCA group bracket_<parent>_<timestamp> and the
// given OCA type (default CancelWithBlock).
func (m *Manager) PlaceAdvancedBracket(ctx context.Context, parent, takeProfit, stopLoss types.Order, ocaType types.OCAType) (BracketResult, error) {
	if ocaType == 0 {
		ocaType = types.OCACancelWithBlock
	}
	return m.placeBracketInternal(ctx, parent, takeProfit, stopLoss, "advanced", ocaType)
}

func (m *Manager) placeBracketInternal(ctx context.Context, parent, takeProfit, stopLoss types.Order, mode string, ocaType types.OCAType) (BracketResult, error) {
	for _, o := range []types.Order{parent, takeProfit, stopLoss} {
		if err := Validate(o); err != nil {
			return BracketResult{}, err
		}
	}

	parentID := m.nextOrderID()
	tpID := m.nextOrderID()
	slID := m.nextOrderID()
	correlationID := uuid.NewString()
	now := time.Now()

	parent.OrderID, takeProfit.OrderID, stopLoss.OrderID = parentID, tpID, slID
	for _, o := range []*types.Order{&parent, &takeProfit, &stopLoss} {
		o.CorrelationID = correlationID
		o.Status = types.OrderStatusPendingSubmit
		o.CreatedAt, o.UpdatedAt = now, now
	}
	takeProfit.ParentOrderID = &parentID
	stopLoss.ParentOrderID = &parentID

	if mode == "advanced" {
		ocaGroup := fmt.Sprintf("bracket_%d_%d", parentID, now.Unix())
		takeProfit.OCAGroup, stopLoss.OCAGroup = ocaGroup, ocaGroup
		takeProfit.OCAType, stopLoss.OCAType = ocaType, ocaType
	}

	// Transmit flags: only the stop-loss transmits, atomically accepting
	// the whole triplet at the gateway.
	parent.Transmit = false
	takeProfit.Transmit = false
	stopLoss.Transmit = true

	// Persist all three before any transmission so DB state is consistent
	// even if the process dies mid-submit (spec.md §4.4).
	for _, o := range []types.Order{parent, takeProfit, stopLoss} {
		if err := m.store.InsertOrder(ctx, o); err != nil {
			return BracketResult{}, err
		}
	}

	// None of the three legs are awaited via broker.Call here — the
	// triplet's eventual status events are picked up by the persistent
	// global orderStatus listener, correlated by each leg's own OrderID.
	// reqID 0 tells Dispatch there is no pending-request match to attempt.
	err := m.session.WithSession(ctx, func(ctx context.Context) error {
		if err := m.gateway.PlaceOrder(ctx, 0, parent); err != nil {
			return err
		}
		if err := m.gateway.PlaceOrder(ctx, 0, takeProfit); err != nil {
			return err
		}
		return m.gateway.PlaceOrder(ctx, 0, stopLoss)
	})
	if err != nil {
		return BracketResult{}, err
	}

	return BracketResult{ParentID: parentID, TakeProfitID: tpID, StopLossID: slID, CorrelationID: correlationID}, nil
}

// Modify performs an in-place order modification preserving order-id,
// parent-id, and OCA-group per spec.md §4.4's critical contract.
func (m *Manager) Modify(ctx context.Context, orderID int64, apply func(o *types.Order)) (Result, error) {
	live, ok, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !ok || !live.Status.IsOpen() {
		return Result{}, &errs.ValidationError{Field: "orderId", Message: "order is not open for modification"}
	}

	before := live
	apply(&live)
	live.OrderID = before.OrderID
	live.ParentOrderID = before.ParentOrderID
	live.OCAGroup = before.OCAGroup
	live.OCAType = before.OCAType
	live.CorrelationID = before.CorrelationID

	if live == before {
		return Result{}, &errs.ValidationError{Field: "order", Message: "no field actually changed"}
	}
	if err := Validate(live); err != nil {
		return Result{}, err
	}

	var finalStatus types.OrderStatus
	var rejected bool
	err = m.session.WithSession(ctx, func(ctx context.Context) error {
		ev, callErr := m.broker.Call(ctx, m.cfg.OrderTimeout, []broker.EventKind{broker.EventOrderStatus}, func(reqID int64) error {
			return m.gateway.PlaceOrder(ctx, reqID, live)
		})
		if callErr != nil {
			if _, isTimeout := callErr.(*errs.Timeout); isTimeout {
				finalStatus = types.OrderStatusSubmitted // "probably accepted"
				return nil
			}
			return callErr
		}
		if p, ok := ev.Payload.(OrderStatusPayload); ok {
			if p.Status == types.OrderStatusInactive {
				rejected = true
				return nil
			}
			finalStatus = p.Status
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if rejected {
		// Explicit rejection: leave the store untouched (spec.md §4.4 step 5).
		return Result{OrderID: orderID, Status: types.OrderStatusInactive, CorrelationID: before.CorrelationID}, nil
	}

	live.Status = finalStatus
	if uErr := m.store.UpdateOrder(ctx, live); uErr != nil {
		m.logger.Error("failed to persist modify result", zap.Error(uErr))
	}
	return Result{OrderID: orderID, Status: finalStatus, CorrelationID: before.CorrelationID, TimedOut: finalStatus == types.OrderStatusSubmitted}, nil
}

// Cancel cancels a single open order.
func (m *Manager) Cancel(ctx context.Context, orderID int64) error {
	return m.session.WithSession(ctx, func(ctx context.Context) error {
		return m.gateway.CancelOrder(ctx, orderID)
	})
}

// CancelAll issues a global cancel for every open order.
func (m *Manager) CancelAll(ctx context.Context) error {
	return m.session.WithSession(ctx, func(ctx context.Context) error {
		return m.gateway.GlobalCancel(ctx)
	})
}

// Flatten closes every non-zero position at market with an IOC order. It
// bypasses the risk gate by design (spec.md §4.4: "flatten is a
// risk-gate action"), issuing a global cancel first and waiting a short
// settle delay before submitting closing orders.
func (m *Manager) Flatten(ctx context.Context, positions []types.Order) ([]Result, error) {
	if err := m.CancelAll(ctx); err != nil {
		return nil, err
	}

	select {
	case <-time.After(m.cfg.FlattenSettle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	results := make([]Result, 0, len(positions))
	for _, pos := range positions {
		closeOrder := pos
		closeOrder.Type = types.OrderTypeMarket
		closeOrder.TimeInForce = types.TIFIOC
		if pos.Side == types.OrderSideBuy {
			closeOrder.Side = types.OrderSideSell
		} else {
			closeOrder.Side = types.OrderSideBuy
		}
		closeOrder.LimitPrice = nil
		closeOrder.AuxPrice = nil

		res, err := m.PlaceSimple(ctx, closeOrder)
		if err != nil {
			m.logger.Error("flatten leg failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
