// Package paper provides a simulated brokerage gateway: a session.Transport
// and orders.Gateway pair that fill orders immediately in-process instead
// of speaking a real wire protocol. Grounded on the teacher's own
// PaperTrading mode (cmd/server/main.go's executorConfig.PaperTrading bool
// with "Exchange adapters set via env" left nil) — the actual brokerage
// wire protocol is deployment-specific infrastructure this repository
// does not pin down, so cmd/server wires this simulator by default and a
// real Transport/Gateway implementation is a drop-in replacement.
package paper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-research/edge-engine/internal/broker"
	"github.com/atlas-research/edge-engine/internal/orders"
	"github.com/atlas-research/edge-engine/pkg/types"
)

// Gateway simulates instant fills at the order's limit price (or a flat
// reference price for market orders), dispatching orderStatus and
// execDetails events back through the broker the way a real gateway's
// event stream would.
type Gateway struct {
	logger      *zap.Logger
	broker      *broker.Broker
	fillPrice   decimal.Decimal
	fillLatency time.Duration
}

// NewGateway builds a paper Gateway. fillPrice is used for any order
// without an explicit limit price (market/stop orders).
func NewGateway(logger *zap.Logger, brk *broker.Broker, fillPrice decimal.Decimal) *Gateway {
	return &Gateway{
		logger:      logger.Named("paper-gateway"),
		broker:      brk,
		fillPrice:   fillPrice,
		fillLatency: 5 * time.Millisecond,
	}
}

// PlaceOrder simulates acceptance and an immediate full fill. reqID, when
// positive, is the broker.Call-assigned correlation token for a caller
// synchronously awaiting this order's first status event; reqID of 0
// (the bracket-leg fire-and-forget path) dispatches only to the
// persistent global listeners.
func (g *Gateway) PlaceOrder(ctx context.Context, reqID int64, o types.Order) error {
	price := g.fillPrice
	if o.LimitPrice != nil {
		price = *o.LimitPrice
	}

	go func() {
		time.Sleep(g.fillLatency)
		g.broker.Dispatch(broker.Event{
			Kind:  broker.EventOrderStatus,
			ReqID: reqID,
			Payload: orders.OrderStatusPayload{
				OrderID:      o.OrderID,
				Status:       types.OrderStatusFilled,
				Filled:       o.TotalQuantity,
				Remaining:    decimal.Zero,
				AvgFillPrice: price,
			},
		})

		execID := fmt.Sprintf("paper-%d-%s", o.OrderID, uuid.NewString()[:8])
		g.broker.Dispatch(broker.Event{
			Kind:  broker.EventExecDetails,
			ReqID: 0,
			Payload: orders.ExecDetailsPayload{
				OrderID: o.OrderID,
				Execution: types.Execution{
					ExecID:    execID,
					OrderID:   o.OrderID,
					Symbol:    o.Symbol,
					Side:      sideFor(o.Side),
					Shares:    o.TotalQuantity,
					Price:     price,
					CumQty:    o.TotalQuantity,
					AvgPrice:  price,
					Account:   "paper",
					Timestamp: time.Now(),
				},
			},
		})

		commission := decimal.NewFromFloat(0.005).Mul(o.TotalQuantity)
		g.broker.Dispatch(broker.Event{
			Kind:  broker.EventCommissionReport,
			ReqID: 0,
			Payload: orders.CommissionReportPayload{
				ExecID:     execID,
				Commission: commission,
			},
		})
	}()

	return nil
}

// CancelOrder is a no-op: paper fills are immediate, so by the time a
// cancel could race a placement the order is already terminal.
func (g *Gateway) CancelOrder(ctx context.Context, orderID int64) error { return nil }

// GlobalCancel is a no-op for the same reason as CancelOrder.
func (g *Gateway) GlobalCancel(ctx context.Context) error { return nil }

func sideFor(side types.OrderSide) types.ExecSide {
	if side == types.OrderSideSell {
		return types.ExecSideSold
	}
	return types.ExecSideBought
}

// Transport simulates the gateway's TCP session: Connect always succeeds,
// Heartbeat always reports a small fixed latency. Grounded on the
// teacher's ExchangeAdapter being nil in paper mode — here the session
// layer itself is always "connected" rather than omitted, since C1's
// state machine and health scoring are in scope regardless of whether a
// real socket backs it.
type Transport struct {
	logger *zap.Logger
}

// NewTransport builds a paper Transport.
func NewTransport(logger *zap.Logger) *Transport {
	return &Transport{logger: logger.Named("paper-transport")}
}

func (t *Transport) Connect(ctx context.Context, clientID int) (string, error) {
	return fmt.Sprintf("paper-server-%d", clientID), nil
}

func (t *Transport) Disconnect() {}

func (t *Transport) Heartbeat(ctx context.Context) (int64, error) {
	return 1, nil
}
