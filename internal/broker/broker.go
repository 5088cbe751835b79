// Package broker implements the request/response broker (C2): it turns the
// gateway's callback event stream into request/response futures, with
// monotonic request ids reset only on hard reconnects, persistent global
// listeners for C4's order/exec/commission reconciliation, and per-request
// timeouts.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-research/edge-engine/internal/errs"
	"go.uber.org/zap"
)

// EventKind names a class of gateway event.
type EventKind string

const (
	EventOrderStatus      EventKind = "orderStatus"
	EventExecDetails      EventKind = "execDetails"
	EventCommissionReport EventKind = "commissionReport"
	EventNewsBulletin     EventKind = "newsBulletin"
	EventError            EventKind = "error"
)

// Event is a single inbound gateway event. ReqID is zero (or negative) for
// events that carry no request correlation (commission reports, which correlate only
// by exec id; news bulletins, which are untagged).
type Event struct {
	Kind    EventKind
	ReqID   int64
	ExecID  string
	Payload any
	Err     error
}

// GlobalHandler is a persistent listener that is never unregistered by
// request completion (spec.md §4.2).
type GlobalHandler func(Event)

type pendingRequest struct {
	ch    chan Event
	kinds map[EventKind]bool
}

// Broker correlates gateway events to waiting callers and to persistent
// global listeners.
type Broker struct {
	logger *zap.Logger
	pool   *dispatchPool

	nextReqID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	global  map[EventKind][]GlobalHandler
}

// New creates a broker with its own bounded event-dispatch pool.
func New(logger *zap.Logger) *Broker {
	l := logger.Named("broker")
	return &Broker{
		logger:  l,
		pool:    newDispatchPool(l, 8, 4096),
		pending: make(map[int64]*pendingRequest),
		global:  make(map[EventKind][]GlobalHandler),
	}
}

// ResetRequestIDs resets the monotonic allocator. Wired to
// session.Session.OnHardReconnect per spec.md §4.1/§4.2.
func (b *Broker) ResetRequestIDs() {
	b.nextReqID.Store(0)
	b.logger.Info("request id allocator reset on hard reconnect")
}

// NextRequestID allocates a fresh monotonically increasing request id.
func (b *Broker) NextRequestID() int64 {
	return b.nextReqID.Add(1)
}

// GlobalListener registers a handler that survives request completion and
// reconnects — used by C4's persistent order/exec/commission listeners.
func (b *Broker) GlobalListener(kind EventKind, handler GlobalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global[kind] = append(b.global[kind], handler)
}

// Call allocates a request id, registers interest in the given event
// kinds, invokes send(reqID) to dispatch the request over the session, and
// blocks until the first matching event arrives, the context is
// cancelled, or timeout elapses. The returned error is *errs.Timeout on
// expiry or the session-drop error sent by NotifySessionDropped on
// disconnect.
func (b *Broker) Call(ctx context.Context, timeout time.Duration, kinds []EventKind, send func(reqID int64) error) (Event, error) {
	reqID := b.NextRequestID()

	kindSet := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	pr := &pendingRequest{ch: make(chan Event, 8), kinds: kindSet}

	b.mu.Lock()
	b.pending[reqID] = pr
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.pending, reqID)
		b.mu.Unlock()
	}

	if err := send(reqID); err != nil {
		cleanup()
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-pr.ch:
		cleanup()
		return ev, ev.Err
	case <-timer.C:
		cleanup()
		return Event{}, &errs.Timeout{Operation: string(joinKinds(kinds)), BoundMs: int(timeout.Milliseconds())}
	case <-ctx.Done():
		cleanup()
		return Event{}, ctx.Err()
	}
}

func joinKinds(kinds []EventKind) EventKind {
	if len(kinds) == 0 {
		return ""
	}
	return kinds[0]
}

// Subscription is a long-lived stream of events, open until Cancel is
// called or the session drops.
type Subscription struct {
	broker *Broker
	reqID  int64
	ch     chan Event
}

// Events returns the subscription's event channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel unregisters the subscription's per-request handler.
func (s *Subscription) Cancel() {
	s.broker.mu.Lock()
	delete(s.broker.pending, s.reqID)
	s.broker.mu.Unlock()
	close(s.ch)
}

// Subscribe registers long-lived interest in a set of event kinds under a
// fresh request id, yielding events until Cancel or a session drop.
func (b *Broker) Subscribe(kinds []EventKind, send func(reqID int64) error) (*Subscription, error) {
	reqID := b.NextRequestID()
	kindSet := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	pr := &pendingRequest{ch: make(chan Event, 64), kinds: kindSet}

	b.mu.Lock()
	b.pending[reqID] = pr
	b.mu.Unlock()

	if err := send(reqID); err != nil {
		b.mu.Lock()
		delete(b.pending, reqID)
		b.mu.Unlock()
		return nil, err
	}

	return &Subscription{broker: b, reqID: reqID, ch: pr.ch}, nil
}

// Dispatch routes one inbound gateway event. Events carrying a request id
// go only to the handler(s) registered under that id (within-request
// ordering is preserved because Go channels are FIFO and we never reorder
// here); events without a request id (or whose id has no registered
// pending handler) go to every matching global listener. Global listener
// invocation runs through the bounded dispatch pool so a slow handler
// cannot stall event ingestion.
func (b *Broker) Dispatch(ev Event) {
	if ev.ReqID > 0 {
		b.mu.Lock()
		pr, ok := b.pending[ev.ReqID]
		b.mu.Unlock()
		if ok && pr.kinds[ev.Kind] {
			select {
			case pr.ch <- ev:
			default:
				b.logger.Warn("pending request channel full, dropping event", zap.Int64("reqId", ev.ReqID))
			}
			return
		}
	}

	b.mu.Lock()
	handlers := append([]GlobalHandler(nil), b.global[ev.Kind]...)
	b.mu.Unlock()

	for _, h := range handlers {
		handler := h
		b.pool.Submit(func() { handler(ev) })
	}
}

// NotifySessionDropped invokes every registered per-request handler
// exactly once with a session-dropped error (spec.md §4.2 cancellation
// semantics), then clears them. Global listeners are preserved.
func (b *Broker) NotifySessionDropped() {
	b.mu.Lock()
	dropped := b.pending
	b.pending = make(map[int64]*pendingRequest)
	b.mu.Unlock()

	dropErr := &errs.SessionUnavailable{Cause: errSessionDropped}
	for _, pr := range dropped {
		select {
		case pr.ch <- Event{Err: dropErr}:
		default:
		}
	}
}

var errSessionDropped = sessionDroppedSentinel{}

type sessionDroppedSentinel struct{}

func (sessionDroppedSentinel) Error() string { return "session dropped" }

// Stop shuts down the broker's dispatch pool.
func (b *Broker) Stop() { b.pool.Stop() }
