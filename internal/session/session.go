package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/pkg/types"
	backoffpkg "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Transport abstracts the long-lived TCP connection to the brokerage
// gateway. A real implementation speaks the gateway's event/response wire
// protocol; tests substitute a fake. Grounded on the teacher's
// ExchangeAdapter interface shape (Connect/Disconnect/IsConnected) in
// internal/execution/executor.go, generalized to a stateful session with
// heartbeats instead of one-shot order calls.
type Transport interface {
	// Connect attempts the handshake with the given client id and returns
	// the gateway-assigned server id, or an error classified by IsIDInUse.
	Connect(ctx context.Context, clientID int) (serverID string, err error)
	Disconnect()
	// Heartbeat performs one round-trip liveness check.
	Heartbeat(ctx context.Context) (latencyMs int64, err error)
}

// IDInUseError is returned by Transport.Connect when the gateway rejects a
// client id because it is already in use by another session.
type IDInUseError struct{ ClientID int }

func (e *IDInUseError) Error() string {
	return fmt.Sprintf("client id %d already in use", e.ClientID)
}

// Config configures the session manager.
type Config struct {
	ClientID           int
	MaxClientIDRetries int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
}

// Session owns the single connection to the brokerage gateway.
type Session struct {
	logger    *zap.Logger
	cfg       Config
	transport Transport
	health    *HealthTracker

	mu          sync.RWMutex
	state       State
	strikes     int
	serverID    string
	reconnectAt time.Time
	backoff     backoffpkg.BackOff

	onHardReconnect func()
	onStateChange   func(State)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a session manager in the initial Disconnected state.
func New(logger *zap.Logger, cfg Config, transport Transport) *Session {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 3 * time.Second
	}
	return &Session{
		logger:    logger.Named("session"),
		cfg:       cfg,
		transport: transport,
		health:    NewHealthTracker(),
		state:     StateDisconnected,
		backoff:   newFixedScheduleBackOff(),
	}
}

// OnHardReconnect registers a callback invoked whenever a hard reconnect
// occurs, used by C2 to reset its request-id allocator and re-register
// global listeners.
func (s *Session) OnHardReconnect(fn func()) { s.onHardReconnect = fn }

// OnStateChange registers a callback invoked on every legal state transition.
func (s *Session) OnStateChange(fn func(State)) { s.onStateChange = fn }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Health returns a snapshot of the process-wide ConnectionHealth.
func (s *Session) Health() types.ConnectionHealth {
	return s.health.Snapshot()
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !transition(from, to) {
		s.mu.Unlock()
		s.logger.Warn("illegal state transition suppressed", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	s.state = to
	s.mu.Unlock()

	s.health.RecordAvailability(to == StateConnected)
	s.logger.Info("session state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.onStateChange != nil {
		s.onStateChange(to)
	}
}

// Start begins the connect-and-supervise loop. It returns once the first
// connect attempt resolves (success or SessionUnavailable); heartbeat
// supervision and reconnection continue in the background until Close.
func (s *Session) Start(ctx context.Context) error {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	if err := s.connect(ctx); err != nil {
		return err
	}

	go s.supervise(ctx)
	return nil
}

// connect drives the Disconnected -> Connecting -> Connected transition,
// including client-id negotiation (spec.md §4.1).
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	clientID := s.cfg.ClientID
	maxRetries := s.cfg.MaxClientIDRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		serverID, err := s.transport.Connect(ctx, clientID)
		if err == nil {
			s.mu.Lock()
			s.serverID = serverID
			s.strikes = 0
			s.mu.Unlock()
			s.backoff.Reset()
			s.setState(StateConnected)
			return nil
		}

		lastErr = err
		if _, ok := err.(*IDInUseError); ok {
			clientID++
			continue
		}
		break
	}

	s.setState(StateDisconnected)
	return &errs.SessionUnavailable{Cause: lastErr}
}

// supervise runs the heartbeat loop and reacts to misses per the strike
// policy in spec.md §4.1.
func (s *Session) supervise(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Session) beat(ctx context.Context) {
	if s.State() == StateClosed {
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.transport.Heartbeat(hbCtx)
	latency := time.Since(start).Milliseconds()

	if err == nil {
		s.health.RecordHeartbeatLatency(latency)
		s.mu.Lock()
		s.strikes = 0
		s.mu.Unlock()
		if s.State() == StateDegraded {
			s.setState(StateConnected)
		}
		return
	}

	s.mu.Lock()
	s.strikes++
	strike := s.strikes
	s.mu.Unlock()

	action := actionForStrike(strike)
	s.logger.Warn("heartbeat missed", zap.Int("strike", strike), zap.String("action", string(action)))

	switch action {
	case ActionWarning:
		s.setState(StateDegraded)
	case ActionSoftReconnect:
		s.reconnect(ctx, false)
	case ActionHardReconnect:
		s.reconnect(ctx, true)
	}
}

// reconnect drops the connection and schedules a reconnect after the
// configured backoff, resetting the request-id allocator on hard reconnects.
func (s *Session) reconnect(ctx context.Context, hard bool) {
	s.setState(StateReconnecting)
	s.health.RecordReconnectStarted()
	s.transport.Disconnect()

	if hard {
		s.mu.Lock()
		s.strikes = 0
		s.mu.Unlock()
		if s.onHardReconnect != nil {
			s.onHardReconnect()
		}
	}

	delay := s.backoff.NextBackOff()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
		if s.State() == StateClosed {
			return
		}
		if err := s.connect(ctx); err != nil {
			s.logger.Error("reconnect failed", zap.Error(err))
		}
	}()
}

// HandleGatewayError applies spec.md §4.1 / §6's error-code overrides:
// code 1100 uses a fixed 10s backoff instead of the schedule; 1102
// suppresses reconnect entirely (the session is recoverable in place).
func (s *Session) HandleGatewayError(ctx context.Context, code int, message string) error {
	if delay, suppress, overridden := backoffOverride(code); overridden {
		if suppress {
			s.logger.Info("gateway reports in-place recovery, suppressing reconnect", zap.Int("code", code))
			if s.State() == StateReconnecting {
				s.setState(StateConnecting)
			}
			return nil
		}
		s.setState(StateReconnecting)
		s.health.RecordReconnectStarted()
		s.transport.Disconnect()
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			_ = s.connect(ctx)
		}()
		return nil
	}
	return &errs.GatewayError{Code: code, Message: message}
}

// WithSession waits until a session is available and invokes f while
// connected. This is the capability C2 uses to dispatch requests; it
// never blocks indefinitely — ctx cancellation or session Close unblocks it.
func (s *Session) WithSession(ctx context.Context, f func(ctx context.Context) error) error {
	for {
		state := s.State()
		switch state {
		case StateConnected:
			return f(ctx)
		case StateClosed:
			return &errs.SessionUnavailable{Cause: fmt.Errorf("session closed")}
		default:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// Close terminates the session permanently (Reconnecting -> Closed is the
// only legal path to Closed per spec.md §4.1; Connected/Degraded first
// transition through Reconnecting).
func (s *Session) Close() {
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
	state := s.State()
	if state != StateReconnecting {
		s.setState(StateReconnecting)
	}
	s.setState(StateClosed)
	s.transport.Disconnect()
	if s.doneCh != nil {
		<-s.doneCh
	}
}
