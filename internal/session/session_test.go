package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeTransport lets tests control heartbeat success/failure per call.
type fakeTransport struct {
	mu          sync.Mutex
	failNext    int
	connectErrs []error
	connectIdx  int
}

func (f *fakeTransport) Connect(ctx context.Context, clientID int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectIdx < len(f.connectErrs) {
		err := f.connectErrs[f.connectIdx]
		f.connectIdx++
		if err != nil {
			return "", err
		}
	}
	return "server-1", nil
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) Heartbeat(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return 0, errors.New("heartbeat miss")
	}
	return 10, nil
}

func TestHeartbeatStrikePolicy(t *testing.T) {
	tests := []struct {
		strike int
		want   HeartbeatAction
	}{
		{0, ActionNone},
		{1, ActionWarning},
		{2, ActionSoftReconnect},
		{3, ActionHardReconnect},
		{10, ActionHardReconnect},
	}
	for _, tt := range tests {
		if got := actionForStrike(tt.strike); got != tt.want {
			t.Errorf("actionForStrike(%d) = %q, want %q", tt.strike, got, tt.want)
		}
	}
}

func TestReconnectScheduleBoundary(t *testing.T) {
	want := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, w := range want {
		if got := delayForAttempt(i); got != w {
			t.Errorf("delayForAttempt(%d) = %v, want %v", i, got, w)
		}
	}
	if got := delayForAttempt(7); got != 30000*time.Millisecond {
		t.Errorf("delayForAttempt(7) = %v, want 30000ms", got)
	}
}

func TestGatewayErrorOverrides(t *testing.T) {
	if delay, suppress, ok := backoffOverride(1100); !ok || suppress || delay != 10000*time.Millisecond {
		t.Errorf("code 1100: got delay=%v suppress=%v ok=%v", delay, suppress, ok)
	}
	if _, suppress, ok := backoffOverride(1102); !ok || !suppress {
		t.Errorf("code 1102 should suppress reconnect")
	}
	if _, _, ok := backoffOverride(2104); ok {
		t.Errorf("unrecognised code should not be overridden")
	}
}

func TestStateTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateDegraded, true},
		{StateDegraded, StateConnected, true},
		{StateDegraded, StateReconnecting, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnecting, true},
		{StateReconnecting, StateClosed, true},
		{StateClosed, StateConnecting, false},
		{StateDisconnected, StateConnected, false},
	}
	for _, c := range cases {
		if got := transition(c.from, c.to); got != c.want {
			t.Errorf("transition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestHealthScoreRange(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < 50; i++ {
		h.RecordHeartbeatLatency(int64(i * 10))
	}
	for i := 0; i < 5; i++ {
		h.RecordReconnectStarted()
	}
	snap := h.Snapshot()
	score := snap.Score.InexactFloat64()
	if score < 0 || score > 100 {
		t.Errorf("health score out of range: %v", score)
	}
}

func TestHeartbeatGradingScenario(t *testing.T) {
	// Concrete scenario 5: three consecutive missed heartbeats on a
	// healthy session trace Connected -> Degraded -> Reconnecting.
	ft := &fakeTransport{failNext: 3}
	logger := zap.NewNop()
	s := New(logger, Config{ClientID: 1, HeartbeatInterval: time.Millisecond, HeartbeatTimeout: time.Millisecond}, ft)

	hardReconnects := 0
	s.OnHardReconnect(func() { hardReconnects++ })

	var transitions []State
	var mu sync.Mutex
	s.OnStateChange(func(st State) {
		mu.Lock()
		transitions = append(transitions, st)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.beat(ctx)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 3 {
		t.Fatalf("expected at least 3 transitions, got %v", transitions)
	}
	if transitions[len(transitions)-2] != StateDegraded {
		t.Errorf("expected Degraded before soft/hard reconnect, got %v", transitions)
	}
	if transitions[len(transitions)-1] != StateReconnecting {
		t.Errorf("expected final state Reconnecting, got %v", transitions[len(transitions)-1])
	}
	if hardReconnects != 1 {
		t.Errorf("expected exactly one hard reconnect (request-id allocator reset), got %d", hardReconnects)
	}
}
