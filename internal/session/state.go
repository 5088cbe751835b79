// Package session implements the brokerage gateway session manager (C1):
// connection lifecycle, heartbeat supervision with graded recovery, and
// exponential reconnect backoff with gateway-error-code overrides.
package session

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateDegraded     State = "Degraded"
	StateReconnecting State = "Reconnecting"
	StateClosed       State = "Closed"
)

// HeartbeatAction is the graded response to a missed heartbeat.
type HeartbeatAction string

const (
	ActionNone         HeartbeatAction = ""
	ActionWarning      HeartbeatAction = "warning"
	ActionSoftReconnect HeartbeatAction = "soft_reconnect"
	ActionHardReconnect HeartbeatAction = "hard_reconnect"
)

// actionForStrike implements the exact heartbeat strike policy of spec.md
// §4.1: 1 -> warning, 2 -> soft_reconnect, >=3 -> hard_reconnect.
func actionForStrike(strike int) HeartbeatAction {
	switch {
	case strike <= 0:
		return ActionNone
	case strike == 1:
		return ActionWarning
	case strike == 2:
		return ActionSoftReconnect
	default:
		return ActionHardReconnect
	}
}

// transition reports whether moving from `from` to `to` is legal. Kept as
// a pure function so tests can exhaustively check the table in spec.md §4.1
// without constructing a full Session.
func transition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateDisconnected
	case StateConnected:
		return to == StateDegraded || to == StateReconnecting
	case StateDegraded:
		return to == StateConnected || to == StateReconnecting
	case StateReconnecting:
		return to == StateConnecting || to == StateClosed
	case StateClosed:
		return false
	}
	return false
}
