package models

import "time"

// ConnState is the reconnection state machine position of one physical
// connection.
type ConnState string

const (
	StateIdle          ConnState = "idle"
	StateConnecting    ConnState = "connecting"
	StateOpen          ConnState = "open"
	StateReconnectWait ConnState = "reconnect_wait"
	StateFailed        ConnState = "failed"
)

// ConnStatus is surfaced to status subscribers on every state transition.
// Transport errors are never raised to consumers; this is the only signal.
type ConnStatus struct {
	Venue     string    `json:"venue"`
	Channel   Channel   `json:"channel"`
	State     ConnState `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connected reports whether the connection is currently usable.
func (s ConnStatus) Connected() bool {
	return s.State == StateOpen
}
