package session

// State is the lifecycle position of one session.
//
// Transitions:
//
//	Uninitialized -> AwaitingHandshake        (engine client initialized)
//	AwaitingHandshake -> AwaitingHandshake    (handshake code re-issued)
//	AwaitingHandshake -> Authenticated        (handshake accepted)
//	Authenticated -> Ready                    (client can send)
//	any -> Disconnected | Failed              (terminal; session leaves the registry)
type State string

const (
	StateUninitialized     State = "uninitialized"
	StateAwaitingHandshake State = "awaiting_handshake"
	StateAuthenticated     State = "authenticated"
	StateReady             State = "ready"
	StateDisconnected      State = "disconnected"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}
