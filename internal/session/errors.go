package session

import "fmt"

// NegotiationError reports a per-peer negotiation failure. It is always
// scoped to one remote user; other peer sessions are unaffected.
type NegotiationError struct {
	RemoteUserID string
	Op           string
	Err          error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("session: %s with %s: %v", e.Op, e.RemoteUserID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when an operation would move a peer
// session along an illegal edge of the state machine.
type InvalidTransitionError struct {
	RemoteUserID string
	From, To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session: %s: invalid transition %s → %s", e.RemoteUserID, e.From, e.To)
}
