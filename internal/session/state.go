// Package session manages the mesh of per-participant peer connections:
// one negotiation state machine per remote user, serialized per peer,
// recoverable from partial failure without touching unrelated peers.
package session

import "fmt"

// State is the negotiation state of one peer session.
type State int

const (
	// StateNone: session exists but no offer has been exchanged.
	StateNone State = iota
	// StateConnecting: local offer sent, awaiting the remote answer.
	StateConnecting
	// StateConnected: descriptions applied on both sides.
	StateConnected
	// StateDisconnected: ICE reported a (possibly transient) loss.
	StateDisconnected
	// StateFailed: ICE gave up; the session must be torn down.
	StateFailed
	// StateClosed: terminal. A logically new session for the same remote
	// user starts over at StateNone on a fresh Peer object.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validNext enumerates the legal transitions. Close is legal from every
// state, so it is handled separately.
var validNext = map[State][]State{
	StateNone:         {StateConnecting, StateConnected},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed},
	StateConnected:    {StateDisconnected, StateFailed},
	StateDisconnected: {StateConnected, StateFailed},
	StateFailed:       {},
}

// canTransition reports whether from → to is a legal move.
func canTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}
