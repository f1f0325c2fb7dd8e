package mnp

import "fmt"

// State is the link state of a Pipe.
type State int

const (
	Disconnected  State = iota // no link
	Listen                     // responder waiting for the peer's LR
	LRSent                     // initiator waiting for the LR reply
	HandshakeDock              // LRs exchanged, dock handshake in progress
	Connected                  // dock handshake complete
	Disconnecting              // LD sent, tearing down
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Listen:
		return "LISTEN"
	case LRSent:
		return "HANDSHAKE_LR_SENT"
	case HandshakeDock:
		return "HANDSHAKE_DOCK"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the legal successor states
var transitions = map[State][]State{
	Disconnected:  {Listen, LRSent},
	Listen:        {HandshakeDock, Disconnected},
	LRSent:        {HandshakeDock, Disconnected},
	HandshakeDock: {Connected, Disconnecting, Disconnected},
	Connected:     {Disconnecting, Disconnected},
	Disconnecting: {Disconnected},
}

// canTransition reports whether from -> to is a documented transition.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// carriesData reports whether LTs may flow in state s.
func (s State) carriesData() bool {
	return s == HandshakeDock || s == Connected
}
