package dock

import "fmt"

// State is the state of a docking session.
type State int

const (
	Idle         State = iota // no link attached yet
	AwaitingDock              // waiting for the Newton's request to dock
	Handshaking               // dock handshake in progress
	Ready                     // steady state: commands flow both ways
	Cancelled                 // the Newton cancelled; acknowledging
	Finished                  // session over
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDock:
		return "awaiting-dock"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Cancelled:
		return "cancelled"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A refused or cancelled handshake falls back to AwaitingDock so the
// Newton can request docking again.
var transitions = map[State][]State{
	Idle:         {AwaitingDock, Finished},
	AwaitingDock: {Handshaking, Cancelled, Finished},
	Handshaking:  {Ready, AwaitingDock, Cancelled, Finished},
	Ready:        {Cancelled, Finished},
	Cancelled:    {Ready, AwaitingDock, Finished},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
