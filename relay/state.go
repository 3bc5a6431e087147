package relay

import "fmt"

// State is the relay lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
