package conn

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is one connection-state transition. Message carries the error text
// for failed attempts and disconnects.
type Event struct {
	Address string
	Port    int
	State   State
	Message string
	At      time.Time
}

func (e Event) String() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s:%d", e.State, e.Address, e.Port)
	}
	return fmt.Sprintf("%s %s:%d: %s", e.State, e.Address, e.Port, e.Message)
}
