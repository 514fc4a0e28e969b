package relay

import (
	"github.com/go-go-golems/chatrelay/pkg/history"
)

// State is the lifecycle position of one inbound message.
//
//	Received -> Assembling -> Completing -> Updating -> Replied
//	Received -> Assembling -> Completing -> Failed
//	Received -> Dropped
//
// Pending is not part of the lifecycle. Handle reports it when the caller stopped
// waiting before the message reached a terminal state.
type State string

const (
	StateReceived   State = "received"
	StateAssembling State = "assembling"
	StateCompleting State = "completing"
	StateUpdating   State = "updating"
	StateReplied    State = "replied"
	StateFailed     State = "failed"
	StateDropped    State = "dropped"
	StatePending    State = "pending"
)

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	switch s {
	case StateReplied, StateFailed, StateDropped:
		return true
	case StateReceived, StateAssembling, StateCompleting, StateUpdating, StatePending:
		return false
	}
	return false
}

// Outcome reports how a message ended. Reply is the text sent back to the user, if any.
// Err carries the internal failure and is never shown to users.
type Outcome struct {
	SessionKey history.SessionKey
	State      State
	Reply      string
	Attempts   int
	Err        error
}
