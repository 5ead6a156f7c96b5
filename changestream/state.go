package changestream

import "fmt"

// State is the position of a cursor in its lifecycle.
type State int

const (
	StateOpenCursor State = iota
	StateGetMore
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpenCursor:
		return "OPEN_CURSOR"
	case StateGetMore:
		return "GET_MORE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) ensure(expected State) {
	if s != expected {
		panic(fmt.Sprintf("changestream: state must be %s but is %s", expected, s))
	}
}
