package gpib

import "sync/atomic"

// State is the lifecycle state of a Session.
type State uint32

const (
	// StateClosed is the initial and terminal state. No handle is held.
	StateClosed State = iota
	// StateOpen means the session holds a usable handle.
	StateOpen
	// StateFaulted means an unrecoverable adapter error occurred. Only Close
	// is accepted.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

type atomicState struct {
	state atomic.Uint32
}

func (st *atomicState) Get() State {
	return State(st.state.Load())
}

func (st *atomicState) ToOpen() bool {
	return st.state.CompareAndSwap(uint32(StateClosed), uint32(StateOpen))
}

func (st *atomicState) ToFaulted() bool {
	return st.state.CompareAndSwap(uint32(StateOpen), uint32(StateFaulted))
}

// ToClosed moves any state to Closed and returns the previous state.
func (st *atomicState) ToClosed() State {
	return State(st.state.Swap(uint32(StateClosed)))
}
