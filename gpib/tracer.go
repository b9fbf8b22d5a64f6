package gpib

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells which way the bytes of a TraceEvent travelled.
type Direction uint8

const (
	DirNone Direction = iota // control operations and state changes
	DirTx                    // controller to device
	DirRx                    // device to controller
)

func (d Direction) String() string {
	switch d {
	case DirTx:
		return "tx"
	case DirRx:
		return "rx"
	default:
		return "none"
	}
}

// TraceEvent describes one bus transaction or state change of a session.
type TraceEvent struct {
	Time      time.Time
	SessionID uuid.UUID
	Addr      Address
	Op        Op
	Dir       Direction
	Data      []byte
	Elapsed   time.Duration
	End       ReadEnd
	// From and To are set when the event records a state change.
	From, To State
	Err      error
}

// IsStateChange reports whether the event records a state transition.
func (ev TraceEvent) IsStateChange() bool {
	return ev.From != ev.To
}

// Tracer receives a TraceEvent for every transaction a session performs.
//
// Trace is called with the session lock held; implementations should not
// block for long. The trace package provides file and logger recorders.
type Tracer interface {
	Trace(ev TraceEvent)
}

type nopTracer struct{}

func (nopTracer) Trace(TraceEvent) {}
