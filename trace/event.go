package trace

import (
	"errors"
	"time"

	"github.com/arloliu/go-gpib/gpib"
)

// Event is the serialized form of a gpib.TraceEvent.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp time.Time      `cbor:"1,keyasint"`
	SessionID string         `cbor:"2,keyasint"`
	Address   string         `cbor:"3,keyasint"`
	Op        string         `cbor:"4,keyasint"`
	Direction gpib.Direction `cbor:"5,keyasint"`

	// Data holds the bytes written or read.
	Data    []byte        `cbor:"6,keyasint,omitempty"`
	Elapsed time.Duration `cbor:"7,keyasint,omitempty"`
	// End is set on reads.
	End string `cbor:"8,keyasint,omitempty"`

	StateChange *StateChange `cbor:"9,keyasint,omitempty"`
	Error       *ErrorInfo   `cbor:"10,keyasint,omitempty"`
}

// StateChange records a session state transition.
type StateChange struct {
	From string `cbor:"1,keyasint"`
	To   string `cbor:"2,keyasint"`
}

// ErrorInfo records a failed operation.
type ErrorInfo struct {
	Kind        string `cbor:"1,keyasint,omitempty"`
	Message     string `cbor:"2,keyasint"`
	Recoverable bool   `cbor:"3,keyasint,omitempty"`
}

// FromTraceEvent converts a session trace event to its serialized form.
func FromTraceEvent(ev gpib.TraceEvent) Event {
	out := Event{
		Timestamp: ev.Time,
		SessionID: ev.SessionID.String(),
		Address:   ev.Addr.String(),
		Op:        string(ev.Op),
		Direction: ev.Dir,
		Elapsed:   ev.Elapsed,
	}

	if len(ev.Data) > 0 {
		out.Data = append([]byte(nil), ev.Data...)
	}
	if ev.Dir == gpib.DirRx {
		out.End = ev.End.String()
	}
	if ev.IsStateChange() {
		out.StateChange = &StateChange{From: ev.From.String(), To: ev.To.String()}
	}
	if ev.Err != nil {
		out.Error = &ErrorInfo{Message: ev.Err.Error(), Recoverable: gpib.IsRecoverable(ev.Err)}
		if kind := gpib.KindOf(ev.Err); kind != nil {
			out.Error.Kind = kind.Error()
		}
	}

	return out
}

// IsError reports whether the event records a failure.
func (e Event) IsError() bool {
	return e.Error != nil
}

// Err returns the recorded failure as an error, or nil.
func (e Event) Err() error {
	if e.Error == nil {
		return nil
	}

	return errors.New(e.Error.Message)
}
