package gpib

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds. Every error returned by this package and by conforming
// adapters matches exactly one of them with errors.Is.
var (
	// ErrInvalidAddress indicates an address outside the legal range. It is
	// detected before any bus I/O.
	ErrInvalidAddress = errors.New("gpib: invalid address")

	// ErrNoDeviceFound indicates that nothing answered at the address during open or probe.
	ErrNoDeviceFound = errors.New("gpib: no device found")

	// ErrBusBusy indicates that the address is already claimed by another open session.
	ErrBusBusy = errors.New("gpib: address busy")

	// ErrTimeout indicates that an operation exceeded its deadline.
	ErrTimeout = errors.New("gpib: timeout")

	// ErrBusError indicates a low-level transport failure reported by the adapter.
	ErrBusError = errors.New("gpib: bus error")

	// ErrProtocol indicates a malformed or truncated response, or a command
	// that cannot be framed.
	ErrProtocol = errors.New("gpib: protocol error")

	// ErrInvalidState indicates an operation attempted in a session state that forbids it.
	ErrInvalidState = errors.New("gpib: invalid session state")

	// ErrUnsupported indicates that the adapter lacks an optional capability.
	ErrUnsupported = errors.New("gpib: operation not supported by adapter")
)

var errorKinds = []error{
	ErrInvalidAddress,
	ErrNoDeviceFound,
	ErrBusBusy,
	ErrTimeout,
	ErrBusError,
	ErrProtocol,
	ErrInvalidState,
	ErrUnsupported,
}

// Op names the bus operation an error belongs to.
type Op string

const (
	OpAddress    Op = "address"
	OpEnumerate  Op = "enumerate"
	OpProbe      Op = "probe"
	OpOpen       Op = "open"
	OpWrite      Op = "write"
	OpRead       Op = "read"
	OpQuery      Op = "query"
	OpClose      Op = "close"
	OpClear      Op = "clear"
	OpLocal      Op = "local"
	OpSerialPoll Op = "spoll"
	OpTrigger    Op = "trigger"
)

// Error describes a failed bus operation.
//
// It carries enough context (operation, address, elapsed time) to tell
// "nothing there" apart from "something there but broken".
type Error struct {
	// Kind is one of the Err* sentinel errors.
	Kind error
	// Op is the operation that failed.
	Op Op
	// Addr is the bus address involved; valid when HasAddr is true.
	Addr    Address
	HasAddr bool
	// Elapsed is the wall-clock time spent in the operation before it failed.
	Elapsed time.Duration
	// Err is the underlying cause, if any.
	Err error
	// Recoverable is set by adapters when the handle is still usable after a
	// Timeout or BusError. Sessions stay open on recoverable errors.
	Recoverable bool
}

// NewError returns an Error of the given kind for op on addr.
func NewError(kind error, op Op, addr Address, cause error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, HasAddr: true, Err: cause}
}

func newInvalidAddressError(cause error) *Error {
	return &Error{Kind: ErrInvalidAddress, Op: OpAddress, Err: cause}
}

func (e *Error) Error() string {
	var sb strings.Builder

	kind := e.Kind
	if kind == nil {
		kind = ErrBusError
	}
	sb.WriteString(kind.Error())

	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(string(e.Op))
		if e.HasAddr {
			sb.WriteByte(' ')
			sb.WriteString(e.Addr.String())
		}
	}

	if e.Elapsed > 0 {
		fmt.Fprintf(&sb, " after %s", e.Elapsed.Round(time.Microsecond))
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}

	return sb.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}

	return errs
}

// KindOf returns the sentinel kind err matches, or nil if it matches none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) && gerr.Kind != nil {
		return gerr.Kind
	}

	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return nil
}

// IsRecoverable reports whether err was marked recoverable by the adapter.
func IsRecoverable(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Recoverable
	}

	return false
}

// normalizeError converts an adapter error into an *Error with op, address
// and elapsed time filled in. Errors of unknown kind become ErrBusError.
func normalizeError(err error, op Op, addr Address, elapsed time.Duration) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		out := *gerr
		if out.Kind == nil {
			out.Kind = ErrBusError
		}
		if out.Op == "" {
			out.Op = op
		}
		if !out.HasAddr {
			out.Addr = addr
			out.HasAddr = true
		}
		if out.Elapsed == 0 {
			out.Elapsed = elapsed
		}

		return &out
	}

	kind := KindOf(err)
	if kind == nil {
		kind = ErrBusError
	}

	out := &Error{Kind: kind, Op: op, Addr: addr, HasAddr: true, Elapsed: elapsed}
	// keep a bare sentinel from showing up twice in the message
	if err != kind {
		out.Err = err
	}

	return out
}
