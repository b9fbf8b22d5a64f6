package gpib

import (
	"iter"
	"time"
)

// Handle is an adapter-owned reference to an opened bus address.
//
// Handles are only meaningful to the adapter that issued them.
type Handle interface {
	// Address returns the bus address the handle was opened for.
	Address() Address
}

// ReadEnd tells how a read completed.
type ReadEnd uint8

const (
	// EndTerminator means the read stopped at the configured terminator byte sequence.
	EndTerminator ReadEnd = iota
	// EndEOI means the talker asserted END (EOI) with the last byte.
	EndEOI
	// EndDeadline means the read deadline expired before a terminator arrived.
	EndDeadline
)

// String returns the name of the read end reason.
func (e ReadEnd) String() string {
	switch e {
	case EndTerminator:
		return "terminator"
	case EndEOI:
		return "eoi"
	case EndDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

// ReadResult is the raw outcome of an adapter read.
type ReadResult struct {
	// Data holds the bytes received, including a trailing terminator if one arrived.
	Data []byte
	// End tells how the read completed.
	End ReadEnd
}

// Adapter is the capability set over a bus driver backend.
//
// It is the only place where backend specifics appear; sessions, the
// enumerator and the protocol layer depend on this contract alone.
// Implementations must be safe for concurrent use by sessions bound to
// different addresses, serializing bus access internally or failing with
// ErrBusBusy.
type Adapter interface {
	// Platform returns the identifier of this adapter variant.
	Platform() Platform

	// Enumerate probes each legal primary address in ascending order.
	//
	// The returned sequence is lazy and finite. It yields (address, nil) for
	// each responding address and (address, err) for each failed probe;
	// absent devices fail with ErrNoDeviceFound. Each call re-probes the bus.
	Enumerate(timeoutPerAddress time.Duration) iter.Seq2[Address, error]

	// Open claims addr. It fails with ErrNoDeviceFound if nothing answers
	// within timeout and with ErrBusBusy if the address is already claimed.
	Open(addr Address, timeout time.Duration) (Handle, error)

	// Write sends data to the device. It fails with ErrTimeout or ErrBusError.
	Write(h Handle, data []byte, timeout time.Duration) error

	// Read blocks until a terminator or END arrives, or timeout expires.
	//
	// If nothing arrives before the deadline it fails with ErrTimeout. If
	// some bytes arrived but no terminator, it returns them with EndDeadline.
	Read(h Handle, timeout time.Duration) (ReadResult, error)

	// Close releases the handle. Closing an already closed handle is a no-op.
	Close(h Handle) error
}

// Clearer is implemented by adapters that can send Selected Device Clear.
type Clearer interface {
	Clear(h Handle, timeout time.Duration) error
}

// LocalController is implemented by adapters that can return a device to local mode.
type LocalController interface {
	GoToLocal(h Handle, timeout time.Duration) error
}

// SerialPoller is implemented by adapters that can serial poll a device.
type SerialPoller interface {
	SerialPoll(h Handle, timeout time.Duration) (byte, error)
}

// Triggerer is implemented by adapters that can send Group Execute Trigger.
type Triggerer interface {
	Trigger(h Handle, timeout time.Duration) error
}

// ProbeAddresses returns the lazy ascending sequence over all legal primary
// addresses, calling probe for each one.
//
// Adapters use it to implement Enumerate. skip, when non-nil, excludes
// addresses (such as the controller's own) without probing them.
func ProbeAddresses(probe func(Address) error, skip func(Address) bool) iter.Seq2[Address, error] {
	return func(yield func(Address, error) bool) {
		for pad := MinPrimaryAddress; pad <= MaxPrimaryAddress; pad++ {
			addr := Address{primary: uint8(pad)}
			if skip != nil && skip(addr) {
				continue
			}

			if !yield(addr, probe(addr)) {
				return
			}
		}
	}
}
