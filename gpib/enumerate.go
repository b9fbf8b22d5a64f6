package gpib

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"
)

// DefaultProbeTimeout is the per-address probe timeout used when Discover is
// given a non-positive timeout.
const DefaultProbeTimeout = 100 * time.Millisecond

var errSequenceConsumed = errors.New("discovery sequence already consumed")

// DeviceIdentifier names a device found by enumeration: its bus address and
// the adapter that discovered it. It is read-only.
type DeviceIdentifier struct {
	addr    Address
	adapter Adapter
}

// NewDeviceIdentifier builds an identifier for a device known to be at addr.
func NewDeviceIdentifier(addr Address, adapter Adapter) DeviceIdentifier {
	return DeviceIdentifier{addr: addr, adapter: adapter}
}

// Address returns the device's bus address.
func (id DeviceIdentifier) Address() Address { return id.addr }

// Adapter returns the adapter that discovered the device.
func (id DeviceIdentifier) Adapter() Adapter { return id.adapter }

// Platform returns the platform of the discovering adapter.
func (id DeviceIdentifier) Platform() Platform {
	if id.adapter == nil {
		return ""
	}

	return id.adapter.Platform()
}

// String returns "<platform>/<address>".
func (id DeviceIdentifier) String() string {
	return fmt.Sprintf("%s/%s", id.Platform(), id.addr)
}

// NewSession creates a closed session bound to the identified device.
func (id DeviceIdentifier) NewSession(opts ...SessionOption) (*Session, error) {
	return NewSession(id.adapter, id.addr, opts...)
}

// Discover scans the bus through adapter and yields an identifier for every
// responding address in ascending order.
//
// Addresses that fail with ErrNoDeviceFound are skipped. Any other adapter
// error is yielded once and ends the sequence. An empty bus yields nothing.
//
// The sequence is lazy: breaking out of the range loop stops probing. It can
// be ranged only once; ranging it again yields a single ErrInvalidState.
// Call Discover again to re-probe the bus.
func Discover(adapter Adapter, timeoutPerAddress time.Duration) iter.Seq2[DeviceIdentifier, error] {
	var consumed atomic.Bool

	return func(yield func(DeviceIdentifier, error) bool) {
		if adapter == nil {
			yield(DeviceIdentifier{}, &Error{Kind: ErrInvalidState, Op: OpEnumerate, Err: errors.New("adapter is nil")})
			return
		}

		if !consumed.CompareAndSwap(false, true) {
			yield(DeviceIdentifier{}, &Error{Kind: ErrInvalidState, Op: OpEnumerate, Err: errSequenceConsumed})
			return
		}

		if timeoutPerAddress <= 0 {
			timeoutPerAddress = DefaultProbeTimeout
		}

		var (
			last    Address
			started bool
		)

		for addr, err := range adapter.Enumerate(timeoutPerAddress) {
			if started && !last.Less(addr) {
				yield(DeviceIdentifier{}, NewError(ErrBusError, OpEnumerate, addr,
					fmt.Errorf("adapter yielded %s after %s", addr, last)))
				return
			}
			last, started = addr, true

			if err != nil {
				if errors.Is(err, ErrNoDeviceFound) {
					continue
				}

				yield(DeviceIdentifier{}, normalizeError(err, OpProbe, addr, 0))

				return
			}

			if !yield(DeviceIdentifier{addr: addr, adapter: adapter}, nil) {
				return
			}
		}
	}
}

// DiscoverAll drains Discover into a slice.
//
// On an empty bus it returns an empty, non-nil slice. If enumeration aborts,
// the identifiers found so far are returned together with the error.
func DiscoverAll(adapter Adapter, timeoutPerAddress time.Duration) ([]DeviceIdentifier, error) {
	ids := make([]DeviceIdentifier, 0)

	for id, err := range Discover(adapter, timeoutPerAddress) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}
