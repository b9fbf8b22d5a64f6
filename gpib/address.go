package gpib

import (
	"fmt"
	"strconv"
	"strings"
)

// Address range limits per IEEE-488.1.
const (
	MinPrimaryAddress   = 0
	MaxPrimaryAddress   = 30
	MinSecondaryAddress = 0
	MaxSecondaryAddress = 30

	// secondaryAddressBase is the offset of secondary addresses on the wire (MSA 96..126).
	secondaryAddressBase = 96
)

// Address identifies a position on the bus: a primary address and an
// optional secondary address.
//
// Address is an immutable, comparable value and can be used as a map key.
// The zero value is primary address 0 without secondary address.
type Address struct {
	primary      uint8
	secondary    uint8
	hasSecondary bool
}

// NewAddress returns the address for the given primary address.
// It fails with ErrInvalidAddress when primary is outside [0, 30].
func NewAddress(primary int) (Address, error) {
	if primary < MinPrimaryAddress || primary > MaxPrimaryAddress {
		return Address{}, newInvalidAddressError(
			fmt.Errorf("primary address %d out of range [%d, %d]", primary, MinPrimaryAddress, MaxPrimaryAddress))
	}

	return Address{primary: uint8(primary)}, nil
}

// NewSecondaryAddress returns the address for the given primary and secondary address.
// It fails with ErrInvalidAddress when either value is outside [0, 30].
func NewSecondaryAddress(primary, secondary int) (Address, error) {
	addr, err := NewAddress(primary)
	if err != nil {
		return Address{}, err
	}

	if secondary < MinSecondaryAddress || secondary > MaxSecondaryAddress {
		return Address{}, newInvalidAddressError(
			fmt.Errorf("secondary address %d out of range [%d, %d]", secondary, MinSecondaryAddress, MaxSecondaryAddress))
	}

	addr.secondary = uint8(secondary)
	addr.hasSecondary = true

	return addr, nil
}

// MustAddress is like NewAddress but panics on an invalid address.
// It is intended for constants in tests and examples.
func MustAddress(primary int) Address {
	addr, err := NewAddress(primary)
	if err != nil {
		panic(err)
	}

	return addr
}

// ParseAddress parses "7", "GPIB::7", "GPIB0::7::INSTR" or "GPIB::7::3".
func ParseAddress(s string) (Address, error) {
	fields := strings.Split(strings.TrimSpace(s), "::")

	if len(fields) > 0 && strings.HasPrefix(strings.ToUpper(fields[0]), "GPIB") {
		fields = fields[1:]
	}
	if len(fields) > 0 && strings.EqualFold(fields[len(fields)-1], "INSTR") {
		fields = fields[:len(fields)-1]
	}

	switch len(fields) {
	case 1:
		pad, err := strconv.Atoi(fields[0])
		if err != nil {
			return Address{}, newInvalidAddressError(fmt.Errorf("parse %q: %w", s, err))
		}

		return NewAddress(pad)
	case 2:
		pad, err := strconv.Atoi(fields[0])
		if err != nil {
			return Address{}, newInvalidAddressError(fmt.Errorf("parse %q: %w", s, err))
		}
		sad, err := strconv.Atoi(fields[1])
		if err != nil {
			return Address{}, newInvalidAddressError(fmt.Errorf("parse %q: %w", s, err))
		}

		return NewSecondaryAddress(pad, sad)
	default:
		return Address{}, newInvalidAddressError(fmt.Errorf("parse %q: malformed address", s))
	}
}

// Primary returns the primary address.
func (a Address) Primary() int { return int(a.primary) }

// Secondary returns the secondary address and whether one is set.
func (a Address) Secondary() (int, bool) { return int(a.secondary), a.hasSecondary }

// HasSecondary reports whether the address carries a secondary address.
func (a Address) HasSecondary() bool { return a.hasSecondary }

// SecondaryByte returns the on-wire secondary address byte (96..126), or 0 when unset.
func (a Address) SecondaryByte() byte {
	if !a.hasSecondary {
		return 0
	}

	return byte(secondaryAddressBase + int(a.secondary))
}

// String renders the address as "GPIB::<pad>" or "GPIB::<pad>::<sad>".
func (a Address) String() string {
	if a.hasSecondary {
		return fmt.Sprintf("GPIB::%d::%d", a.primary, a.secondary)
	}

	return fmt.Sprintf("GPIB::%d", a.primary)
}

// Less orders addresses by primary, then secondary address.
func (a Address) Less(b Address) bool {
	if a.primary != b.primary {
		return a.primary < b.primary
	}
	if a.hasSecondary != b.hasSecondary {
		return !a.hasSecondary
	}

	return a.secondary < b.secondary
}
