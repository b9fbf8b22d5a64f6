package gpib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	for pad := MinPrimaryAddress; pad <= MaxPrimaryAddress; pad++ {
		addr, err := NewAddress(pad)
		require.NoError(t, err)
		assert.Equal(t, pad, addr.Primary())
		assert.False(t, addr.HasSecondary())
	}

	for _, pad := range []int{-1, 31, 255} {
		_, err := NewAddress(pad)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	}
}

func TestNewSecondaryAddress(t *testing.T) {
	addr, err := NewSecondaryAddress(5, 2)
	require.NoError(t, err)

	sad, ok := addr.Secondary()
	assert.True(t, ok)
	assert.Equal(t, 2, sad)
	assert.Equal(t, byte(98), addr.SecondaryByte())
	assert.Equal(t, "GPIB::5::2", addr.String())

	_, err = NewSecondaryAddress(5, 31)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewSecondaryAddress(40, 0)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAddress_Comparable(t *testing.T) {
	seen := map[Address]int{}
	seen[MustAddress(3)]++
	seen[MustAddress(3)]++

	sec, err := NewSecondaryAddress(3, 0)
	require.NoError(t, err)
	seen[sec]++

	assert.Equal(t, 2, seen[MustAddress(3)])
	assert.Equal(t, 1, seen[sec])
	assert.Equal(t, byte(0), MustAddress(3).SecondaryByte())
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		pad     int
		sad     int
		hasSad  bool
		wantErr bool
	}{
		{in: "7", pad: 7},
		{in: " 12 ", pad: 12},
		{in: "GPIB::7", pad: 7},
		{in: "GPIB0::22::INSTR", pad: 22},
		{in: "gpib::4::9", pad: 4, sad: 9, hasSad: true},
		{in: "GPIB::4::9::INSTR", pad: 4, sad: 9, hasSad: true},
		{in: "31", wantErr: true},
		{in: "GPIB::x", wantErr: true},
		{in: "GPIB::1::2::3", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParseAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAddress))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.pad, addr.Primary())
			sad, ok := addr.Secondary()
			assert.Equal(t, tt.hasSad, ok)
			assert.Equal(t, tt.sad, sad)
		})
	}
}

func TestParseAddress_RoundTrip(t *testing.T) {
	sec, err := NewSecondaryAddress(30, 30)
	require.NoError(t, err)

	for _, addr := range []Address{MustAddress(0), MustAddress(30), sec} {
		parsed, err := ParseAddress(addr.String())
		require.NoError(t, err)
		assert.Equal(t, addr, parsed)
	}
}

func TestAddress_Less(t *testing.T) {
	a3 := MustAddress(3)
	a4 := MustAddress(4)
	a3s1, _ := NewSecondaryAddress(3, 1)
	a3s2, _ := NewSecondaryAddress(3, 2)

	assert.True(t, a3.Less(a4))
	assert.False(t, a4.Less(a3))
	assert.False(t, a3.Less(a3))
	assert.True(t, a3.Less(a3s1))
	assert.True(t, a3s1.Less(a3s2))
	assert.True(t, a3s2.Less(a4))
}

func TestMustAddress_Panics(t *testing.T) {
	assert.Panics(t, func() { MustAddress(31) })
}
