package gpib

import (
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func collectPrimaries(ids []DeviceIdentifier) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Address().Primary())
	}

	return out
}

func TestDiscover_Ascending(t *testing.T) {
	m := &MockAdapter{}
	bus := newFakeBus(22, 3, 15)
	enumerateOn(m, bus)

	ids, err := DiscoverAll(m, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 15, 22}, collectPrimaries(ids))

	for _, id := range ids {
		assert.Equal(t, Platform("mock"), id.Platform())
		assert.Same(t, m, id.Adapter())
	}
	assert.Equal(t, "mock/GPIB::3", ids[0].String())
	assert.Len(t, bus.probed(), MaxPrimaryAddress+1)
}

func TestDiscover_EmptyBus(t *testing.T) {
	m := &MockAdapter{}
	enumerateOn(m, newFakeBus())

	ids, err := DiscoverAll(m, 10*time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestDiscover_AbortsOnOtherError(t *testing.T) {
	m := &MockAdapter{}
	bus := newFakeBus(2, 9, 20)
	bus.failAt[5] = errors.New("GPIB controller not responding")
	enumerateOn(m, bus)

	var (
		found []int
		errs  []error
	)
	for id, err := range Discover(m, 10*time.Millisecond) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found = append(found, id.Address().Primary())
	}

	assert.Equal(t, []int{2}, found)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBusError)

	var gerr *Error
	require.ErrorAs(t, errs[0], &gerr)
	assert.Equal(t, OpProbe, gerr.Op)
	assert.Equal(t, 5, gerr.Addr.Primary())

	// no probe happens after the aborting one
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, bus.probed())
}

func TestDiscoverAll_PartialOnAbort(t *testing.T) {
	m := &MockAdapter{}
	bus := newFakeBus(1, 4)
	bus.failAt[6] = NewError(ErrBusBusy, OpProbe, MustAddress(6), nil)
	enumerateOn(m, bus)

	ids, err := DiscoverAll(m, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusBusy)
	assert.Equal(t, []int{1, 4}, collectPrimaries(ids))
}

func TestDiscover_Lazy(t *testing.T) {
	m := &MockAdapter{}
	bus := newFakeBus(1, 2, 3)
	enumerateOn(m, bus)

	for id, err := range Discover(m, 10*time.Millisecond) {
		require.NoError(t, err)
		assert.Equal(t, 1, id.Address().Primary())

		break
	}

	assert.Equal(t, []int{0, 1}, bus.probed())
}

func TestDiscover_OneShot(t *testing.T) {
	m := &MockAdapter{}
	enumerateOn(m, newFakeBus(8))

	seq := Discover(m, 10*time.Millisecond)

	var first []int
	for id, err := range seq {
		require.NoError(t, err)
		first = append(first, id.Address().Primary())
	}
	assert.Equal(t, []int{8}, first)

	var errs []error
	for _, err := range seq {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInvalidState)

	// a fresh call re-probes
	ids, err := DiscoverAll(m, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []int{8}, collectPrimaries(ids))
	m.AssertNumberOfCalls(t, "Enumerate", 2)
}

func TestDiscover_DefaultTimeout(t *testing.T) {
	m := &MockAdapter{}
	m.On("Enumerate", DefaultProbeTimeout).Return(iter.Seq2[Address, error](ProbeAddresses(newFakeBus().probe, nil)))

	_, err := DiscoverAll(m, 0)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestDiscover_OutOfOrderAdapter(t *testing.T) {
	m := &MockAdapter{}
	seq := func(yield func(Address, error) bool) {
		if !yield(MustAddress(5), nil) {
			return
		}
		yield(MustAddress(2), nil)
	}
	m.On("Enumerate", mock.Anything).Return(iter.Seq2[Address, error](seq))

	ids, err := DiscoverAll(m, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusError)
	assert.Equal(t, []int{5}, collectPrimaries(ids))
}

func TestDiscover_NilAdapter(t *testing.T) {
	ids, err := DiscoverAll(nil, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, ids)
}

func TestProbeAddresses_Skip(t *testing.T) {
	bus := newFakeBus(0, 1)
	var yielded []int
	for addr, err := range ProbeAddresses(bus.probe, func(a Address) bool { return a.Primary() == 0 }) {
		if err == nil {
			yielded = append(yielded, addr.Primary())
		}
	}

	assert.Equal(t, []int{1}, yielded)
	assert.NotContains(t, bus.probed(), 0)
}

func TestDeviceIdentifier_NewSession(t *testing.T) {
	m := &MockAdapter{}
	id := NewDeviceIdentifier(MustAddress(11), m)

	s, err := id.NewSession(WithReadTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, MustAddress(11), s.Address())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, time.Second, s.Config().Timeouts().Read)

	var empty DeviceIdentifier
	assert.Equal(t, Platform(""), empty.Platform())
}
