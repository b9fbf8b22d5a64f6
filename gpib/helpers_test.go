package gpib

import (
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gpib/logger"
)

type testHandle struct {
	addr Address
}

func (h *testHandle) Address() Address { return h.addr }

// fakeBus is a scripted Enumerate source. present lists responding primary
// addresses, failAt maps a primary address to the error its probe returns.
type fakeBus struct {
	present map[int]bool
	failAt  map[int]error

	mu     sync.Mutex
	probes []int
}

func newFakeBus(present ...int) *fakeBus {
	bus := &fakeBus{present: make(map[int]bool), failAt: make(map[int]error)}
	for _, pad := range present {
		bus.present[pad] = true
	}

	return bus
}

func (b *fakeBus) probe(addr Address) error {
	b.mu.Lock()
	b.probes = append(b.probes, addr.Primary())
	b.mu.Unlock()

	if err, ok := b.failAt[addr.Primary()]; ok {
		return err
	}
	if b.present[addr.Primary()] {
		return nil
	}

	return NewError(ErrNoDeviceFound, OpProbe, addr, nil)
}

func (b *fakeBus) probed() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, len(b.probes))
	copy(out, b.probes)

	return out
}

// enumerateOn wires a MockAdapter's Enumerate to bus.
func enumerateOn(m *MockAdapter, bus *fakeBus) {
	m.On("Enumerate", mock.Anything).Return(iter.Seq2[Address, error](ProbeAddresses(bus.probe, nil)))
}

// newTestSession creates a closed session on a MockAdapter with short timeouts.
func newTestSession(t *testing.T, adapter Adapter, opts ...SessionOption) *Session {
	t.Helper()

	defaults := []SessionOption{
		WithOpenTimeout(100 * time.Millisecond),
		WithWriteTimeout(100 * time.Millisecond),
		WithReadTimeout(100 * time.Millisecond),
		WithLogger(logger.NewSlog(logger.ErrorLevel, false)),
	}

	s, err := NewSession(adapter, MustAddress(7), append(defaults, opts...)...)
	require.NoError(t, err)

	return s
}

// openTestSession returns an open session and its handle.
func openTestSession(t *testing.T, m *MockAdapter, opts ...SessionOption) (*Session, *testHandle) {
	t.Helper()

	h := &testHandle{addr: MustAddress(7)}
	m.On("Open", MustAddress(7), mock.Anything).Return(h, nil).Once()

	s := newTestSession(t, m, opts...)
	require.NoError(t, s.Open())
	require.Equal(t, StateOpen, s.State())

	return s, h
}

// recordingTracer keeps every TraceEvent it receives.
type recordingTracer struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (r *recordingTracer) Trace(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTracer) Events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)

	return out
}
