package gpib

import "sync/atomic"

// SessionMetrics contains atomic metrics for a session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type SessionMetrics struct {
	// OpenCount indicates the number of successful opens.
	OpenCount atomic.Uint64
	// CloseCount indicates the number of closes that released a handle.
	CloseCount atomic.Uint64

	// WriteCount indicates the number of commands written.
	WriteCount atomic.Uint64
	// ReadCount indicates the number of responses read.
	ReadCount atomic.Uint64
	// BytesWritten indicates the number of framed bytes written.
	BytesWritten atomic.Uint64
	// BytesRead indicates the number of raw bytes read.
	BytesRead atomic.Uint64

	// ErrCount indicates the number of failed operations.
	ErrCount atomic.Uint64
	// TimeoutCount indicates the number of operations that failed with ErrTimeout.
	TimeoutCount atomic.Uint64
	// PartialCount indicates the number of truncated responses.
	PartialCount atomic.Uint64
	// FaultCount indicates how many times the session entered StateFaulted.
	FaultCount atomic.Uint64
}

func (m *SessionMetrics) incOpenCount() {
	m.OpenCount.Add(1)
}

func (m *SessionMetrics) incCloseCount() {
	m.CloseCount.Add(1)
}

func (m *SessionMetrics) addWrite(n int) {
	m.WriteCount.Add(1)
	m.BytesWritten.Add(uint64(n)) //nolint:gosec
}

func (m *SessionMetrics) addRead(n int) {
	m.ReadCount.Add(1)
	m.BytesRead.Add(uint64(n)) //nolint:gosec
}

func (m *SessionMetrics) incErrCount() {
	m.ErrCount.Add(1)
}

func (m *SessionMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *SessionMetrics) incPartialCount() {
	m.PartialCount.Add(1)
}

func (m *SessionMetrics) incFaultCount() {
	m.FaultCount.Add(1)
}
