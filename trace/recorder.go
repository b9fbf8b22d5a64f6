package trace

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
)

// Recorder receives session trace events. Implementations must be safe for
// concurrent use by several sessions.
type Recorder interface {
	gpib.Tracer
	// Close releases the recorder. Later events are dropped.
	Close() error
}

// Nop discards all events. It is usable as a zero value.
type Nop struct{}

// Trace discards the event.
func (Nop) Trace(gpib.TraceEvent) {}

// Close does nothing.
func (Nop) Close() error { return nil }

// FileRecorder appends events to a file as a CBOR stream.
type FileRecorder struct {
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewFileRecorder opens path for appending, creating it with mode 0644 if
// needed.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &FileRecorder{file: f, encoder: NewEncoder(f)}, nil
}

// Trace implements gpib.Tracer.
func (r *FileRecorder) Trace(ev gpib.TraceEvent) {
	r.Record(FromTraceEvent(ev))
}

// Record appends ev to the file. Encoding failures are counted, never
// returned to the session.
func (r *FileRecorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}

	if err := r.encoder.Encode(ev); err != nil {
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events that could not be written.
func (r *FileRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close closes the file. It is safe to call more than once.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	return r.file.Close()
}

// SlogRecorder writes events to a logger at debug level.
type SlogRecorder struct {
	logger logger.Logger
}

// NewSlogRecorder returns a recorder logging through l, or through the
// package default logger when l is nil.
func NewSlogRecorder(l logger.Logger) *SlogRecorder {
	if l == nil {
		l = logger.GetLogger()
	}

	return &SlogRecorder{logger: l}
}

// Trace implements gpib.Tracer.
func (r *SlogRecorder) Trace(ev gpib.TraceEvent) {
	e := FromTraceEvent(ev)

	kv := []any{
		"session", e.SessionID,
		"address", e.Address,
		"op", e.Op,
		"direction", e.Direction.String(),
		"elapsed", e.Elapsed,
	}
	if len(e.Data) > 0 {
		kv = append(kv, "data", string(e.Data))
	}
	if e.End != "" {
		kv = append(kv, "end", e.End)
	}
	if e.StateChange != nil {
		kv = append(kv, "from", e.StateChange.From, "to", e.StateChange.To)
	}
	if e.Error != nil {
		kv = append(kv, "error", e.Error.Message)
	}

	r.logger.Debug("gpib trace", kv...)
}

// Close does nothing.
func (r *SlogRecorder) Close() error { return nil }

// Multi fans events out to several recorders.
type Multi struct {
	recorders []Recorder
}

// NewMulti returns a recorder forwarding to every non-nil recorder.
func NewMulti(recorders ...Recorder) *Multi {
	m := &Multi{recorders: make([]Recorder, 0, len(recorders))}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}

	return m
}

// Trace implements gpib.Tracer.
func (m *Multi) Trace(ev gpib.TraceEvent) {
	for _, r := range m.recorders {
		r.Trace(ev)
	}
}

// Close closes every recorder and joins their errors.
func (m *Multi) Close() error {
	errs := make([]error, 0, len(m.recorders))
	for _, r := range m.recorders {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*FileRecorder)(nil)
	_ Recorder = (*SlogRecorder)(nil)
	_ Recorder = (*Multi)(nil)
)
