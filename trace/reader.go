package trace

import (
	"errors"
	"io"
	"iter"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/arloliu/go-gpib/gpib"
)

// Filter selects events. Zero fields match every event.
type Filter struct {
	SessionID string
	Address   string
	Op        gpib.Op
	Direction *gpib.Direction
	// TimeStart matches events at or after it; TimeEnd events before it.
	TimeStart *time.Time
	TimeEnd   *time.Time
	// ErrorsOnly matches failed operations only.
	ErrorsOnly bool
}

func (f *Filter) matches(ev Event) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.Address != "" && ev.Address != f.Address {
		return false
	}
	if f.Op != "" && ev.Op != string(f.Op) {
		return false
	}
	if f.Direction != nil && ev.Direction != *f.Direction {
		return false
	}
	if f.TimeStart != nil && ev.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !ev.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	if f.ErrorsOnly && ev.Error == nil {
		return false
	}

	return true
}

// Reader reads events back from a trace file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens a trace file for reading every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens a trace file for reading events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return &Reader{file: f, decoder: NewDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		if err := r.decoder.Decode(&ev); err != nil {
			return Event{}, err
		}

		if r.filter.matches(ev) {
			return ev, nil
		}
	}
}

// All returns the remaining matching events as a sequence. A decode error
// is yielded once and ends the sequence.
func (r *Reader) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the trace file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadFile returns every event of path matching filter.
func ReadFile(path string, filter Filter) ([]Event, error) {
	r, err := NewFilteredReader(path, filter)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	events := make([]Event, 0)
	for ev, err := range r.All() {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}

	return events, nil
}
