package gpib

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/go-gpib/logger"
)

var (
	errNilAdapter    = errors.New("adapter is nil")
	errNilHandle     = errors.New("adapter returned a nil handle")
	errNotOpen       = errors.New("session is not open")
	errAlreadyOpen   = errors.New("session is already open")
	errSessionFaults = errors.New("session is faulted, only close is accepted")
)

// Session is a logical connection to one device on the bus.
//
// A Session starts Closed. Open claims the device through the adapter;
// WriteCommand, SendCommand, Query and the control operations exchange
// traffic while it is Open; Close releases the handle from any state.
// A Timeout or BusError that the adapter does not mark recoverable moves
// the session to Faulted, after which only Close is accepted.
//
// Operations on one Session are serialized; sessions on different
// addresses may be used from different goroutines.
type Session struct {
	id      uuid.UUID
	adapter Adapter
	addr    Address
	cfg     *SessionConfig
	logger  logger.Logger
	tracer  Tracer

	mu      sync.Mutex
	state   atomicState
	handle  Handle
	metrics SessionMetrics
}

// NewSession creates a closed session for the device at addr on adapter.
func NewSession(adapter Adapter, addr Address, opts ...SessionOption) (*Session, error) {
	if adapter == nil {
		return nil, &Error{Kind: ErrInvalidState, Op: OpOpen, Addr: addr, HasAddr: true, Err: errNilAdapter}
	}

	cfg, err := NewSessionConfig(opts...)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	s := &Session{
		id:      id,
		adapter: adapter,
		addr:    addr,
		cfg:     cfg,
		tracer:  cfg.Tracer(),
		logger: cfg.GetLogger().With(
			"address", addr.String(),
			"platform", string(adapter.Platform()),
			"session", id.String(),
		),
	}

	return s, nil
}

// ID returns the trace id of the session.
func (s *Session) ID() uuid.UUID { return s.id }

// Address returns the bus address of the session.
func (s *Session) Address() Address { return s.addr }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state.Get() }

// Config returns the session configuration.
func (s *Session) Config() *SessionConfig { return s.cfg }

// Metrics returns the session metrics.
func (s *Session) Metrics() *SessionMetrics { return &s.metrics }

// Open claims the device through the adapter and moves the session to Open.
//
// On failure the session stays Closed and the adapter error is returned.
// Opening a session that is Open or Faulted fails with ErrInvalidState.
func (s *Session) Open(opts ...CallOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Get() {
	case StateOpen:
		return s.invalidState(OpOpen, errAlreadyOpen)
	case StateFaulted:
		return s.invalidState(OpOpen, errSessionFaults)
	}

	call, err := newCallConfig(opts)
	if err != nil {
		return err
	}
	timeout := s.cfg.timeouts.merge(call.timeouts).Open

	h, elapsed, err := bounded(timeout,
		func() (Handle, error) { return s.adapter.Open(s.addr, timeout) },
		func(late Handle) {
			if late != nil {
				_ = s.adapter.Close(late)
			}
		},
	)
	if err == nil && h == nil {
		err = &Error{Kind: ErrBusError, Err: errNilHandle}
	}
	if err != nil {
		gerr := normalizeError(err, OpOpen, s.addr, elapsed)
		s.metrics.incErrCount()
		if errors.Is(gerr, ErrTimeout) {
			s.metrics.incTimeoutCount()
		}
		s.logger.Warn("gpib: open failed", "elapsed", elapsed, "error", gerr)
		s.trace(TraceEvent{Op: OpOpen, Elapsed: elapsed, Err: gerr})

		return gerr
	}

	s.handle = h
	s.state.ToOpen()
	s.metrics.incOpenCount()

	s.logger.Info("gpib: session opened", "elapsed", elapsed)
	s.trace(TraceEvent{Op: OpOpen, Elapsed: elapsed, From: StateClosed, To: StateOpen})

	return nil
}

// WriteCommand frames cmd with the terminator and writes it to the device.
func (s *Session) WriteCommand(cmd string, opts ...CallOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(OpWrite); err != nil {
		return err
	}

	call, err := newCallConfig(opts)
	if err != nil {
		return err
	}

	return s.write(cmd, s.cfg.timeouts.merge(call.timeouts))
}

// SendCommand writes cmd and reads the device's reply.
//
// It returns the reply text with the terminator stripped. A truncated reply
// is returned together with an ErrProtocol error; the session stays Open.
func (s *Session) SendCommand(cmd string, opts ...CallOption) (string, error) {
	resp, err := s.Query(cmd, opts...)
	if resp == nil {
		return "", err
	}

	return resp.Text, err
}

// Query writes cmd and reads the device's reply as a Response.
//
// A truncated reply is returned as a partial Response together with an
// ErrProtocol error.
func (s *Session) Query(cmd string, opts ...CallOption) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(OpQuery); err != nil {
		return nil, err
	}

	call, err := newCallConfig(opts)
	if err != nil {
		return nil, err
	}
	timeouts := s.cfg.timeouts.merge(call.timeouts)

	if err := s.write(cmd, timeouts); err != nil {
		return nil, err
	}

	return s.read(timeouts)
}

// Execute writes cmd and, when cmd is a query (see IsQuery), reads the reply.
// For plain commands it returns a nil Response.
func (s *Session) Execute(cmd string, opts ...CallOption) (*Response, error) {
	if IsQuery(cmd) {
		return s.Query(cmd, opts...)
	}

	return nil, s.WriteCommand(cmd, opts...)
}

// Clear sends Selected Device Clear to the device.
func (s *Session) Clear(opts ...CallOption) error {
	return s.control(OpClear, opts, func(t Timeouts) (time.Duration, error) {
		c, ok := s.adapter.(Clearer)
		if !ok {
			return 0, s.unsupported(OpClear)
		}

		return s.runHandle(t.Write, func(h Handle, d time.Duration) error { return c.Clear(h, d) })
	})
}

// GoToLocal returns the device to front-panel control.
func (s *Session) GoToLocal(opts ...CallOption) error {
	return s.control(OpLocal, opts, func(t Timeouts) (time.Duration, error) {
		c, ok := s.adapter.(LocalController)
		if !ok {
			return 0, s.unsupported(OpLocal)
		}

		return s.runHandle(t.Write, func(h Handle, d time.Duration) error { return c.GoToLocal(h, d) })
	})
}

// Trigger sends Group Execute Trigger to the device.
func (s *Session) Trigger(opts ...CallOption) error {
	return s.control(OpTrigger, opts, func(t Timeouts) (time.Duration, error) {
		c, ok := s.adapter.(Triggerer)
		if !ok {
			return 0, s.unsupported(OpTrigger)
		}

		return s.runHandle(t.Write, func(h Handle, d time.Duration) error { return c.Trigger(h, d) })
	})
}

// SerialPoll reads the device's status byte.
func (s *Session) SerialPoll(opts ...CallOption) (byte, error) {
	var status byte

	err := s.control(OpSerialPoll, opts, func(t Timeouts) (time.Duration, error) {
		c, ok := s.adapter.(SerialPoller)
		if !ok {
			return 0, s.unsupported(OpSerialPoll)
		}

		h := s.handle
		val, elapsed, err := bounded(t.Read,
			func() (byte, error) { return c.SerialPoll(h, t.Read) },
			nil,
		)
		status = val

		return elapsed, err
	})
	if err != nil {
		return 0, err
	}

	return status, nil
}

// Close releases the handle and moves the session to Closed.
//
// Close is accepted in every state and is a no-op on a closed session. The
// session is Closed afterward even if the adapter reports an error.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.ToClosed()
	if prev == StateClosed {
		return nil
	}

	h := s.handle
	s.handle = nil
	s.metrics.incCloseCount()

	start := time.Now()
	err := s.adapter.Close(h)
	elapsed := time.Since(start)

	if err != nil {
		gerr := normalizeError(err, OpClose, s.addr, elapsed)
		s.metrics.incErrCount()
		s.logger.Warn("gpib: close failed", "elapsed", elapsed, "error", gerr)
		s.trace(TraceEvent{Op: OpClose, Elapsed: elapsed, From: prev, To: StateClosed, Err: gerr})

		return gerr
	}

	s.logger.Info("gpib: session closed", "from", prev.String())
	s.trace(TraceEvent{Op: OpClose, Elapsed: elapsed, From: prev, To: StateClosed})

	return nil
}

// write frames and writes cmd. The caller holds s.mu and has checked the state.
func (s *Session) write(cmd string, timeouts Timeouts) error {
	frame, err := s.cfg.protocol.Frame(cmd)
	if err != nil {
		return s.fail(OpWrite, err, 0)
	}

	elapsed, err := s.runHandle(timeouts.Write, func(h Handle, d time.Duration) error {
		return s.adapter.Write(h, frame, d)
	})
	if err != nil {
		return s.fail(OpWrite, err, elapsed)
	}

	s.metrics.addWrite(len(frame))
	s.logger.Debug("gpib: command written", "op", OpWrite, "elapsed", elapsed, "bytes", len(frame))
	s.trace(TraceEvent{Op: OpWrite, Dir: DirTx, Data: frame, Elapsed: elapsed})

	return nil
}

// read reads and parses one response. The caller holds s.mu.
func (s *Session) read(timeouts Timeouts) (*Response, error) {
	h := s.handle
	res, elapsed, err := bounded(timeouts.Read,
		func() (ReadResult, error) { return s.adapter.Read(h, timeouts.Read) },
		nil,
	)
	if err != nil {
		return nil, s.fail(OpRead, err, elapsed)
	}

	s.metrics.addRead(len(res.Data))

	resp, perr := s.cfg.protocol.Parse(res, elapsed)
	s.trace(TraceEvent{Op: OpRead, Dir: DirRx, Data: res.Data, Elapsed: elapsed, End: res.End, Err: perr})
	if perr != nil {
		s.metrics.incPartialCount()
		return resp, s.fail(OpRead, perr, elapsed)
	}

	s.logger.Debug("gpib: response read", "op", OpRead, "elapsed", elapsed, "bytes", len(res.Data), "end", res.End.String())

	return resp, nil
}

// control runs a control operation after the common state and option checks.
func (s *Session) control(op Op, opts []CallOption, fn func(Timeouts) (time.Duration, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(op); err != nil {
		return err
	}

	call, err := newCallConfig(opts)
	if err != nil {
		return err
	}

	elapsed, err := fn(s.cfg.timeouts.merge(call.timeouts))
	if err != nil {
		return s.fail(op, err, elapsed)
	}

	s.logger.Debug("gpib: control operation done", "op", op, "elapsed", elapsed)
	s.trace(TraceEvent{Op: op, Elapsed: elapsed})

	return nil
}

// runHandle calls fn with the session handle under the watchdog.
func (s *Session) runHandle(timeout time.Duration, fn func(Handle, time.Duration) error) (time.Duration, error) {
	h := s.handle
	_, elapsed, err := bounded(timeout,
		func() (struct{}, error) { return struct{}{}, fn(h, timeout) },
		nil,
	)

	return elapsed, err
}

// fail normalizes err, updates metrics and faults the session when the
// error leaves the handle unusable.
func (s *Session) fail(op Op, err error, elapsed time.Duration) error {
	gerr := normalizeError(err, op, s.addr, elapsed)

	s.metrics.incErrCount()
	if errors.Is(gerr, ErrTimeout) {
		s.metrics.incTimeoutCount()
	}

	if isFaulting(gerr) && s.state.ToFaulted() {
		s.metrics.incFaultCount()
		s.logger.Warn("gpib: session faulted", "op", op, "elapsed", elapsed, "error", gerr)
		s.trace(TraceEvent{Op: op, Elapsed: elapsed, From: StateOpen, To: StateFaulted, Err: gerr})

		return gerr
	}

	s.logger.Debug("gpib: operation failed", "op", op, "elapsed", elapsed, "error", gerr)
	if !errors.Is(gerr, ErrProtocol) || op != OpRead {
		s.trace(TraceEvent{Op: op, Elapsed: elapsed, Err: gerr})
	}

	return gerr
}

func isFaulting(err *Error) bool {
	if err.Recoverable {
		return false
	}

	return errors.Is(err.Kind, ErrTimeout) || errors.Is(err.Kind, ErrBusError)
}

func (s *Session) checkOpen(op Op) error {
	switch s.state.Get() {
	case StateOpen:
		return nil
	case StateFaulted:
		return s.invalidState(op, errSessionFaults)
	default:
		return s.invalidState(op, errNotOpen)
	}
}

func (s *Session) invalidState(op Op, cause error) error {
	return &Error{Kind: ErrInvalidState, Op: op, Addr: s.addr, HasAddr: true, Err: cause}
}

func (s *Session) unsupported(op Op) error {
	return &Error{
		Kind:    ErrUnsupported,
		Op:      op,
		Addr:    s.addr,
		HasAddr: true,
		Err:     fmt.Errorf("platform %q does not support %s", s.adapter.Platform(), op),
	}
}

func (s *Session) trace(ev TraceEvent) {
	ev.Time = time.Now()
	ev.SessionID = s.id
	ev.Addr = s.addr
	if ev.From == ev.To {
		ev.From, ev.To = s.state.Get(), s.state.Get()
	}
	s.tracer.Trace(ev)
}
