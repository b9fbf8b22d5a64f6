package prologix

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
)

// Registry platform identifiers.
const (
	PlatformSerial gpib.Platform = "prologix-serial"
	PlatformTCP    gpib.Platform = "prologix-tcp"
)

// Defaults for controller connections.
const (
	DefaultBaudRate          = 115200
	DefaultTCPPort           = 1234
	DefaultDialTimeout       = 3 * time.Second
	DefaultControllerAddress = 0
	DefaultReadTerminator    = '\n'
	// DefaultSettleTime is how long the line must stay quiet before a read
	// that follows a timed-out one.
	DefaultSettleTime = 50 * time.Millisecond
)

// Controller escape characters.
const (
	esc = 0x1B
	cr  = '\r'
	lf  = '\n'
)

// initCommands put the controller in controller mode with explicit reads,
// EOI on the last written byte, nothing appended to written data and no
// end-of-transmission character on reads.
var initCommands = []string{
	"++mode 1",
	"++auto 0",
	"++eoi 1",
	"++eos 3",
	"++eot_enable 0",
}

var (
	errControllerClosed = errors.New("controller is shut down")
	errHandleClosed     = errors.New("handle is closed")
	errForeignHandle    = errors.New("handle was not issued by this controller")
	errNoAnswer         = errors.New("no answer to serial poll")
	errBusHeld          = errors.New("bus held by another operation until the deadline")
	errOutOfSync        = errors.New("controller did not confirm the end of a late reply")
)

type handle struct {
	addr   gpib.Address
	ctrl   *Controller
	closed atomic.Bool
}

func (h *handle) Address() gpib.Address { return h.addr }

// Controller drives a Prologix-compatible GPIB controller and implements
// gpib.Adapter with every optional capability.
//
// All bus traffic is serialized on one lock; an operation that cannot get
// the bus within its timeout fails with ErrBusBusy and sends nothing. At
// most one handle per address is open at a time.
//
// A device may answer after a read gave up on it. The next read first sends
// ++ver and drops everything before the controller's version line, then
// waits for the line to settle, so a late answer is never taken for the
// reply of another address or command.
type Controller struct {
	port     port
	platform gpib.Platform
	cfg      options
	logger   logger.Logger
	version  string

	bus       *gpib.BusLock
	current   gpib.Address
	addressed bool
	stale     bool
	rbuf      []byte

	claims *xsync.MapOf[gpib.Address, *handle]
	closed atomic.Bool
}

var (
	_ gpib.Adapter         = (*Controller)(nil)
	_ gpib.Clearer         = (*Controller)(nil)
	_ gpib.LocalController = (*Controller)(nil)
	_ gpib.SerialPoller    = (*Controller)(nil)
	_ gpib.Triggerer       = (*Controller)(nil)
)

type options struct {
	controller     int
	readTerminator byte
	dialTimeout    time.Duration
	settleTime     time.Duration
	logger         logger.Logger
}

// Option configures a Controller.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

// WithLogger sets the controller logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) error {
		if l == nil {
			return errors.New("prologix: logger must not be nil")
		}
		o.logger = l

		return nil
	})
}

// WithControllerAddress sets the controller's own primary address, which
// enumeration skips.
func WithControllerAddress(pad int) Option {
	return optFunc(func(o *options) error {
		if _, err := gpib.NewAddress(pad); err != nil {
			return err
		}
		o.controller = pad

		return nil
	})
}

// WithReadTerminator sets the byte that ends a device reply.
func WithReadTerminator(b byte) Option {
	return optFunc(func(o *options) error {
		o.readTerminator = b
		return nil
	})
}

// WithDialTimeout sets the TCP dial timeout of DialTCP.
func WithDialTimeout(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d <= 0 {
			return errors.New("prologix: dial timeout must be positive")
		}
		o.dialTimeout = d

		return nil
	})
}

// WithSettleTime sets how long the line must stay quiet after a late reply
// was detected before the next read. Zero only waits for the ++ver marker.
func WithSettleTime(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d < 0 {
			return errors.New("prologix: settle time must not be negative")
		}
		o.settleTime = d

		return nil
	})
}

func newOptions(opts []Option) (options, error) {
	o := options{
		controller:     DefaultControllerAddress,
		readTerminator: DefaultReadTerminator,
		dialTimeout:    DefaultDialTimeout,
		settleTime:     DefaultSettleTime,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(&o); err != nil {
			return options{}, err
		}
	}

	return o, nil
}

// OpenSerial opens a USB/serial controller on the named port.
// A non-positive baud selects DefaultBaudRate.
func OpenSerial(name string, baud int, opts ...Option) (*Controller, error) {
	cfg, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	p, err := openSerialPort(name, baud)
	if err != nil {
		return nil, fmt.Errorf("prologix: open serial port %q: %w", name, err)
	}

	return newController(p, PlatformSerial, cfg)
}

// DialTCP connects to a GPIB-ETHERNET controller. A missing port in addr
// selects DefaultTCPPort.
func DialTCP(addr string, opts ...Option) (*Controller, error) {
	cfg, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	addr = withDefaultPort(addr)

	p, err := dialTCP(addr, cfg.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("prologix: dial %s: %w", addr, err)
	}

	return newController(p, PlatformTCP, cfg)
}

// withDefaultPort appends DefaultTCPPort to a bare host or IP literal.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")

	return net.JoinHostPort(host, strconv.Itoa(DefaultTCPPort))
}

func newController(p port, platform gpib.Platform, cfg options) (*Controller, error) {
	c := &Controller{
		port:     p,
		platform: platform,
		cfg:      cfg,
		logger:   cfg.logger,
		bus:      gpib.NewBusLock(),
		claims:   xsync.NewMapOf[gpib.Address, *handle](),
	}

	for _, cmd := range initCommands {
		if err := c.sendCommand(cmd); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("prologix: init %q: %w", cmd, err)
		}
	}

	if err := c.sendCommand("++ver"); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("prologix: init \"++ver\": %w", err)
	}
	line, complete, err := c.readUntil(lf, cfg.dialTimeout)
	if err != nil || !complete || len(bytes.TrimSpace(line)) == 0 {
		_ = p.Close()
		if err == nil {
			err = fmt.Errorf("no answer within %v", cfg.dialTimeout)
		}

		return nil, fmt.Errorf("prologix: read controller version: %w", err)
	}
	c.version = string(bytes.TrimSpace(line))
	c.rbuf = nil

	c.logger.Info("prologix: controller ready", "platform", string(platform), "version", c.version)

	return c, nil
}

// Shutdown releases every handle and closes the controller port.
func (c *Controller) Shutdown() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.claims.Range(func(_ gpib.Address, h *handle) bool {
		h.closed.Store(true)
		return true
	})
	c.claims.Clear()

	c.bus.Lock()
	defer c.bus.Unlock()

	c.logger.Info("prologix: controller shut down", "platform", string(c.platform))

	return c.port.Close()
}

// Platform implements gpib.Adapter.
func (c *Controller) Platform() gpib.Platform { return c.platform }

// Version returns the controller's answer to ++ver.
func (c *Controller) Version() string { return c.version }

// Enumerate implements gpib.Adapter. Each address is serial polled; an
// answer within timeoutPerAddress means a device is present. Discarding a
// late answer from the previous address is not charged to the next one.
func (c *Controller) Enumerate(timeoutPerAddress time.Duration) iter.Seq2[gpib.Address, error] {
	return gpib.ProbeAddresses(
		func(addr gpib.Address) error {
			if _, err := c.acquire(addr, gpib.OpProbe, timeoutPerAddress); err != nil {
				return err
			}
			defer c.bus.Unlock()

			budget := timeoutPerAddress + c.cfg.settleTime
			if err := c.resync(time.Now().Add(budget), c.cfg.settleTime); err != nil {
				return c.syncError(gpib.OpProbe, addr, err)
			}

			_, err := c.poll(addr, gpib.OpProbe, time.Now().Add(timeoutPerAddress))

			return err
		},
		func(addr gpib.Address) bool { return addr.Primary() == c.cfg.controller },
	)
}

// Open implements gpib.Adapter.
func (c *Controller) Open(addr gpib.Address, timeout time.Duration) (gpib.Handle, error) {
	if c.closed.Load() {
		return nil, gpib.NewError(gpib.ErrBusError, gpib.OpOpen, addr, errControllerClosed)
	}

	h := &handle{addr: addr, ctrl: c}
	if _, loaded := c.claims.LoadOrStore(addr, h); loaded {
		return nil, gpib.NewError(gpib.ErrBusBusy, gpib.OpOpen, addr, errors.New("address already claimed"))
	}

	deadline, err := c.acquire(addr, gpib.OpOpen, timeout)
	if err == nil {
		_, err = c.poll(addr, gpib.OpOpen, deadline)
		c.bus.Unlock()
	}

	if err != nil {
		c.claims.Delete(addr)
		return nil, err
	}

	c.logger.Debug("prologix: address claimed", "address", addr.String())

	return h, nil
}

// Write implements gpib.Adapter.
func (c *Controller) Write(h gpib.Handle, data []byte, timeout time.Duration) error {
	ph, _, err := c.claimBus(h, gpib.OpWrite, timeout)
	if err != nil {
		return err
	}
	defer c.bus.Unlock()

	if err := c.address(ph.addr); err != nil {
		return c.ioError(gpib.OpWrite, ph.addr, err)
	}

	if _, err := c.port.Write(escape(data)); err != nil {
		return c.ioError(gpib.OpWrite, ph.addr, err)
	}

	return nil
}

// Read implements gpib.Adapter. It asks the device to talk until EOI and
// reads until the read terminator or timeout.
func (c *Controller) Read(h gpib.Handle, timeout time.Duration) (gpib.ReadResult, error) {
	ph, deadline, err := c.claimBus(h, gpib.OpRead, timeout)
	if err != nil {
		return gpib.ReadResult{}, err
	}
	defer c.bus.Unlock()

	if err := c.resync(deadline, settleWithin(c.cfg.settleTime, deadline)); err != nil {
		return gpib.ReadResult{}, c.syncError(gpib.OpRead, ph.addr, err)
	}

	if err := c.address(ph.addr); err != nil {
		return gpib.ReadResult{}, c.ioError(gpib.OpRead, ph.addr, err)
	}
	if err := c.sendCommand("++read eoi"); err != nil {
		return gpib.ReadResult{}, c.ioError(gpib.OpRead, ph.addr, err)
	}

	data, complete, err := c.readUntil(c.cfg.readTerminator, time.Until(deadline))
	if err != nil {
		return gpib.ReadResult{}, c.ioError(gpib.OpRead, ph.addr, err)
	}
	if !complete {
		c.stale = true
	}

	switch {
	case complete:
		return gpib.ReadResult{Data: data, End: gpib.EndTerminator}, nil
	case len(data) > 0:
		return gpib.ReadResult{Data: data, End: gpib.EndDeadline}, nil
	default:
		// the controller stays usable; a late reply is dropped by the next read
		return gpib.ReadResult{}, &gpib.Error{
			Kind:        gpib.ErrTimeout,
			Op:          gpib.OpRead,
			Addr:        ph.addr,
			HasAddr:     true,
			Elapsed:     timeout,
			Recoverable: true,
		}
	}
}

// Close implements gpib.Adapter.
func (c *Controller) Close(h gpib.Handle) error {
	ph, ok := h.(*handle)
	if !ok || ph == nil || ph.ctrl != c {
		return gpib.NewError(gpib.ErrInvalidState, gpib.OpClose, gpib.Address{}, errForeignHandle)
	}

	if !ph.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.claims.Compute(ph.addr, func(cur *handle, loaded bool) (*handle, bool) {
		return cur, !loaded || cur == ph
	})
	c.logger.Debug("prologix: address released", "address", ph.addr.String())

	return nil
}

// Clear implements gpib.Clearer.
func (c *Controller) Clear(h gpib.Handle, timeout time.Duration) error {
	return c.control(h, gpib.OpClear, "++clr", timeout)
}

// GoToLocal implements gpib.LocalController.
func (c *Controller) GoToLocal(h gpib.Handle, timeout time.Duration) error {
	return c.control(h, gpib.OpLocal, "++loc", timeout)
}

// Trigger implements gpib.Triggerer.
func (c *Controller) Trigger(h gpib.Handle, timeout time.Duration) error {
	return c.control(h, gpib.OpTrigger, "++trg", timeout)
}

// SerialPoll implements gpib.SerialPoller.
func (c *Controller) SerialPoll(h gpib.Handle, timeout time.Duration) (byte, error) {
	ph, deadline, err := c.claimBus(h, gpib.OpSerialPoll, timeout)
	if err != nil {
		return 0, err
	}
	defer c.bus.Unlock()

	status, err := c.poll(ph.addr, gpib.OpSerialPoll, deadline)
	if errors.Is(err, gpib.ErrNoDeviceFound) {
		return 0, &gpib.Error{Kind: gpib.ErrTimeout, Op: gpib.OpSerialPoll, Addr: ph.addr, HasAddr: true, Err: errNoAnswer}
	}

	return status, err
}

func (c *Controller) control(h gpib.Handle, op gpib.Op, cmd string, timeout time.Duration) error {
	ph, _, err := c.claimBus(h, op, timeout)
	if err != nil {
		return err
	}
	defer c.bus.Unlock()

	if err := c.address(ph.addr); err != nil {
		return c.ioError(op, ph.addr, err)
	}
	if err := c.sendCommand(cmd); err != nil {
		return c.ioError(op, ph.addr, err)
	}

	return nil
}

// poll serial polls addr and returns its status byte. No answer before
// deadline fails with ErrNoDeviceFound. The caller holds the bus.
func (c *Controller) poll(addr gpib.Address, op gpib.Op, deadline time.Time) (byte, error) {
	if c.closed.Load() {
		return 0, gpib.NewError(gpib.ErrBusError, op, addr, errControllerClosed)
	}

	if err := c.resync(deadline, settleWithin(c.cfg.settleTime, deadline)); err != nil {
		return 0, c.syncError(op, addr, err)
	}

	if err := c.address(addr); err != nil {
		return 0, c.ioError(op, addr, err)
	}
	if err := c.sendCommand("++spoll"); err != nil {
		return 0, c.ioError(op, addr, err)
	}

	line, complete, err := c.readUntil(lf, time.Until(deadline))
	if err != nil {
		return 0, c.ioError(op, addr, err)
	}
	if !complete {
		c.stale = true
		return 0, gpib.NewError(gpib.ErrNoDeviceFound, op, addr, errors.New("no answer before the deadline"))
	}

	status, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 10, 8)
	if err != nil {
		return 0, gpib.NewError(gpib.ErrProtocol, op, addr, fmt.Errorf("malformed status byte %q", line))
	}

	return byte(status), nil
}

// resync drops bytes that arrived after an earlier read gave up. The caller
// holds the bus.
func (c *Controller) resync(deadline time.Time, settle time.Duration) error {
	c.rbuf = nil
	if !c.stale {
		return nil
	}

	if err := c.sendCommand("++ver"); err != nil {
		return err
	}

	dropped := 0
	for {
		line, complete, err := c.readUntil(lf, time.Until(deadline))
		if err != nil {
			return err
		}
		if !complete {
			return errOutOfSync
		}
		if string(bytes.TrimSpace(line)) == c.version {
			break
		}
		dropped += len(line)
	}

	n, err := c.drain(deadline, settle)
	if err != nil {
		return err
	}
	dropped += n + len(c.rbuf)

	c.rbuf = nil
	c.stale = false
	if dropped > 0 {
		c.logger.Debug("prologix: dropped late reply", "bytes", dropped)
	}

	return nil
}

// drain discards input until the line stays quiet for settle or deadline
// passes, and returns the number of bytes discarded.
func (c *Controller) drain(deadline time.Time, settle time.Duration) (int, error) {
	buf := make([]byte, 256)
	total := 0

	for {
		quiet := min(settle, time.Until(deadline))
		if quiet <= 0 {
			return total, nil
		}

		if err := c.port.SetReadTimeout(quiet); err != nil {
			return total, err
		}

		n, err := c.port.Read(buf)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// settleWithin caps the settle time at half of the time left until deadline.
func settleWithin(settle time.Duration, deadline time.Time) time.Duration {
	return min(settle, time.Until(deadline)/2)
}

// address makes addr the current device. The caller holds the bus.
func (c *Controller) address(addr gpib.Address) error {
	if c.addressed && c.current == addr {
		return nil
	}

	cmd := fmt.Sprintf("++addr %d", addr.Primary())
	if addr.HasSecondary() {
		cmd = fmt.Sprintf("++addr %d %d", addr.Primary(), addr.SecondaryByte())
	}

	if err := c.sendCommand(cmd); err != nil {
		c.addressed = false
		return err
	}

	c.current = addr
	c.addressed = true

	return nil
}

func (c *Controller) sendCommand(cmd string) error {
	line := make([]byte, 0, len(cmd)+1)
	line = append(line, cmd...)
	line = append(line, lf)

	_, err := c.port.Write(line)

	return err
}

// readUntil reads until term arrives or timeout expires. It reports
// whether term was seen; bytes after term are kept for the next read.
func (c *Controller) readUntil(term byte, timeout time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		if i := bytes.IndexByte(c.rbuf, term); i >= 0 {
			out := c.rbuf[:i+1:i+1]
			c.rbuf = append([]byte(nil), c.rbuf[i+1:]...)

			return out, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			out := c.rbuf
			c.rbuf = nil

			return out, false, nil
		}

		if err := c.port.SetReadTimeout(remaining); err != nil {
			return nil, false, err
		}

		n, err := c.port.Read(buf)
		if n > 0 {
			c.rbuf = append(c.rbuf, buf[:n]...)
		}
		if err != nil {
			return nil, false, err
		}
	}
}

// acquire waits for the bus until timeout and returns the deadline of the
// operation. The caller must release the bus on success.
func (c *Controller) acquire(addr gpib.Address, op gpib.Op, timeout time.Duration) (time.Time, error) {
	remaining, ok := c.bus.Acquire(timeout)
	if !ok {
		return time.Time{}, &gpib.Error{
			Kind:    gpib.ErrBusBusy,
			Op:      op,
			Addr:    addr,
			HasAddr: true,
			Elapsed: timeout,
			Err:     errBusHeld,
		}
	}

	return time.Now().Add(remaining), nil
}

// claimBus resolves h and takes the bus for it. The caller must release the
// bus on success.
func (c *Controller) claimBus(h gpib.Handle, op gpib.Op, timeout time.Duration) (*handle, time.Time, error) {
	ph, err := c.live(h, op)
	if err != nil {
		return nil, time.Time{}, err
	}

	deadline, err := c.acquire(ph.addr, op, timeout)
	if err != nil {
		return nil, time.Time{}, err
	}

	// the handle may have been closed while waiting for the bus
	if _, err := c.live(h, op); err != nil {
		c.bus.Unlock()
		return nil, time.Time{}, err
	}

	return ph, deadline, nil
}

// syncError reports a failed resync. A controller that has not confirmed
// the end of a late reply stays out of sync for the next operation.
func (c *Controller) syncError(op gpib.Op, addr gpib.Address, err error) error {
	if errors.Is(err, errOutOfSync) {
		return &gpib.Error{Kind: gpib.ErrTimeout, Op: op, Addr: addr, HasAddr: true, Err: err, Recoverable: true}
	}

	return c.ioError(op, addr, err)
}

// live resolves h to an open handle of this controller.
func (c *Controller) live(h gpib.Handle, op gpib.Op) (*handle, error) {
	ph, ok := h.(*handle)
	if !ok || ph == nil || ph.ctrl != c {
		return nil, gpib.NewError(gpib.ErrInvalidState, op, gpib.Address{}, errForeignHandle)
	}
	if ph.closed.Load() {
		return nil, gpib.NewError(gpib.ErrInvalidState, op, ph.addr, errHandleClosed)
	}
	if c.closed.Load() {
		return nil, gpib.NewError(gpib.ErrBusError, op, ph.addr, errControllerClosed)
	}

	return ph, nil
}

func (c *Controller) ioError(op gpib.Op, addr gpib.Address, err error) error {
	kind := gpib.ErrBusError
	if isTimeout(err) {
		kind = gpib.ErrTimeout
	}
	c.addressed = false
	c.stale = true
	c.logger.Warn("prologix: controller I/O failed", "op", op, "address", addr.String(), "error", err)

	return gpib.NewError(kind, op, addr, err)
}

// escape prefixes CR, LF, ESC and '+' with ESC and terminates the line
// with an unescaped LF, so the controller passes data through verbatim.
func escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	for _, b := range data {
		switch b {
		case cr, lf, esc, '+':
			out = append(out, esc)
		}
		out = append(out, b)
	}

	return append(out, lf)
}
