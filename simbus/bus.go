package simbus

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
)

// Platform is the registry identifier of the simulated bus.
const Platform gpib.Platform = "sim"

// DefaultControllerAddress is the primary address of the simulated controller.
const DefaultControllerAddress = 0

var (
	errHandleClosed  = errors.New("handle is closed")
	errForeignHandle = errors.New("handle was not issued by this bus")
	errNoReply       = errors.New("no reply pending")
	errDetached      = errors.New("instrument detached")
	errBusHeld       = errors.New("bus held by another operation until the deadline")
)

type device struct {
	inst *Instrument

	mu       sync.Mutex
	pending  []byte
	received []string
	remote   bool
	triggers int
}

type handle struct {
	addr   gpib.Address
	dev    *device
	closed atomic.Bool
}

func (h *handle) Address() gpib.Address { return h.addr }

type injected struct {
	op  gpib.Op
	err error
}

// Bus is an in-memory GPIB bus with scripted instruments.
//
// Bus implements gpib.Adapter with every optional capability. All traffic
// is serialized on one bus lock, as on a real half-duplex bus. An operation
// that cannot get the bus within its timeout fails with ErrBusBusy and
// never reaches the instrument.
type Bus struct {
	bus *gpib.BusLock

	devices  *xsync.MapOf[gpib.Address, *device]
	claims   *xsync.MapOf[gpib.Address, *handle]
	injected *xsync.MapOf[gpib.Address, []injected]
	calls    *xsync.MapOf[gpib.Op, int]

	controller int
	logger     logger.Logger
}

var (
	_ gpib.Adapter         = (*Bus)(nil)
	_ gpib.Clearer         = (*Bus)(nil)
	_ gpib.LocalController = (*Bus)(nil)
	_ gpib.SerialPoller    = (*Bus)(nil)
	_ gpib.Triggerer       = (*Bus)(nil)
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithControllerAddress sets the controller's own primary address, which
// enumeration skips.
func WithControllerAddress(pad int) Option {
	return func(b *Bus) { b.controller = pad }
}

// New creates an empty simulated bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		bus:        gpib.NewBusLock(),
		devices:    xsync.NewMapOf[gpib.Address, *device](),
		claims:     xsync.NewMapOf[gpib.Address, *handle](),
		injected:   xsync.NewMapOf[gpib.Address, []injected](),
		calls:      xsync.NewMapOf[gpib.Op, int](),
		controller: DefaultControllerAddress,
		logger:     logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NewAdapter is a gpib.DriverFactory creating an empty bus.
//
// The optional "controller" parameter sets the controller address.
func NewAdapter(ictx *gpib.InitContext) (gpib.Adapter, error) {
	pad, err := ictx.IntParam("controller", DefaultControllerAddress)
	if err != nil {
		return nil, err
	}
	if _, err := gpib.NewAddress(pad); err != nil {
		return nil, err
	}

	return New(WithLogger(ictx.Logger()), WithControllerAddress(pad)), nil
}

// Register adds the simulated platform to r with NewAdapter as factory.
func Register(r *gpib.Registry) error {
	return r.Register(Platform, NewAdapter)
}

// Factory returns a gpib.DriverFactory that always hands out b, so a
// scripted bus can be reached through a Registry.
func (b *Bus) Factory() gpib.DriverFactory {
	return func(*gpib.InitContext) (gpib.Adapter, error) { return b, nil }
}

// Attach places inst at addr, replacing any instrument already there.
func (b *Bus) Attach(addr gpib.Address, inst *Instrument) error {
	if inst == nil {
		return errors.New("simbus: instrument is nil")
	}
	if addr.Primary() == b.controller {
		return fmt.Errorf("simbus: %s is the controller address", addr)
	}

	b.devices.Store(addr, &device{inst: inst})
	b.logger.Debug("simbus: instrument attached", "address", addr.String())

	return nil
}

// Detach removes the instrument at addr. Open handles fail afterward.
func (b *Bus) Detach(addr gpib.Address) {
	b.devices.Delete(addr)
	b.logger.Debug("simbus: instrument detached", "address", addr.String())
}

// InjectError makes the next op on addr fail with err. Injected errors are
// consumed in order.
func (b *Bus) InjectError(addr gpib.Address, op gpib.Op, err error) {
	b.injected.Compute(addr, func(old []injected, _ bool) ([]injected, bool) {
		return append(old, injected{op: op, err: err}), false
	})
}

// Calls returns how many times op reached the bus.
func (b *Bus) Calls(op gpib.Op) int {
	n, _ := b.calls.Load(op)
	return n
}

// TotalCalls returns the number of adapter calls of any kind.
func (b *Bus) TotalCalls() int {
	total := 0
	b.calls.Range(func(_ gpib.Op, n int) bool {
		total += n
		return true
	})

	return total
}

// Received returns the commands the instrument at addr has received, with
// terminators removed.
func (b *Bus) Received(addr gpib.Address) []string {
	dev, ok := b.devices.Load(addr)
	if !ok {
		return nil
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	out := make([]string, len(dev.received))
	copy(out, dev.received)

	return out
}

// Remote reports whether the instrument at addr is in remote mode.
func (b *Bus) Remote(addr gpib.Address) bool {
	dev, ok := b.devices.Load(addr)
	if !ok {
		return false
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	return dev.remote
}

// Triggers returns how many Group Execute Triggers addr has received.
func (b *Bus) Triggers(addr gpib.Address) int {
	dev, ok := b.devices.Load(addr)
	if !ok {
		return 0
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	return dev.triggers
}

// Claimed reports whether addr is held by an open handle.
func (b *Bus) Claimed(addr gpib.Address) bool {
	_, ok := b.claims.Load(addr)
	return ok
}

// Platform implements gpib.Adapter.
func (b *Bus) Platform() gpib.Platform { return Platform }

// Enumerate implements gpib.Adapter.
func (b *Bus) Enumerate(timeoutPerAddress time.Duration) iter.Seq2[gpib.Address, error] {
	return gpib.ProbeAddresses(
		func(addr gpib.Address) error { return b.probe(addr, timeoutPerAddress) },
		func(addr gpib.Address) bool { return addr.Primary() == b.controller },
	)
}

func (b *Bus) probe(addr gpib.Address, timeout time.Duration) error {
	b.count(gpib.OpProbe)
	if _, err := b.acquire(addr, gpib.OpProbe, timeout); err != nil {
		return err
	}
	defer b.bus.Unlock()

	if err := b.takeInjected(addr, gpib.OpProbe); err != nil {
		return err
	}

	if b.hasPrimary(addr.Primary()) {
		return nil
	}

	return gpib.NewError(gpib.ErrNoDeviceFound, gpib.OpProbe, addr, fmt.Errorf("no listener within %v", timeout))
}

func (b *Bus) hasPrimary(pad int) bool {
	found := false
	b.devices.Range(func(addr gpib.Address, _ *device) bool {
		if addr.Primary() == pad {
			found = true
			return false
		}

		return true
	})

	return found
}

// Open implements gpib.Adapter.
func (b *Bus) Open(addr gpib.Address, timeout time.Duration) (gpib.Handle, error) {
	b.count(gpib.OpOpen)
	timeout, err := b.acquire(addr, gpib.OpOpen, timeout)
	if err != nil {
		return nil, err
	}
	defer b.bus.Unlock()

	if err := b.takeInjected(addr, gpib.OpOpen); err != nil {
		return nil, err
	}

	dev, ok := b.devices.Load(addr)
	if !ok {
		return nil, gpib.NewError(gpib.ErrNoDeviceFound, gpib.OpOpen, addr, nil)
	}

	if err := b.delay(addr, gpib.OpOpen, dev.inst.OpenDelay, timeout, false); err != nil {
		return nil, err
	}

	h := &handle{addr: addr, dev: dev}
	if _, loaded := b.claims.LoadOrStore(addr, h); loaded {
		return nil, gpib.NewError(gpib.ErrBusBusy, gpib.OpOpen, addr, errors.New("address already claimed"))
	}

	dev.mu.Lock()
	dev.remote = true
	dev.mu.Unlock()

	b.logger.Debug("simbus: address claimed", "address", addr.String())

	return h, nil
}

// Write implements gpib.Adapter.
func (b *Bus) Write(h gpib.Handle, data []byte, timeout time.Duration) error {
	b.count(gpib.OpWrite)
	sh, timeout, err := b.claimBus(h, gpib.OpWrite, timeout)
	if err != nil {
		return err
	}
	defer b.bus.Unlock()

	inst := sh.dev.inst
	if err := b.delay(sh.addr, gpib.OpWrite, inst.WriteDelay, timeout, inst.Recoverable); err != nil {
		return err
	}

	cmd := strings.TrimRight(string(data), "\r\n")

	sh.dev.mu.Lock()
	defer sh.dev.mu.Unlock()

	sh.dev.received = append(sh.dev.received, cmd)
	sh.dev.remote = true

	if inst.Handler == nil {
		return nil
	}

	reply, ok := inst.Handler(cmd)
	if !ok {
		return nil
	}

	sh.dev.pending = append(sh.dev.pending, reply...)
	if !inst.Truncate && !inst.EOI {
		sh.dev.pending = append(sh.dev.pending, inst.terminator()...)
	}

	return nil
}

// Read implements gpib.Adapter.
func (b *Bus) Read(h gpib.Handle, timeout time.Duration) (gpib.ReadResult, error) {
	b.count(gpib.OpRead)
	sh, timeout, err := b.claimBus(h, gpib.OpRead, timeout)
	if err != nil {
		return gpib.ReadResult{}, err
	}
	defer b.bus.Unlock()

	inst := sh.dev.inst
	if err := b.delay(sh.addr, gpib.OpRead, inst.ReadDelay, timeout, inst.Recoverable); err != nil {
		return gpib.ReadResult{}, err
	}

	sh.dev.mu.Lock()
	data := sh.dev.pending
	sh.dev.pending = nil
	sh.dev.mu.Unlock()

	if len(data) == 0 {
		time.Sleep(timeout)
		return gpib.ReadResult{}, &gpib.Error{
			Kind:        gpib.ErrTimeout,
			Op:          gpib.OpRead,
			Addr:        sh.addr,
			HasAddr:     true,
			Elapsed:     timeout,
			Err:         errNoReply,
			Recoverable: true,
		}
	}

	switch {
	case inst.Truncate:
		time.Sleep(timeout)
		return gpib.ReadResult{Data: data, End: gpib.EndDeadline}, nil
	case inst.EOI:
		return gpib.ReadResult{Data: data, End: gpib.EndEOI}, nil
	default:
		return gpib.ReadResult{Data: data, End: gpib.EndTerminator}, nil
	}
}

// Close implements gpib.Adapter.
func (b *Bus) Close(h gpib.Handle) error {
	b.count(gpib.OpClose)

	sh, ok := h.(*handle)
	if !ok || sh == nil {
		return gpib.NewError(gpib.ErrInvalidState, gpib.OpClose, gpib.Address{}, errForeignHandle)
	}

	if !sh.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.claims.Compute(sh.addr, func(cur *handle, loaded bool) (*handle, bool) {
		// only drop the claim if it is still ours
		return cur, !loaded || cur == sh
	})
	b.logger.Debug("simbus: address released", "address", sh.addr.String())

	return nil
}

// Clear implements gpib.Clearer.
func (b *Bus) Clear(h gpib.Handle, timeout time.Duration) error {
	return b.control(h, gpib.OpClear, timeout, func(dev *device) {
		dev.pending = nil
	})
}

// GoToLocal implements gpib.LocalController.
func (b *Bus) GoToLocal(h gpib.Handle, timeout time.Duration) error {
	return b.control(h, gpib.OpLocal, timeout, func(dev *device) {
		dev.remote = false
	})
}

// Trigger implements gpib.Triggerer.
func (b *Bus) Trigger(h gpib.Handle, timeout time.Duration) error {
	var onTrigger func()
	err := b.control(h, gpib.OpTrigger, timeout, func(dev *device) {
		dev.triggers++
		onTrigger = dev.inst.OnTrigger
	})
	if err == nil && onTrigger != nil {
		onTrigger()
	}

	return err
}

// SerialPoll implements gpib.SerialPoller.
func (b *Bus) SerialPoll(h gpib.Handle, timeout time.Duration) (byte, error) {
	var status byte
	err := b.control(h, gpib.OpSerialPoll, timeout, func(dev *device) {
		status = dev.inst.Status
		if len(dev.pending) > 0 {
			status |= 0x10
		}
	})

	return status, err
}

func (b *Bus) control(h gpib.Handle, op gpib.Op, timeout time.Duration, fn func(*device)) error {
	b.count(op)
	sh, _, err := b.claimBus(h, op, timeout)
	if err != nil {
		return err
	}
	defer b.bus.Unlock()

	sh.dev.mu.Lock()
	fn(sh.dev)
	sh.dev.mu.Unlock()

	return nil
}

// acquire waits for the bus until timeout and returns the time left for the
// operation. The caller must release the bus on success.
func (b *Bus) acquire(addr gpib.Address, op gpib.Op, timeout time.Duration) (time.Duration, error) {
	remaining, ok := b.bus.Acquire(timeout)
	if !ok {
		return 0, &gpib.Error{
			Kind:    gpib.ErrBusBusy,
			Op:      op,
			Addr:    addr,
			HasAddr: true,
			Elapsed: timeout,
			Err:     errBusHeld,
		}
	}

	return remaining, nil
}

// claimBus resolves h and takes the bus for it. The caller must release the
// bus on success.
func (b *Bus) claimBus(h gpib.Handle, op gpib.Op, timeout time.Duration) (*handle, time.Duration, error) {
	sh, ok := h.(*handle)
	if !ok || sh == nil {
		return nil, 0, gpib.NewError(gpib.ErrInvalidState, op, gpib.Address{}, errForeignHandle)
	}

	remaining, err := b.acquire(sh.addr, op, timeout)
	if err != nil {
		return nil, 0, err
	}

	if _, err := b.live(sh, op); err != nil {
		b.bus.Unlock()
		return nil, 0, err
	}

	return sh, remaining, nil
}

// live resolves h to an open handle whose instrument is still attached and
// consumes any error injected for op.
func (b *Bus) live(h gpib.Handle, op gpib.Op) (*handle, error) {
	sh, ok := h.(*handle)
	if !ok || sh == nil {
		return nil, gpib.NewError(gpib.ErrInvalidState, op, gpib.Address{}, errForeignHandle)
	}
	if sh.closed.Load() {
		return nil, gpib.NewError(gpib.ErrInvalidState, op, sh.addr, errHandleClosed)
	}
	if err := b.takeInjected(sh.addr, op); err != nil {
		return nil, err
	}
	if dev, ok := b.devices.Load(sh.addr); !ok || dev != sh.dev {
		return nil, gpib.NewError(gpib.ErrBusError, op, sh.addr, errDetached)
	}

	return sh, nil
}

// delay sleeps for d, or for timeout and fails with ErrTimeout when d exceeds it.
func (b *Bus) delay(addr gpib.Address, op gpib.Op, d, timeout time.Duration, recoverable bool) error {
	if d <= 0 {
		return nil
	}

	if d > timeout {
		time.Sleep(timeout)
		return &gpib.Error{
			Kind:        gpib.ErrTimeout,
			Op:          op,
			Addr:        addr,
			HasAddr:     true,
			Elapsed:     timeout,
			Recoverable: recoverable,
		}
	}

	time.Sleep(d)

	return nil
}

func (b *Bus) takeInjected(addr gpib.Address, op gpib.Op) error {
	var found error
	b.injected.Compute(addr, func(old []injected, loaded bool) ([]injected, bool) {
		for i, inj := range old {
			if inj.op == op {
				found = inj.err
				rest := append(old[:i:i], old[i+1:]...)

				return rest, len(rest) == 0
			}
		}

		return old, !loaded || len(old) == 0
	})

	return found
}

func (b *Bus) count(op gpib.Op) {
	b.calls.Compute(op, func(n int, _ bool) (int, bool) {
		return n + 1, false
	})
}
