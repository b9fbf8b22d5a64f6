package prologix

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-gpib/logger"
)

type fakeDevice struct {
	status  byte
	replies map[string]string
	// noTerminator sends replies without the trailing line feed.
	noTerminator bool
	// delay holds back answers to ++spoll and ++read. The fake answers
	// commands in order, so later answers wait behind a delayed one.
	delay   time.Duration
	pending []byte
}

const fakeVersion = "Prologix GPIB-ETHERNET Controller version 01.06.06.00"

type chunk struct {
	data  []byte
	delay time.Duration
}

// fakeController emulates a Prologix controller on the remote end of a
// net.Pipe: it unescapes incoming lines, answers "++" commands and routes
// data lines to scripted devices.
type fakeController struct {
	conn net.Conn
	out  chan chunk

	mu       sync.Mutex
	devices  map[string]*fakeDevice
	addr     string
	commands []string
	data     map[string][]string
}

func newFakeController() *fakeController {
	return &fakeController{
		out:     make(chan chunk, 64),
		devices: make(map[string]*fakeDevice),
		data:    make(map[string][]string),
	}
}

// attach places a device at addr, written as "pad" or "pad sad" with sad
// being the on-wire secondary byte.
func (f *fakeController) attach(addr string, dev *fakeDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[addr] = dev
}

// setDelay changes the answer delay of the device at addr.
func (f *fakeController) setDelay(addr string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[addr].delay = d
}

func (f *fakeController) serve(conn net.Conn) {
	f.conn = conn

	go func() {
		for c := range f.out {
			time.Sleep(c.delay)
			if _, err := conn.Write(c.data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(f.out)

		r := bufio.NewReader(conn)
		for {
			line, isCommand, err := readLine(r)
			if err != nil {
				return
			}
			f.handle(line, isCommand)
		}
	}()
}

// readLine reads one escaped line. isCommand is set when the line starts
// with an unescaped "++".
func readLine(r *bufio.Reader) (string, bool, error) {
	var (
		sb       strings.Builder
		escaped  []bool
		inEscape bool
	)

	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}

		switch {
		case inEscape:
			sb.WriteByte(b)
			escaped = append(escaped, true)
			inEscape = false
		case b == esc:
			inEscape = true
		case b == lf:
			s := sb.String()
			isCommand := len(s) >= 2 && s[:2] == "++" && !escaped[0] && !escaped[1]

			return s, isCommand, nil
		default:
			sb.WriteByte(b)
			escaped = append(escaped, false)
		}
	}
}

func (f *fakeController) handle(line string, isCommand bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isCommand {
		f.data[f.addr] = append(f.data[f.addr], line)

		dev, ok := f.devices[f.addr]
		if !ok {
			return
		}
		if reply, ok := dev.replies[strings.TrimRight(line, "\r\n")]; ok {
			dev.pending = append(dev.pending, reply...)
			if !dev.noTerminator {
				dev.pending = append(dev.pending, '\n')
			}
		}

		return
	}

	f.commands = append(f.commands, line)
	fields := strings.Fields(line)
	dev := f.devices[f.addr]

	switch fields[0] {
	case "++addr":
		f.addr = strings.Join(fields[1:], " ")
	case "++ver":
		f.out <- chunk{data: []byte(fakeVersion + "\r\n")}
	case "++spoll":
		if dev != nil {
			status := dev.status
			if len(dev.pending) > 0 {
				status |= 0x10
			}
			f.out <- chunk{data: []byte(strconv.Itoa(int(status)) + "\n"), delay: dev.delay}
		}
	case "++read":
		if dev != nil && len(dev.pending) > 0 {
			f.out <- chunk{data: dev.pending, delay: dev.delay}
			dev.pending = nil
		}
	case "++clr":
		if dev != nil {
			dev.pending = nil
		}
	}
}

func (f *fakeController) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.commands))
	copy(out, f.commands)

	return out
}

func (f *fakeController) Data(addr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.data[addr]...)
}

func (f *fakeController) count(prefix string) int {
	n := 0
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}

	return n
}

// newTestController connects a Controller to fake through net.Pipe.
func newTestController(t *testing.T, fake *fakeController, opts ...Option) *Controller {
	t.Helper()

	local, remote := net.Pipe()
	fake.serve(remote)

	defaults := []Option{
		WithLogger(logger.NewSlog(logger.ErrorLevel, false)),
		WithSettleTime(10 * time.Millisecond),
	}
	cfg, err := newOptions(append(defaults, opts...))
	require.NoError(t, err)

	c, err := newController(newNetPort(local), PlatformTCP, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Shutdown()
		_ = remote.Close()
	})

	return c
}

func idnDevice(name string) *fakeDevice {
	return &fakeDevice{replies: map[string]string{"*IDN?": fmt.Sprintf("ACME,%s,0,1.0", name)}}
}
