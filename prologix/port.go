package prologix

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// port is the byte stream to the controller.
//
// Read returns (0, nil) when the read timeout expires, as go.bug.st/serial
// does; netPort adapts net.Conn to the same behavior.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

var _ port = (serial.Port)(nil)

func openSerialPort(name string, baud int) (port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// netPort adapts a GPIB-ETHERNET connection to the port interface.
type netPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func newNetPort(conn net.Conn) *netPort {
	return &netPort{conn: conn, readTimeout: -1}
}

func dialTCP(addr string, timeout time.Duration) (port, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return newNetPort(conn), nil
}

func (p *netPort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}

func (p *netPort) Read(b []byte) (int, error) {
	deadline := time.Time{}
	if p.readTimeout >= 0 {
		deadline = time.Now().Add(p.readTimeout)
	}
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	n, err := p.conn.Read(b)
	if err != nil && isTimeout(err) {
		return n, nil
	}

	return n, err
}

func (p *netPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *netPort) Close() error {
	return p.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var nerr net.Error

	return errors.As(err, &nerr) && nerr.Timeout()
}
