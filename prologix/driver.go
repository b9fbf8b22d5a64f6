package prologix

import (
	"errors"
	"fmt"

	"go.bug.st/serial/enumerator"

	"github.com/arloliu/go-gpib/gpib"
)

// knownControllers lists the USB VID/PID pairs of Prologix-compatible
// controllers. VID and PID are upper-case hex without prefix.
var knownControllers = map[string][]string{
	"0403": {"6001", "6015"}, // FTDI FT232R / FT231X, GPIB-USB
}

// PortInfo describes a serial port that looks like a GPIB controller.
type PortInfo struct {
	Name         string
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts returns the serial ports whose USB VID/PID match a known
// Prologix-compatible controller.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("prologix: list serial ports: %w", err)
	}

	return filterPorts(details), nil
}

func filterPorts(details []*enumerator.PortDetails) []PortInfo {
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || !d.IsUSB || !isKnownController(d.VID, d.PID) {
			continue
		}

		ports = append(ports, PortInfo{
			Name:         d.Name,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}

	return ports
}

func isKnownController(vid, pid string) bool {
	for _, known := range knownControllers[normalizeHex(vid)] {
		if known == normalizeHex(pid) {
			return true
		}
	}

	return false
}

func normalizeHex(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b >= 'a' && b <= 'f' {
			out[i] = b - 'a' + 'A'
		}
	}

	return string(out)
}

// NewSerialAdapter is a gpib.DriverFactory for PlatformSerial.
//
// Parameters: "port" (required, e.g. /dev/ttyUSB0 or COM3), "baud",
// "controller", "terminator" (decimal byte value of the read terminator) and
// "settle_time".
func NewSerialAdapter(ictx *gpib.InitContext) (gpib.Adapter, error) {
	name, ok := ictx.Param("port")
	if !ok || name == "" {
		return nil, errors.New("prologix: parameter \"port\" is required")
	}

	baud, err := ictx.IntParam("baud", DefaultBaudRate)
	if err != nil {
		return nil, err
	}

	opts, err := commonOptions(ictx)
	if err != nil {
		return nil, err
	}

	return OpenSerial(name, baud, opts...)
}

// NewTCPAdapter is a gpib.DriverFactory for PlatformTCP.
//
// Parameters: "addr" (required, host or host:port), "dial_timeout",
// "controller", "terminator" and "settle_time".
func NewTCPAdapter(ictx *gpib.InitContext) (gpib.Adapter, error) {
	addr, ok := ictx.Param("addr")
	if !ok || addr == "" {
		return nil, errors.New("prologix: parameter \"addr\" is required")
	}

	opts, err := commonOptions(ictx)
	if err != nil {
		return nil, err
	}

	dialTimeout, err := ictx.DurationParam("dial_timeout", DefaultDialTimeout)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithDialTimeout(dialTimeout))

	return DialTCP(addr, opts...)
}

func commonOptions(ictx *gpib.InitContext) ([]Option, error) {
	opts := []Option{WithLogger(ictx.Logger())}

	pad, err := ictx.IntParam("controller", DefaultControllerAddress)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithControllerAddress(pad))

	term, err := ictx.IntParam("terminator", DefaultReadTerminator)
	if err != nil {
		return nil, err
	}
	if term < 0 || term > 0xFF {
		return nil, fmt.Errorf("prologix: terminator %d is not a byte", term)
	}
	opts = append(opts, WithReadTerminator(byte(term)))

	settle, err := ictx.DurationParam("settle_time", DefaultSettleTime)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithSettleTime(settle))

	return opts, nil
}

// Register adds PlatformSerial and PlatformTCP to r.
func Register(r *gpib.Registry) error {
	if err := r.Register(PlatformSerial, NewSerialAdapter); err != nil {
		return err
	}

	return r.Register(PlatformTCP, NewTCPAdapter)
}
