package simbus

import (
	"strings"
	"time"
)

// Handler answers one command. It returns the reply without terminator and
// whether the command produces a reply at all.
type Handler func(cmd string) (reply string, ok bool)

// Instrument scripts the behavior of a simulated device.
type Instrument struct {
	// Handler answers commands. A nil Handler accepts every command silently.
	Handler Handler

	// Terminator is appended to replies. Defaults to "\n".
	Terminator string
	// EOI makes replies end with END instead of the terminator.
	EOI bool
	// Truncate drops the terminator from replies so reads end on their deadline.
	Truncate bool

	// OpenDelay, WriteDelay and ReadDelay are added to the matching operation.
	// An operation whose delay exceeds its timeout fails with ErrTimeout.
	OpenDelay  time.Duration
	WriteDelay time.Duration
	ReadDelay  time.Duration

	// Recoverable marks timeouts caused by delays as recoverable.
	Recoverable bool

	// Status is the base status byte returned by serial poll. Bit 4 (MAV) is
	// added while a reply is pending.
	Status byte
	// OnTrigger is called on Group Execute Trigger.
	OnTrigger func()
}

func (inst *Instrument) terminator() string {
	if inst.Terminator == "" {
		return "\n"
	}

	return inst.Terminator
}

// Responder returns a Handler that answers queries from a fixed table.
// Commands not in the table produce no reply.
func Responder(replies map[string]string) Handler {
	return func(cmd string) (string, bool) {
		reply, ok := replies[strings.TrimSpace(cmd)]
		return reply, ok
	}
}

// Echo returns a Handler that answers every query with the query text
// itself, minus the trailing '?'.
func Echo() Handler {
	return func(cmd string) (string, bool) {
		cmd = strings.TrimSpace(cmd)
		if !strings.HasSuffix(cmd, "?") {
			return "", false
		}

		return strings.TrimSuffix(cmd, "?"), true
	}
}
