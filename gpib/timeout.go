package gpib

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-gpib/internal/pool"
)

// Default per-operation timeouts.
const (
	DefaultOpenTimeout  = 3 * time.Second
	DefaultWriteTimeout = 1 * time.Second
	DefaultReadTimeout  = 3 * time.Second
)

// MaxTimeout is the longest timeout accepted for any operation.
const MaxTimeout = 1000 * time.Second

// watchdogSlack is added to an operation's timeout before the watchdog
// declares the adapter overrun.
const watchdogSlack = 50 * time.Millisecond

var errWatchdogExpired = errors.New("adapter did not return before its deadline")

// Timeouts holds the deadline of each blocking operation kind.
//
// A zero field means "use the default" when the value is an override.
type Timeouts struct {
	Open  time.Duration
	Write time.Duration
	Read  time.Duration
}

// DefaultTimeouts returns the default session timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:  DefaultOpenTimeout,
		Write: DefaultWriteTimeout,
		Read:  DefaultReadTimeout,
	}
}

// Validate reports an error if any timeout is not in (0, MaxTimeout].
func (t Timeouts) Validate() error {
	for _, v := range []struct {
		name string
		d    time.Duration
	}{{"open", t.Open}, {"write", t.Write}, {"read", t.Read}} {
		if err := checkTimeout(v.name, v.d); err != nil {
			return err
		}
	}

	return nil
}

// merge returns t with every non-zero field of override applied.
func (t Timeouts) merge(override Timeouts) Timeouts {
	if override.Open > 0 {
		t.Open = override.Open
	}
	if override.Write > 0 {
		t.Write = override.Write
	}
	if override.Read > 0 {
		t.Read = override.Read
	}

	return t
}

func checkTimeout(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("gpib: %s timeout must be positive", name)
	}
	if d > MaxTimeout {
		return fmt.Errorf("gpib: %s timeout %v exceeds maximum %v", name, d, MaxTimeout)
	}

	return nil
}

type boundedResult[T any] struct {
	val T
	err error
}

// bounded runs fn and waits at most timeout plus a small slack for it to
// return. Adapters are expected to honor the timeout they are given; the
// watchdog only catches the ones that do not.
//
// When the watchdog fires, bounded returns an unrecoverable ErrTimeout and
// hands the value fn eventually produces to release, so late resources such
// as handles are not leaked. release may be nil.
func bounded[T any](timeout time.Duration, fn func() (T, error), release func(T)) (T, time.Duration, error) {
	start := time.Now()
	done := make(chan boundedResult[T], 1)

	go func() {
		val, err := fn()
		done <- boundedResult[T]{val: val, err: err}
	}()

	timer := pool.GetTimer(timeout + watchdogSlack)
	defer pool.PutTimer(timer)

	select {
	case res := <-done:
		return res.val, time.Since(start), res.err

	case <-timer.C:
		go func() {
			res := <-done
			if res.err == nil && release != nil {
				release(res.val)
			}
		}()

		var zero T
		elapsed := time.Since(start)

		return zero, elapsed, &Error{Kind: ErrTimeout, Elapsed: elapsed, Err: errWatchdogExpired}
	}
}
