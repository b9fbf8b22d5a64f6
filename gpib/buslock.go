package gpib

import (
	"time"

	"github.com/arloliu/go-gpib/internal/pool"
)

// BusLock serializes access to a shared bus. Acquire is bounded by the
// timeout of the waiting operation.
type BusLock struct {
	sem chan struct{}
}

// NewBusLock returns an unlocked BusLock.
func NewBusLock() *BusLock {
	return &BusLock{sem: make(chan struct{}, 1)}
}

// Acquire waits up to timeout for the bus. On success it returns the part of
// timeout left for the operation; the caller must call Unlock. It returns
// false when the bus stayed held, or when no time is left after the wait.
func (l *BusLock) Acquire(timeout time.Duration) (time.Duration, bool) {
	if timeout <= 0 {
		return 0, false
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		return timeout, true
	default:
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		return 0, false
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		l.Unlock()
		return 0, false
	}

	return remaining, true
}

// Lock waits for the bus without a deadline.
func (l *BusLock) Lock() {
	l.sem <- struct{}{}
}

// Unlock releases the bus.
func (l *BusLock) Unlock() {
	<-l.sem
}
