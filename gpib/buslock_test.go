package gpib

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusLock_AcquireFree(t *testing.T) {
	l := NewBusLock()

	remaining, ok := l.Acquire(time.Second)
	require.True(t, ok)
	assert.Equal(t, time.Second, remaining)
	l.Unlock()

	_, ok = l.Acquire(0)
	assert.False(t, ok)
}

func TestBusLock_AcquireGivesUp(t *testing.T) {
	l := NewBusLock()
	l.Lock()

	start := time.Now()
	_, ok := l.Acquire(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	l.Unlock()
	remaining, ok := l.Acquire(30 * time.Millisecond)
	require.True(t, ok)
	assert.Positive(t, remaining)
	l.Unlock()
}

func TestBusLock_AcquireAfterRelease(t *testing.T) {
	l := NewBusLock()
	l.Lock()

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Unlock()
	}()

	remaining, ok := l.Acquire(time.Second)
	require.True(t, ok)
	assert.Less(t, remaining, time.Second-10*time.Millisecond)
	l.Unlock()
}

func TestBusLock_MutualExclusion(t *testing.T) {
	l := NewBusLock()

	var (
		inside atomic.Int32
		wg     sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if _, ok := l.Acquire(time.Second); !ok {
					continue
				}
				assert.Equal(t, int32(1), inside.Add(1))
				inside.Add(-1)
				l.Unlock()
			}
		}()
	}
	wg.Wait()
}
