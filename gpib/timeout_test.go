package gpib

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeouts_Validate(t *testing.T) {
	require.NoError(t, DefaultTimeouts().Validate())

	assert.Error(t, Timeouts{Open: 0, Write: time.Second, Read: time.Second}.Validate())
	assert.Error(t, Timeouts{Open: time.Second, Write: -1, Read: time.Second}.Validate())
	assert.Error(t, Timeouts{Open: time.Second, Write: time.Second, Read: MaxTimeout + 1}.Validate())
}

func TestTimeouts_Merge(t *testing.T) {
	base := Timeouts{Open: 3 * time.Second, Write: time.Second, Read: 2 * time.Second}

	assert.Equal(t, base, base.merge(Timeouts{}))
	assert.Equal(t,
		Timeouts{Open: 3 * time.Second, Write: 10 * time.Millisecond, Read: 2 * time.Second},
		base.merge(Timeouts{Write: 10 * time.Millisecond}),
	)
}

func TestBounded_Returns(t *testing.T) {
	val, elapsed, err := bounded(time.Second, func() (int, error) { return 42, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Less(t, elapsed, time.Second)

	cause := errors.New("boom")
	_, _, err = bounded(time.Second, func() (int, error) { return 0, cause }, nil)
	assert.ErrorIs(t, err, cause)
}

func TestBounded_Overrun(t *testing.T) {
	released := make(chan int, 1)

	start := time.Now()
	val, elapsed, err := bounded(20*time.Millisecond,
		func() (int, error) {
			time.Sleep(200 * time.Millisecond)
			return 7, nil
		},
		func(v int) { released <- v },
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, val)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	select {
	case v := <-released:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("late value was not released")
	}
}

func TestState_Transitions(t *testing.T) {
	var st atomicState
	assert.Equal(t, StateClosed, st.Get())
	assert.False(t, st.ToFaulted())

	assert.True(t, st.ToOpen())
	assert.Equal(t, StateOpen, st.Get())
	assert.False(t, st.ToOpen())

	assert.True(t, st.ToFaulted())
	assert.False(t, st.ToOpen())
	assert.Equal(t, "Faulted", st.Get().String())

	assert.Equal(t, StateFaulted, st.ToClosed())
	assert.Equal(t, StateClosed, st.ToClosed())
	assert.Equal(t, "Unknown", State(9).String())
}
