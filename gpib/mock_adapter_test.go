//nolint:errcheck
package gpib

import (
	"iter"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockAdapter implements Adapter and every optional capability for testing.
type MockAdapter struct {
	mock.Mock
}

var (
	_ Adapter         = (*MockAdapter)(nil)
	_ Clearer         = (*MockAdapter)(nil)
	_ LocalController = (*MockAdapter)(nil)
	_ SerialPoller    = (*MockAdapter)(nil)
	_ Triggerer       = (*MockAdapter)(nil)
)

func (m *MockAdapter) Platform() Platform {
	return "mock"
}

func (m *MockAdapter) Enumerate(timeoutPerAddress time.Duration) iter.Seq2[Address, error] {
	args := m.Called(timeoutPerAddress)
	return args.Get(0).(iter.Seq2[Address, error])
}

func (m *MockAdapter) Open(addr Address, timeout time.Duration) (Handle, error) {
	args := m.Called(addr, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(Handle), args.Error(1)
}

func (m *MockAdapter) Write(h Handle, data []byte, timeout time.Duration) error {
	args := m.Called(h, data, timeout)
	return args.Error(0)
}

func (m *MockAdapter) Read(h Handle, timeout time.Duration) (ReadResult, error) {
	args := m.Called(h, timeout)
	return args.Get(0).(ReadResult), args.Error(1)
}

func (m *MockAdapter) Close(h Handle) error {
	args := m.Called(h)
	return args.Error(0)
}

func (m *MockAdapter) Clear(h Handle, timeout time.Duration) error {
	args := m.Called(h, timeout)
	return args.Error(0)
}

func (m *MockAdapter) GoToLocal(h Handle, timeout time.Duration) error {
	args := m.Called(h, timeout)
	return args.Error(0)
}

func (m *MockAdapter) SerialPoll(h Handle, timeout time.Duration) (byte, error) {
	args := m.Called(h, timeout)
	return args.Get(0).(byte), args.Error(1)
}

func (m *MockAdapter) Trigger(h Handle, timeout time.Duration) error {
	args := m.Called(h, timeout)
	return args.Error(0)
}

// basicAdapter hides the optional capabilities of a MockAdapter.
type basicAdapter struct {
	m *MockAdapter
}

func (b basicAdapter) Platform() Platform { return b.m.Platform() }

func (b basicAdapter) Enumerate(d time.Duration) iter.Seq2[Address, error] { return b.m.Enumerate(d) }

func (b basicAdapter) Open(addr Address, d time.Duration) (Handle, error) { return b.m.Open(addr, d) }

func (b basicAdapter) Write(h Handle, data []byte, d time.Duration) error {
	return b.m.Write(h, data, d)
}

func (b basicAdapter) Read(h Handle, d time.Duration) (ReadResult, error) { return b.m.Read(h, d) }

func (b basicAdapter) Close(h Handle) error { return b.m.Close(h) }
