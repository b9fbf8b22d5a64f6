package gpib

import (
	"errors"
	"time"

	"github.com/arloliu/go-gpib/logger"
)

// SessionConfig holds the configuration of a Session.
type SessionConfig struct {
	protocol Protocol
	timeouts Timeouts
	logger   logger.Logger
	tracer   Tracer
}

// NewSessionConfig creates a session configuration from the defaults and opts.
func NewSessionConfig(opts ...SessionOption) (*SessionConfig, error) {
	proto, _ := NewProtocol([]byte(DefaultTerminator))

	cfg := &SessionConfig{
		protocol: proto,
		timeouts: DefaultTimeouts(),
		logger:   logger.GetLogger(),
		tracer:   nopTracer{},
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Protocol returns the command protocol.
func (cfg *SessionConfig) Protocol() Protocol { return cfg.protocol }

// Terminator returns the configured terminator.
func (cfg *SessionConfig) Terminator() []byte { return cfg.protocol.Terminator() }

// Timeouts returns the default per-operation timeouts.
func (cfg *SessionConfig) Timeouts() Timeouts { return cfg.timeouts }

// GetLogger returns the configured logger.
func (cfg *SessionConfig) GetLogger() logger.Logger { return cfg.logger }

// Tracer returns the configured tracer.
func (cfg *SessionConfig) Tracer() Tracer { return cfg.tracer }

// --- SessionOption ---

// SessionOption is a functional option for configuring a Session.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc func(*SessionConfig) error

func (f sessionOptFunc) apply(cfg *SessionConfig) error { return f(cfg) }

// WithTerminator sets the terminator appended to written commands and
// stripped from responses. The default is DefaultTerminator.
func WithTerminator(term string) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		proto, err := NewProtocol([]byte(term))
		if err != nil {
			return err
		}
		cfg.protocol = proto

		return nil
	})
}

// WithOpenTimeout sets the default open timeout.
func WithOpenTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkTimeout("open", d); err != nil {
			return err
		}
		cfg.timeouts.Open = d

		return nil
	})
}

// WithWriteTimeout sets the default write timeout.
func WithWriteTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkTimeout("write", d); err != nil {
			return err
		}
		cfg.timeouts.Write = d

		return nil
	})
}

// WithReadTimeout sets the default read timeout.
func WithReadTimeout(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if err := checkTimeout("read", d); err != nil {
			return err
		}
		cfg.timeouts.Read = d

		return nil
	})
}

// WithLogger sets the logger for the session.
func WithLogger(l logger.Logger) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if l == nil {
			return errors.New("gpib: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithTracer sets the recorder that receives every bus transaction of the
// session. Passing nil disables tracing.
func WithTracer(t Tracer) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if t == nil {
			t = nopTracer{}
		}
		cfg.tracer = t

		return nil
	})
}

// --- CallOption ---

// CallOption overrides session settings for a single operation.
type CallOption interface {
	applyCall(*callConfig) error
}

type callConfig struct {
	timeouts Timeouts
}

type callOptFunc func(*callConfig) error

func (f callOptFunc) applyCall(cfg *callConfig) error { return f(cfg) }

func newCallConfig(opts []CallOption) (callConfig, error) {
	var cfg callConfig
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyCall(&cfg); err != nil {
			return callConfig{}, err
		}
	}

	return cfg, nil
}

func checkCallTimeout(name string, d time.Duration) error {
	if d == 0 {
		return nil
	}

	return checkTimeout(name, d)
}

// WithTimeout bounds every phase of one call (open, write and read) by d.
// Zero keeps the session defaults.
func WithTimeout(d time.Duration) CallOption {
	return callOptFunc(func(cfg *callConfig) error {
		if d == 0 {
			return nil
		}
		if err := checkTimeout("call", d); err != nil {
			return err
		}
		cfg.timeouts = Timeouts{Open: d, Write: d, Read: d}

		return nil
	})
}

// WithCallWriteTimeout overrides the write timeout for one call.
func WithCallWriteTimeout(d time.Duration) CallOption {
	return callOptFunc(func(cfg *callConfig) error {
		if err := checkCallTimeout("write", d); err != nil {
			return err
		}
		cfg.timeouts.Write = d

		return nil
	})
}

// WithCallReadTimeout overrides the read timeout for one call.
func WithCallReadTimeout(d time.Duration) CallOption {
	return callOptFunc(func(cfg *callConfig) error {
		if err := checkCallTimeout("read", d); err != nil {
			return err
		}
		cfg.timeouts.Read = d

		return nil
	})
}
