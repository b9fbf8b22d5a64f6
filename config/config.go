package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-gpib/gpib"
	"github.com/arloliu/go-gpib/logger"
	"github.com/arloliu/go-gpib/trace"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the content of a go-gpib configuration file.
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Trace   TraceConfig   `yaml:"trace"`
}

// BusConfig selects the adapter driver.
type BusConfig struct {
	// Platform is a registered platform identifier such as "prologix-serial".
	Platform string `yaml:"platform"`
	// Params are passed to the driver factory unchanged.
	Params map[string]string `yaml:"params"`
	// ProbeTimeout bounds each address probe during discovery.
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// SessionConfig holds session defaults. Zero values keep the library
// defaults.
type SessionConfig struct {
	Terminator   string   `yaml:"terminator"`
	OpenTimeout  Duration `yaml:"open_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	AddSource bool   `yaml:"add_source"`
	Console   bool   `yaml:"console"`
	// File enables a rotating log file instead of stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TraceConfig configures bus transaction tracing.
type TraceConfig struct {
	// File receives a CBOR trace when set.
	File string `yaml:"file"`
	// Log prints every transaction through the logger at debug level.
	Log bool `yaml:"log"`
}

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Platform:     "sim",
			Params:       map[string]string{},
			ProbeTimeout: Duration(100 * time.Millisecond),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes and validates a YAML configuration. Unknown keys are
// rejected. Fields missing from data keep their Default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field values without touching the bus.
func (c *Config) Validate() error {
	if c.Bus.Platform == "" {
		return fmt.Errorf("%w: bus.platform is required", ErrInvalidConfig)
	}

	for name, d := range map[string]Duration{
		"bus.probe_timeout":     c.Bus.ProbeTimeout,
		"session.open_timeout":  c.Session.OpenTimeout,
		"session.write_timeout": c.Session.WriteTimeout,
		"session.read_timeout":  c.Session.ReadTimeout,
	} {
		if d < 0 || d.Duration() > gpib.MaxTimeout {
			return fmt.Errorf("%w: %s %v out of range [0, %v]", ErrInvalidConfig, name, d.Duration(), gpib.MaxTimeout)
		}
	}

	for i := range len(c.Session.Terminator) {
		if c.Session.Terminator[i] > 0x7f {
			return fmt.Errorf("%w: session.terminator must be ASCII", ErrInvalidConfig)
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("%w: log rotation limits must not be negative", ErrInvalidConfig)
	}

	return nil
}

// SessionOptions converts the session section into session options. Unset
// fields produce no option.
func (c *Config) SessionOptions() []gpib.SessionOption {
	opts := make([]gpib.SessionOption, 0, 4)

	if c.Session.Terminator != "" {
		opts = append(opts, gpib.WithTerminator(c.Session.Terminator))
	}
	if c.Session.OpenTimeout > 0 {
		opts = append(opts, gpib.WithOpenTimeout(c.Session.OpenTimeout.Duration()))
	}
	if c.Session.WriteTimeout > 0 {
		opts = append(opts, gpib.WithWriteTimeout(c.Session.WriteTimeout.Duration()))
	}
	if c.Session.ReadTimeout > 0 {
		opts = append(opts, gpib.WithReadTimeout(c.Session.ReadTimeout.Duration()))
	}

	return opts
}

// InitContext builds the driver initialization context of the bus section.
// A nil logger keeps the package default.
func (c *Config) InitContext(l logger.Logger) (*gpib.InitContext, error) {
	opts := []gpib.InitOption{gpib.WithParams(c.Bus.Params)}
	if l != nil {
		opts = append(opts, gpib.WithInitLogger(l))
	}

	return gpib.NewInitContext(gpib.Platform(c.Bus.Platform), opts...)
}

// NewLogger builds the logger of the log section. The returned closer
// releases the log file, if any.
func (c *Config) NewLogger() (logger.Logger, io.Closer, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, err
	}

	if c.Log.File != "" {
		return logger.NewFileSlog(level, c.Log.AddSource, logger.FileOptions{
			Filename:   c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		})
	}

	l := logger.NewSlogWithOptions(logger.Options{
		Level:     level,
		AddSource: c.Log.AddSource,
		Console:   c.Log.Console,
	})

	return l, nopCloser{}, nil
}

// NewRecorder builds the trace recorder of the trace section. It returns
// trace.Nop when tracing is disabled.
func (c *Config) NewRecorder(l logger.Logger) (trace.Recorder, error) {
	recorders := make([]trace.Recorder, 0, 2)

	if c.Trace.File != "" {
		fr, err := trace.NewFileRecorder(c.Trace.File)
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, fr)
	}
	if c.Trace.Log {
		recorders = append(recorders, trace.NewSlogRecorder(l))
	}

	switch len(recorders) {
	case 0:
		return trace.Nop{}, nil
	case 1:
		return recorders[0], nil
	default:
		return trace.NewMulti(recorders...), nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
