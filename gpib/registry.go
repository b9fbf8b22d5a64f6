package gpib

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-gpib/logger"
)

// Platform identifies an adapter variant, e.g. "prologix-serial" or "sim".
type Platform string

// InitContext carries the result of the one-time driver initialization
// performed by the host application.
//
// It is created once and passed by reference into every adapter
// construction; there is no process-wide "driver loaded" state.
type InitContext struct {
	platform Platform
	params   map[string]string
	logger   logger.Logger
}

// InitOption configures an InitContext.
type InitOption interface {
	apply(*InitContext) error
}

type initOptFunc func(*InitContext) error

func (f initOptFunc) apply(ictx *InitContext) error { return f(ictx) }

// NewInitContext creates the initialization context for platform.
func NewInitContext(platform Platform, opts ...InitOption) (*InitContext, error) {
	if platform == "" {
		return nil, errors.New("gpib: platform is empty")
	}

	ictx := &InitContext{
		platform: platform,
		params:   make(map[string]string),
		logger:   logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(ictx); err != nil {
			return nil, err
		}
	}

	return ictx, nil
}

// WithParam sets a driver parameter such as "port" or "baud".
func WithParam(key, value string) InitOption {
	return initOptFunc(func(ictx *InitContext) error {
		if key == "" {
			return errors.New("gpib: parameter key is empty")
		}
		ictx.params[key] = value

		return nil
	})
}

// WithParams sets several driver parameters.
func WithParams(params map[string]string) InitOption {
	return initOptFunc(func(ictx *InitContext) error {
		maps.Copy(ictx.params, params)
		return nil
	})
}

// WithInitLogger sets the logger handed to adapters.
func WithInitLogger(l logger.Logger) InitOption {
	return initOptFunc(func(ictx *InitContext) error {
		if l == nil {
			return errors.New("gpib: logger must not be nil")
		}
		ictx.logger = l

		return nil
	})
}

// Platform returns the platform identifier.
func (ictx *InitContext) Platform() Platform { return ictx.platform }

// Logger returns the logger adapters should use.
func (ictx *InitContext) Logger() logger.Logger { return ictx.logger }

// Param returns a driver parameter and whether it is set.
func (ictx *InitContext) Param(key string) (string, bool) {
	v, ok := ictx.params[key]
	return v, ok
}

// ParamOr returns a driver parameter or def when it is not set.
func (ictx *InitContext) ParamOr(key, def string) string {
	if v, ok := ictx.params[key]; ok && v != "" {
		return v
	}

	return def
}

// IntParam parses an integer driver parameter, returning def when it is not set.
func (ictx *InitContext) IntParam(key string, def int) (int, error) {
	v, ok := ictx.params[key]
	if !ok || v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("gpib: parameter %q: %w", key, err)
	}

	return n, nil
}

// DurationParam parses a duration driver parameter, returning def when it is not set.
func (ictx *InitContext) DurationParam(key string, def time.Duration) (time.Duration, error) {
	v, ok := ictx.params[key]
	if !ok || v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("gpib: parameter %q: %w", key, err)
	}

	return d, nil
}

// DriverFactory builds an adapter from an initialization context.
type DriverFactory func(ictx *InitContext) (Adapter, error)

// Registry maps platform identifiers to adapter factories.
//
// It is injected at startup; session logic never branches on platform.
type Registry struct {
	factories *xsync.MapOf[Platform, DriverFactory]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: xsync.NewMapOf[Platform, DriverFactory]()}
}

// Register associates factory with platform, replacing any previous registration.
func (r *Registry) Register(platform Platform, factory DriverFactory) error {
	if platform == "" {
		return errors.New("gpib: platform is empty")
	}
	if factory == nil {
		return fmt.Errorf("gpib: nil driver factory for platform %q", platform)
	}

	r.factories.Store(platform, factory)

	return nil
}

// Platforms returns the registered platform identifiers in sorted order.
func (r *Registry) Platforms() []Platform {
	platforms := make([]Platform, 0, r.factories.Size())
	r.factories.Range(func(p Platform, _ DriverFactory) bool {
		platforms = append(platforms, p)
		return true
	})
	slices.Sort(platforms)

	return platforms
}

// IsSupported reports whether a factory is registered for platform.
func (r *Registry) IsSupported(platform Platform) bool {
	_, ok := r.factories.Load(platform)
	return ok
}

// NewAdapter builds the adapter for the context's platform.
func (r *Registry) NewAdapter(ictx *InitContext) (Adapter, error) {
	if ictx == nil {
		return nil, errors.New("gpib: init context is nil")
	}

	factory, ok := r.factories.Load(ictx.platform)
	if !ok {
		return nil, fmt.Errorf("%w: no driver registered for platform %q", ErrUnsupported, ictx.platform)
	}

	adapter, err := factory(ictx)
	if err != nil {
		return nil, fmt.Errorf("gpib: create %q adapter: %w", ictx.platform, err)
	}

	ictx.logger.Info("gpib: adapter created", "platform", string(ictx.platform))

	return adapter, nil
}
