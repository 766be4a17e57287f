// Package driver holds settings shared by the storage drivers.
package driver

import (
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/durable/model"
)

// Defaults applied when an option is not given.
const (
	DefaultPullLimit = 50
	DefaultLeaseTTL  = 60 * time.Second
)

// Options configures a driver.
type Options struct {
	Clock     model.Clock
	Bus       model.Bus
	PullLimit int
	LeaseTTL  time.Duration
	Logger    *zap.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithClock overrides time.Now.
func WithClock(c model.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithBus sets the message plane. Drivers pick their own default.
func WithBus(b model.Bus) Option {
	return func(o *Options) { o.Bus = b }
}

// WithPullLimit caps how many workflows one pull leases.
func WithPullLimit(n int) Option {
	return func(o *Options) { o.PullLimit = n }
}

// WithLeaseTTL sets how long a pulled workflow stays leased without a ping.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *Options) { o.LeaseTTL = d }
}

// WithLogger sets the driver's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Apply resolves opts over the defaults.
func Apply(opts ...Option) Options {
	o := Options{
		Clock:     time.Now,
		PullLimit: DefaultPullLimit,
		LeaseTTL:  DefaultLeaseTTL,
		Logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Now returns the current time truncated to milliseconds, the resolution
// every driver persists.
func (o Options) Now() time.Time {
	return o.Clock().UTC().Truncate(time.Millisecond)
}

// InFilter reports whether name is one of names.
func InFilter(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
