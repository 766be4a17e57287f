package workflow

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/internal/config"
	"github.com/pitabwire/durable/internal/observability"
	"github.com/pitabwire/durable/model"
)

// Options configures a Worker or Client.
type Options struct {
	WorkerID                uuid.UUID
	Clock                   model.Clock
	Logger                  *zap.Logger
	Metrics                 *observability.Metrics
	TickInterval            time.Duration
	GCInterval              time.Duration
	ActivityConcurrency     int
	ActivityTimeout         time.Duration
	MaxActivityRetries      int
	InProcessSleepThreshold time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithWorkerID fixes the worker instance id. By default every worker gets a
// fresh one.
func WithWorkerID(id uuid.UUID) Option {
	return func(o *Options) { o.WorkerID = id }
}

// WithClock overrides time.Now for deadlines and retry schedules.
func WithClock(c model.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the Prometheus instruments. Without it metrics go to a
// private registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTickInterval sets how often the worker polls without a wake.
func WithTickInterval(d time.Duration) Option {
	return func(o *Options) { o.TickInterval = d }
}

// WithGCInterval sets the ping, lease and metrics interval.
func WithGCInterval(d time.Duration) Option {
	return func(o *Options) { o.GCInterval = d }
}

// WithActivityConcurrency bounds activities running at once across the
// worker.
func WithActivityConcurrency(n int) Option {
	return func(o *Options) { o.ActivityConcurrency = n }
}

// WithActivityTimeout sets the default per-attempt activity timeout.
func WithActivityTimeout(d time.Duration) Option {
	return func(o *Options) { o.ActivityTimeout = d }
}

// WithMaxActivityRetries sets the default activity retry budget.
func WithMaxActivityRetries(n int) Option {
	return func(o *Options) { o.MaxActivityRetries = n }
}

// WithInProcessSleepThreshold sets the longest sleep waited in-process
// instead of yielding.
func WithInProcessSleepThreshold(d time.Duration) Option {
	return func(o *Options) { o.InProcessSleepThreshold = d }
}

// FromConfig applies the worker section of the configuration file.
func FromConfig(cfg config.WorkerConfig) Option {
	return func(o *Options) {
		o.TickInterval = cfg.TickInterval
		o.GCInterval = cfg.GCInterval
		o.ActivityConcurrency = cfg.ActivityConcurrency
		o.ActivityTimeout = cfg.ActivityTimeout
		o.MaxActivityRetries = cfg.MaxActivityRetries
		o.InProcessSleepThreshold = cfg.InProcessSleepThreshold
	}
}

func applyOptions(opts []Option) Options {
	d := config.Defaults().Worker
	o := Options{
		WorkerID:                uuid.New(),
		Clock:                   time.Now,
		Logger:                  zap.NewNop(),
		TickInterval:            d.TickInterval,
		GCInterval:              d.GCInterval,
		ActivityConcurrency:     d.ActivityConcurrency,
		ActivityTimeout:         d.ActivityTimeout,
		MaxActivityRetries:      d.MaxActivityRetries,
		InProcessSleepThreshold: d.InProcessSleepThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewUnregisteredMetrics()
	}
	if o.ActivityConcurrency <= 0 {
		o.ActivityConcurrency = d.ActivityConcurrency
	}
	if o.MaxActivityRetries <= 0 {
		o.MaxActivityRetries = d.MaxActivityRetries
	}
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = d.ActivityTimeout
	}
	return o
}

func (o Options) now() time.Time {
	return o.Clock().UTC().Truncate(time.Millisecond)
}
