package offline

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCacheTTL applies when a caller caches without a TTL.
	DefaultCacheTTL = time.Hour

	// DefaultMaxRetries is the replay ceiling for a queued action.
	DefaultMaxRetries = 3

	// DefaultSweepInterval is how often expired cache entries are purged.
	DefaultSweepInterval = 5 * time.Minute
)

type options struct {
	log           *zap.Logger
	metrics       *Metrics
	now           func() time.Time
	ttl           time.Duration
	maxRetries    int
	sweepInterval time.Duration
}

// Option configures the Dispatcher and its collaborators.
type Option func(*options)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithDefaultTTL sets the TTL used when a caller caches without one.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithMaxRetries sets the default replay ceiling for new actions.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithSweepInterval sets how often Start purges expired cache entries.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:           zap.NewNop(),
		now:           time.Now,
		ttl:           DefaultCacheTTL,
		maxRetries:    DefaultMaxRetries,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
