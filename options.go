package quotagate

import "time"

const (
	defaultRetryAttempts  = 3
	defaultRetryBackoff   = 50 * time.Millisecond
	defaultStoreTimeout   = 2 * time.Second
	defaultHandleCooldown = 30 * 24 * time.Hour
	defaultMaxPromptBytes = 32 << 10
)

type options struct {
	now            func() time.Time
	meter          Meter
	attempts       int
	backoff        time.Duration
	storeTimeout   time.Duration
	allotments     Allotments
	handleCooldown time.Duration
	maxPromptBytes int
	health         *HealthTracker
}

// Option configures a Gate, Admin, Recorder, Provisioner or Service.
type Option func(*options)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithRetry sets how many times a store read is attempted when the store
// is unavailable, and the base backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *options) {
		o.attempts = attempts
		o.backoff = backoff
	}
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) { o.storeTimeout = d }
}

// WithAllotments sets the default and per-tier daily allotments.
func WithAllotments(a Allotments) Option {
	return func(o *options) { o.allotments = a }
}

// WithHandleCooldown sets the minimum time between handle changes.
func WithHandleCooldown(d time.Duration) Option {
	return func(o *options) { o.handleCooldown = d }
}

// WithMaxPromptBytes caps the prompt size accepted by Service.Generate.
func WithMaxPromptBytes(n int) Option {
	return func(o *options) { o.maxPromptBytes = n }
}

// WithHealthTracker sets the generator health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *options) { o.health = h }
}

// WithConfig applies the quota, gate, admin and HTTP limits from cfg.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.allotments = cfg.Quota.Allotments()
		if cfg.Gate.RetryAttempts > 0 {
			o.attempts = cfg.Gate.RetryAttempts
		}
		if cfg.Gate.RetryBackoff > 0 {
			o.backoff = cfg.Gate.RetryBackoff
		}
		if cfg.Gate.StoreTimeout > 0 {
			o.storeTimeout = cfg.Gate.StoreTimeout
		}
		if cfg.Admin.HandleChangeCooldown > 0 {
			o.handleCooldown = cfg.Admin.HandleChangeCooldown
		}
		if cfg.HTTP.MaxPromptBytes > 0 {
			o.maxPromptBytes = cfg.HTTP.MaxPromptBytes
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:            time.Now,
		attempts:       defaultRetryAttempts,
		backoff:        defaultRetryBackoff,
		storeTimeout:   defaultStoreTimeout,
		allotments:     DefaultAllotments(),
		handleCooldown: defaultHandleCooldown,
		maxPromptBytes: defaultMaxPromptBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Apply defaults after options.
	if o.meter == nil {
		o.meter = noopMeter{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.attempts < 1 {
		o.attempts = 1
	}
	return o
}
