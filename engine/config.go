package engine

import "time"

// Config collects the resource limits and defaults a Scheduler enforces
// (§5's resource-limit table). It is built through functional Options,
// grounded on its graph/options.go Option func(*engineConfig)
// error pattern.
type Config struct {
	// MaxMultiInstanceFanOut caps the number of iterations a multi-instance
	// activity may spawn in parallel mode before ErrMultiInstanceOverflow.
	MaxMultiInstanceFanOut int

	// MaxStandardLoopIterations caps a standard (non-multi-instance) loop
	// activity's repeat count.
	MaxStandardLoopIterations int

	// DefaultTaskTimeout is not read by the Scheduler: no implicit timeout
	// is applied to any task, whatever its value.
	DefaultTaskTimeout time.Duration

	// MaxConcurrentBranches is not read by the Scheduler: every fork runs
	// one goroutine per branch, with no cap, whatever its value.
	MaxConcurrentBranches int
}

// Option configures a Config.
type Option func(*Config) error

// DefaultConfig returns the configuration used when NewScheduler is given
// no Options: 1024 max multi-instance fan-out (§5), 100 max standard-loop
// iterations (§4.6), no implicit task timeout, unbounded branch
// concurrency.
func DefaultConfig() Config {
	return Config{
		MaxMultiInstanceFanOut:    1024,
		MaxStandardLoopIterations: 100,
	}
}

func newConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// WithMaxMultiInstanceFanOut overrides the multi-instance parallel
// fan-out cap.
func WithMaxMultiInstanceFanOut(n int) Option {
	return func(c *Config) error {
		c.MaxMultiInstanceFanOut = n
		return nil
	}
}

// WithMaxStandardLoopIterations overrides the standard-loop iteration cap.
func WithMaxStandardLoopIterations(n int) Option {
	return func(c *Config) error {
		c.MaxStandardLoopIterations = n
		return nil
	}
}

// WithDefaultTaskTimeout sets Config.DefaultTaskTimeout, which the
// Scheduler does not apply.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.DefaultTaskTimeout = d
		return nil
	}
}

// WithMaxConcurrentBranches sets Config.MaxConcurrentBranches, which the
// Scheduler does not apply.
func WithMaxConcurrentBranches(n int) Option {
	return func(c *Config) error {
		c.MaxConcurrentBranches = n
		return nil
	}
}
