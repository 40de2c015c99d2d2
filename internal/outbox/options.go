package outbox

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultWarnLevel     = 1000
	DefaultMaxLevel      = 5000
	DefaultRetryTime     = 30 * time.Second
	DefaultKeepTime      = 7 * 24 * time.Hour
	DefaultPollInterval  = time.Minute
	DefaultWaitThreshold = 5
)

// Config defines the thresholds and timings of an Outbox.
type Config struct {
	// Name identifies the outbox in logs and status. Defaults to the table.
	Name string
	// WarnLevel is the unsent count at which the outbox reports unhealthy.
	// It never affects inserts.
	WarnLevel int
	// MaxLevel is the unsent count at which inserts are refused.
	MaxLevel int
	// RetryTime is the delay before a failed row is attempted again.
	RetryTime time.Duration
	// KeepTime is how long sent rows are retained. Negative keeps them forever.
	KeepTime time.Duration
	// PollInterval bounds how long an idle worker sleeps without an insert.
	PollInterval time.Duration
	// WaitThreshold is the unsent count above which WaitUntilDone returns
	// immediately instead of waiting for a backlog to drain.
	WaitThreshold int
	Clock         Clock
	Logger        *slog.Logger
	Metrics       Metrics
}

func defaultConfig() Config {
	return Config{
		WarnLevel:     DefaultWarnLevel,
		MaxLevel:      DefaultMaxLevel,
		RetryTime:     DefaultRetryTime,
		KeepTime:      DefaultKeepTime,
		PollInterval:  DefaultPollInterval,
		WaitThreshold: DefaultWaitThreshold,
		Clock:         SystemClock{},
		Logger:        slog.Default(),
		Metrics:       NopMetrics{},
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxLevel <= 0:
		return fmt.Errorf("%w: max level must be positive", ErrInvalidConfig)
	case c.WarnLevel <= 0:
		return fmt.Errorf("%w: warn level must be positive", ErrInvalidConfig)
	case c.RetryTime <= 0:
		return fmt.Errorf("%w: retry time must be positive", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.WaitThreshold < 0:
		return fmt.Errorf("%w: wait threshold must be non-negative", ErrInvalidConfig)
	case c.Clock == nil, c.Logger == nil, c.Metrics == nil:
		return fmt.Errorf("%w: clock, logger and metrics are required", ErrInvalidConfig)
	}
	return nil
}

// Option configures an Outbox.
type Option func(*Config)

// WithName sets the name used in logs and status.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithWarnLevel sets the unsent count that marks the outbox unhealthy.
func WithWarnLevel(level int) Option {
	return func(c *Config) {
		c.WarnLevel = level
	}
}

// WithMaxLevel sets the unsent count at which inserts are refused.
func WithMaxLevel(level int) Option {
	return func(c *Config) {
		c.MaxLevel = level
	}
}

// WithRetryTime sets the delay after a failed send.
func WithRetryTime(d time.Duration) Option {
	return func(c *Config) {
		c.RetryTime = d
	}
}

// WithKeepTime sets the retention of sent rows. Negative disables pruning.
func WithKeepTime(d time.Duration) Option {
	return func(c *Config) {
		c.KeepTime = d
	}
}

// WithPollInterval sets the idle wake-up interval of the worker.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithWaitThreshold sets the backlog size above which WaitUntilDone
// doesn't wait.
func WithWaitThreshold(n int) Option {
	return func(c *Config) {
		c.WaitThreshold = n
	}
}

// WithClock sets the outbox clock.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the outbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the outbox metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}
