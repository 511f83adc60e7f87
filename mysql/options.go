package mysql

import "github.com/velmie/dispatch"

const (
	defaultTable       = "dispatch_failed_deliveries"
	defaultMaxAttempts = 5
)

// Config defines ledger store behavior.
type Config struct {
	Table string
	// MaxAttempts is the number of failed replays after which a record is dead.
	MaxAttempts        int
	Clock              dispatch.Clock
	Generator          dispatch.IDGenerator
	ValidatePayload    bool
	validatePayloadSet bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = dispatch.SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = dispatch.NewUUIDv7
	}
	if !c.validatePayloadSet {
		c.ValidatePayload = true
	}

	return c
}

// Option configures the ledger store.
type Option func(*Config)

// WithTable sets the ledger table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithMaxAttempts sets the replay limit before marking a record as dead.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock dispatch.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithGenerator sets the UUID generator.
func WithGenerator(gen dispatch.IDGenerator) Option {
	return func(c *Config) {
		c.Generator = gen
	}
}

// WithValidatePayload enables or disables validation of recorded deliveries.
func WithValidatePayload(enabled bool) Option {
	return func(c *Config) {
		c.ValidatePayload = enabled
		c.validatePayloadSet = true
	}
}
