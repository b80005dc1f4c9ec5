package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines reconnect and transport defaults for every managed session.
type Config struct {
	// MaxRetries is the transient-close retry budget. Zero means none.
	MaxRetries  int
	DialTimeout time.Duration
	Backoff     BackoffConfig
}

// DefaultConfig is five retries on a fixed five second delay.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		DialTimeout: 15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1.0,
		},
	}
}

// WithDefaults fills zero durations and multiplier from DefaultConfig.
// MaxRetries 0 disables automatic reconnects; only a negative value takes the
// default.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	return c
}
