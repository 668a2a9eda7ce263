package ipc

import (
	"fmt"
	"time"
)

// Config defines host-side protocol timing.
type Config struct {
	// ReadyTimeout bounds the start handshake.
	ReadyTimeout time.Duration
	// RequestTimeout is the deadline given to every request.
	RequestTimeout time.Duration
	// StopTimeout bounds each stop phase: acknowledgement, then exit after
	// SIGTERM.
	StopTimeout   time.Duration
	SweepInterval time.Duration
	Limits        Limits
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout:   5 * time.Second,
		RequestTimeout: 30 * time.Second,
		StopTimeout:    5 * time.Second,
		SweepInterval:  time.Second,
		Limits:         DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Limits.MaxMessageBytes <= 0 {
		c.Limits = def.Limits
	}
	return c
}

func (c Config) Validate() error {
	if c.SweepInterval > c.RequestTimeout {
		return fmt.Errorf("ipc config: sweep interval %s exceeds request timeout %s", c.SweepInterval, c.RequestTimeout)
	}
	return nil
}
