package conn

import (
	"time"

	"github.com/danmuck/capturectl/internal/protocol/frame"
)

const (
	DefaultAddress   = "127.0.0.1"
	DefaultPort      = 31318
	DefaultPortRange = 3
)

// BackoffConfig defines retry backoff behavior for pollers that reconnect.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines the target and transport defaults of a Manager.
type Config struct {
	Address string
	Port    int
	// PortRange is how many consecutive ports starting at Port are tried.
	PortRange      int
	ConnectTimeout time.Duration
	// IdleTimeout bounds how long Receive waits for the first byte of a
	// frame. Zero blocks until data or error.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Limits       frame.Limits
	Backoff      BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Address:        DefaultAddress,
		Port:           DefaultPort,
		PortRange:      DefaultPortRange,
		ConnectTimeout: time.Second,
		WriteTimeout:   5 * time.Second,
		Limits:         frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.PortRange <= 0 {
		c.PortRange = d.PortRange
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = d.Limits
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	return c
}
