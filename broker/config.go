package broker

import (
	"fmt"
	"time"
)

// Settings tunes exchange access shared by every account.
type Settings struct {
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout" json:"init_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultSettings returns the settings used when the config file leaves them out.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout: 15 * time.Second,
		InitTimeout:    30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     500 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from DefaultSettings.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.InitTimeout <= 0 {
		s.InitTimeout = d.InitTimeout
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = d.RetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	return s
}

// Validate rejects settings that would make retries unbounded.
func (s Settings) Validate() error {
	if s.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts must be at most 10, got %d", s.RetryAttempts)
	}
	if s.RetryDelay > time.Minute {
		return fmt.Errorf("retry_delay must be at most 1m, got %s", s.RetryDelay)
	}
	return nil
}
