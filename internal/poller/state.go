package poller

import "time"

// State is the lifecycle state of a connection poller.
type State string

const (
	StateIdle         State = "idle"         // created, not started
	StatePolling      State = "polling"      // connected and fetching on every tick
	StateDisconnected State = "disconnected" // last fetch or connect failed, waiting to retry
	StateReconnecting State = "reconnecting" // opening a new connection
	StateStopped      State = "stopped"      // goroutine exited
)

// Status is a point-in-time view of a poller.
type Status struct {
	ConnectionKey string    `json:"connection_key"`
	Source        string    `json:"source"`
	State         State     `json:"state"`
	Channels      []string  `json:"channels"`
	LastPoll      time.Time `json:"last_poll,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Failures      int       `json:"failures"`
	Processed     uint64    `json:"processed"`
}

// Config controls polling cadence and recovery.
type Config struct {
	Interval        time.Duration
	FetchTimeout    time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	DispatchTimeout time.Duration

	// ReplayBacklog trades on messages already present when a channel is first seen.
	ReplayBacklog bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 2 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Minute
	}
	return c
}
