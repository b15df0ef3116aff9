package missions

import "time"

// Config carries the timing and retry policy of an Engine. Zero fields
// fall back to the DefaultConfig values.
type Config struct {
	// ResponseTimeout bounds each request-response pairing: count
	// requests, item requests and item acknowledgments.
	ResponseTimeout time.Duration

	// ClearAckTimeout bounds the advisory wait for a clear
	// acknowledgment. Some firmware never sends one, so expiry of this
	// wait is acceptance, not an error.
	ClearAckTimeout time.Duration

	// MaxAttempts is the total number of sends for one pending request
	// before the whole transfer fails.
	MaxAttempts int

	// InboxSize bounds buffered inbound messages. A full inbox drops
	// instead of blocking the transport; the retry discipline recovers.
	InboxSize int
}

// DefaultConfig returns the stock timing policy.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout: 2 * time.Second,
		ClearAckTimeout: time.Second,
		MaxAttempts:     3,
		InboxSize:       64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.ClearAckTimeout <= 0 {
		c.ClearAckTimeout = d.ClearAckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}
