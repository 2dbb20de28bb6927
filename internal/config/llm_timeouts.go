package config

import "time"

// LLMTimeouts centralizes timing for provider calls.
//
// There is no deadline across a whole retry loop; only PerCallTimeout bounds
// a single request, and the attempt count bounds the loop.
type LLMTimeouts struct {
	// PerCallTimeout wraps each provider request. Expiry is a transport error.
	PerCallTimeout time.Duration

	// RetryBackoffBase scales the 2^attempt rate-limit backoff.
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps any single backoff, including server-suggested delays.
	RetryBackoffMax time.Duration

	// TransportRetryDelay is the flat pause after network or 5xx failures.
	TransportRetryDelay time.Duration
}

// DefaultLLMTimeouts returns the values used when config strings are empty or invalid.
func DefaultLLMTimeouts() LLMTimeouts {
	return LLMTimeouts{
		PerCallTimeout:      3 * time.Minute,
		RetryBackoffBase:    1 * time.Second,
		RetryBackoffMax:     60 * time.Second,
		TransportRetryDelay: 2 * time.Second,
	}
}

// Timeouts resolves the LLM timing strings.
func (c *Config) Timeouts() LLMTimeouts {
	def := DefaultLLMTimeouts()
	return LLMTimeouts{
		PerCallTimeout:      parseDuration(c.LLM.PerCallTimeout, def.PerCallTimeout),
		RetryBackoffBase:    parseDuration(c.LLM.RetryBackoffBase, def.RetryBackoffBase),
		RetryBackoffMax:     parseDuration(c.LLM.RetryBackoffMax, def.RetryBackoffMax),
		TransportRetryDelay: parseDuration(c.LLM.TransportRetryDelay, def.TransportRetryDelay),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
