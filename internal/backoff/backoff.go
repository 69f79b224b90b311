// Package backoff holds the reconnect/retry schedule shared by the transport and the registrar.
package backoff

import "time"

// Policy maps an attempt number (1-based) to the delay before that attempt.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func New(base time.Duration, maxAttempts int) Policy {
	return Policy{BaseDelay: base, MaxAttempts: maxAttempts}
}

// Delay is BaseDelay * 2^(attempt-1). Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d > time.Duration(1<<62)/2 {
			return time.Duration(1<<63 - 1)
		}
		d *= 2
	}
	return d
}

// Allowed reports whether attempt may still be scheduled automatically.
func (p Policy) Allowed(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}
