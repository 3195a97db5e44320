package engine

import "time"

// ReconnectPolicy bounds push reconnection after a dropped subscription.
type ReconnectPolicy struct {
	// Attempts is the number of reconnect attempts before giving up.
	Attempts int

	// BaseDelay is the wait before the first attempt; each later attempt
	// doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy is used when no policy is configured.
var DefaultReconnectPolicy = ReconnectPolicy{
	Attempts:  5,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
