package session

import "time"

// ReconnectPolicy bounds automatic reconnection after a transient drop.
// Without a cap, a flapping upstream would keep a dead session burning
// dial attempts forever.
type ReconnectPolicy struct {
	// MaxAttempts is the number of consecutive failed reconnects tolerated
	// before the session is marked disconnected for good.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each subsequent retry
	// doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy is used when configuration does not override it.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before the given retry attempt (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
