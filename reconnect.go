package mqttc

import "time"

// ReconnectPolicy decides how long to wait before reconnect attempt n
// (1-based). Returning ok == false stops further attempts.
type ReconnectPolicy interface {
	NextDelay(attempt int) (delay time.Duration, ok bool)
}

// ExponentialBackoff doubles the delay from Base up to Max on every
// attempt. MaxAttempts of zero means unlimited.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is the reconnect policy used when none is configured:
// 1s doubling up to 2min, retrying forever.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base: time.Second,
		Max:  2 * time.Minute,
	}
}

// NextDelay returns the delay before the given attempt.
func (b *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}

	delay := b.Base
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay, true
}

// NoReconnect is a policy that never retries.
type NoReconnect struct{}

// NextDelay always declines.
func (NoReconnect) NextDelay(int) (time.Duration, bool) {
	return 0, false
}
