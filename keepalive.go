package mqttc

import (
	"sync"
	"time"
)

// keepAliveGraceFactor is the multiplier applied to the keep-alive interval
// before a missing PINGRESP is treated as a dead connection.
const keepAliveGraceFactor = 1.5

// KeepAlive schedules PINGREQ for a single connection and watches for the
// matching PINGRESP. A PINGREQ becomes due after the interval passes with no
// outbound traffic; a PINGRESP must arrive within the grace window or the
// connection is considered dead. An interval of zero disables everything.
type KeepAlive struct {
	mu sync.Mutex

	interval time.Duration

	lastSent     time.Time // last outbound packet of any kind
	lastReceived time.Time // last inbound packet of any kind

	pingOutstanding bool
	pingSentAt      time.Time
}

// NewKeepAlive creates a schedule from a keep-alive interval in seconds.
func NewKeepAlive(seconds uint16) *KeepAlive {
	return &KeepAlive{
		interval: time.Duration(seconds) * time.Second,
	}
}

// Interval returns the configured keep-alive interval.
func (k *KeepAlive) Interval() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interval
}

// SetInterval replaces the interval. Used when a v5 CONNACK carries a
// SERVER_KEEP_ALIVE override.
func (k *KeepAlive) SetInterval(seconds uint16) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.interval = time.Duration(seconds) * time.Second
}

// Reset restarts the schedule at connection establishment.
func (k *KeepAlive) Reset(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lastSent = now
	k.lastReceived = now
	k.pingOutstanding = false
}

// PacketSent records outbound traffic, pushing the next PINGREQ out.
func (k *KeepAlive) PacketSent(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastSent = now
}

// PacketReceived records inbound traffic.
func (k *KeepAlive) PacketReceived(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastReceived = now
}

// PingDue reports whether a PINGREQ should be sent: the interval elapsed
// since the last outbound packet and no ping is already outstanding.
func (k *KeepAlive) PingDue(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.interval == 0 || k.pingOutstanding {
		return false
	}
	return now.Sub(k.lastSent) >= k.interval
}

// PingSent records that a PINGREQ went out and starts the response window.
func (k *KeepAlive) PingSent(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.pingOutstanding = true
	k.pingSentAt = now
	k.lastSent = now
}

// PongReceived clears the outstanding ping.
func (k *KeepAlive) PongReceived(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.pingOutstanding = false
	k.lastReceived = now
}

// Expired reports whether an outstanding PINGREQ has gone unanswered past
// the grace window. This is a fatal transport error.
func (k *KeepAlive) Expired(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.interval == 0 || !k.pingOutstanding {
		return false
	}

	window := time.Duration(float64(k.interval) * (keepAliveGraceFactor - 1))
	return now.Sub(k.pingSentAt) > window
}

// NextDeadline returns the next point in time the loop must wake to service
// the schedule, or zero when keep-alive is disabled.
func (k *KeepAlive) NextDeadline() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.interval == 0 {
		return time.Time{}
	}

	if k.pingOutstanding {
		window := time.Duration(float64(k.interval) * (keepAliveGraceFactor - 1))
		return k.pingSentAt.Add(window)
	}
	return k.lastSent.Add(k.interval)
}
