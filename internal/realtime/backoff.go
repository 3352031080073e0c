package realtime

import (
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

const (
	// DefaultBaseDelay is the delay unit the backoff doubles from.
	DefaultBaseDelay = 1 * time.Second
	// DefaultMaxDelay caps a single reconnect delay.
	DefaultMaxDelay = 30 * time.Second
	// DefaultMaxReconnectAttempts is the number of automatic retries before
	// the connection stays down until Connect is called again.
	DefaultMaxReconnectAttempts = 5
	// DefaultConnectTimeout bounds the handshake of a single dial.
	DefaultConnectTimeout = 20 * time.Second
)

// Backoff computes reconnect delays: min(Base * 2^attempt, Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before reconnect attempt n (n >= 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max || delay <= 0 {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// clockScheduler schedules callbacks on the wall clock.
type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, fn func()) ports.Timer {
	return time.AfterFunc(d, fn)
}

// ClockScheduler returns the wall-clock scheduler used by default.
func ClockScheduler() ports.Scheduler {
	return clockScheduler{}
}
