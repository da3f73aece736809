package connection

import (
	"math/rand"
	"time"
)

// BackoffPolicy controls the delay between reconnect attempts, per the
// exponential-backoff-with-jitter scheme the runtime uses instead of
// the teacher's fixed RetryReconnectSec sleep.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int // 0 means unlimited
}

// DefaultBackoffPolicy matches the defaults the runtime documents for
// the reconnect state machine.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 1000 * time.Millisecond,
		MaxDelay:     30000 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   10,
	}
}

func (p BackoffPolicy) applyDefaults() BackoffPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultBackoffPolicy().InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultBackoffPolicy().MaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultBackoffPolicy().Multiplier
	}
	return p
}

// delay computes the backoff for the given zero-based attempt number,
// with up to 30% jitter applied on top of the exponential curve so a
// fleet of reconnecting clients doesn't thunder the broker in lockstep.
func (p BackoffPolicy) delay(attempt int) time.Duration {
	p = p.applyDefaults()
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	jitter := d * 0.3 * rand.Float64()
	total := d + jitter
	if total > float64(p.MaxDelay) {
		total = float64(p.MaxDelay)
	}
	return time.Duration(total)
}

// exhausted reports whether attempt (zero-based, about to be made) is
// past the configured retry budget. MaxRetries == 0 means unlimited.
func (p BackoffPolicy) exhausted(attempt int) bool {
	return p.MaxRetries > 0 && attempt >= p.MaxRetries
}
