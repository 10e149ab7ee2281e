package worker

import "time"

const (
	// DefaultBackoffBase is the delay after the first failure.
	DefaultBackoffBase = 10 * time.Second

	// DefaultBackoffCap bounds the delay regardless of attempt count.
	DefaultBackoffCap = 30 * time.Minute
)

// BackoffPolicy computes the requeue delay after a handler failure:
// exponential doubling from Base, capped at Cap.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoffPolicy returns the production policy (10s base, 30m cap).
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay returns the backoff for the given attempt count, where attempts is
// the value after the failure being recorded (first failure = 1).
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}
