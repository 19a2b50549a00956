// Package retry implements the bounded exponential backoff shared by
// connection re-establishment and best-effort registrations.
package retry

import "time"

// Policy describes one backoff cycle. MaxAttempts counts every attempt,
// including the immediate first one; zero or less means unbounded.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

var (
	// RegistrationPolicy is used for device and push-token registration.
	RegistrationPolicy = Policy{InitialDelay: 5 * time.Second, MaxDelay: 300 * time.Second, MaxAttempts: 5}
	// ConnectionPolicy never gives up.
	ConnectionPolicy = Policy{InitialDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
)

func (p Policy) Unbounded() bool { return p.MaxAttempts <= 0 }

// Backoff is the delay state of one cycle. It holds no timers; callers ask
// for the next delay after a failure and wait however they like.
type Backoff struct {
	policy   Policy
	failures int
}

func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// NextDelay records a failure and returns the delay before the next attempt.
// ok is false once the policy's attempts are used up.
func (b *Backoff) NextDelay() (d time.Duration, ok bool) {
	b.failures++
	if !b.policy.Unbounded() && b.failures >= b.policy.MaxAttempts {
		return 0, false
	}
	return b.delayFor(b.failures), true
}

// Peek returns the delay NextDelay would return without recording anything.
func (b *Backoff) Peek() time.Duration {
	return b.delayFor(b.failures + 1)
}

func (b *Backoff) delayFor(failures int) time.Duration {
	d := b.policy.InitialDelay
	if d <= 0 {
		return 0
	}
	for i := 1; i < failures; i++ {
		if b.policy.MaxDelay > 0 && d >= b.policy.MaxDelay {
			break
		}
		d *= 2
	}
	if b.policy.MaxDelay > 0 && d > b.policy.MaxDelay {
		d = b.policy.MaxDelay
	}
	return d
}

// Reset starts the cycle over; the next attempt is immediate again.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures is the number of failures recorded since the last Reset.
func (b *Backoff) Failures() int {
	return b.failures
}
