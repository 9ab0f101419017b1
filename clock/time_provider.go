// Package clock abstracts time for the call stack so that ring timeouts,
// reconnection backoff and stats sampling can be driven deterministically
// in tests.
package clock

import "time"

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration

	// AfterFunc waits for the duration to elapse and then calls f in its
	// own goroutine. The returned Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call scheduled by AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// has already fired or been stopped.
	Stop() bool
}

// DefaultTimeProvider implements TimeProvider using the system clock.
type DefaultTimeProvider struct{}

// NewDefaultTimeProvider creates a new DefaultTimeProvider.
func NewDefaultTimeProvider() *DefaultTimeProvider {
	return &DefaultTimeProvider{}
}

// Now returns the current system time.
func (p *DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

// Since returns the duration elapsed since t using the system clock.
func (p *DefaultTimeProvider) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// AfterFunc schedules f on the system clock.
func (p *DefaultTimeProvider) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// OrDefault returns tp, or the system clock when tp is nil.
func OrDefault(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return NewDefaultTimeProvider()
}
