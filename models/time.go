package models

import "time"

// Clock is the source of time information. It allows tests to control the
// passing of time without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is a Clock backed by the system time.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// After waits for the duration to elapse and then sends the current time on
// the returned channel.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
