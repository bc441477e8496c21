// Package system provides the wall clock.
package system

import "time"

// Clock implements pages.Clock. Times are UTC and truncated to microseconds,
// the resolution Postgres keeps, so the memory and Postgres stores compare
// registry timestamps the same way.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
