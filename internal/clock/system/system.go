// Package system is the wall clock used outside tests.
package system

import "time"

// Clock returns UTC wall time truncated to microseconds, the precision
// Postgres keeps for timestamptz. Timestamps therefore compare the same
// before and after a round trip through the record store.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now implements records.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
