// Package scheduler provides the timer and event-loop abstraction that the
// transport, visitor client and session run on.
package scheduler

import "time"

// Timer is a cancelable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running again. It reports whether the
	// timer was still active.
	Stop() bool
}

// Scheduler runs callbacks on a single logical goroutine.
type Scheduler interface {
	Now() time.Time
	// After runs fn once after d.
	After(d time.Duration, fn func()) Timer
	// Every runs fn every d until stopped.
	Every(d time.Duration, fn func()) Timer
	// Post queues fn to run on the scheduler goroutine.
	Post(fn func())
}
