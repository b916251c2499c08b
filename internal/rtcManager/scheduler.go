package rtcManager

import "time"

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running and reports whether it was
	// still pending.
	Stop() bool
}

// Scheduler runs delayed callbacks. Every timer a session starts goes
// through its Scheduler so teardown can account for all of them.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

// WallClock schedules on real time.
func WallClock() Scheduler { return wallClock{} }

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
