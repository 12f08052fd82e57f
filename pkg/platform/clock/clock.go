// Package clock abstracts wall-clock access so batch components stay
// deterministic under test. Production code injects System; tests inject
// a fake with a scripted time.
package clock

import "time"

// Clock provides the two time operations the engine needs: reading the
// current instant and blocking for a backoff delay.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System reads the process wall clock.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }
