// Package clock abstracts the time package so the node's periodic tasks
// and irrigation timers can be driven deterministically in tests.
package clock

import "time"

// Clock is implemented by Real and by FakeClock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It returns false if the call already
// ran or the timer was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
