// Package clock abstracts wall-clock time so that timers (grace periods,
// queue deadlines, redirect countdowns) can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The fake clock calls f synchronously from Advance.
	AfterFunc(d time.Duration, f func()) *Timer

	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. It reports whether the call stopped the timer.
func (t *Timer) Stop() bool { return t.stop() }

func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
