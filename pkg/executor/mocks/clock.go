package mocks

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// AutoClock is a fake clock whose After completes at once, moving time
// forward by the waited duration. It lets a whole attempt run synchronously.
type AutoClock struct {
	*clockwork.FakeClock
}

var _ clockwork.Clock = (*AutoClock)(nil)

func NewAutoClock(now time.Time) *AutoClock {
	return &AutoClock{FakeClock: clockwork.NewFakeClockAt(now)}
}

func (c *AutoClock) After(d time.Duration) <-chan time.Time {
	ch := c.FakeClock.After(d)
	if d > 0 {
		c.FakeClock.Advance(d)
	}
	return ch
}
