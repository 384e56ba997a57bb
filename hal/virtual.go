package hal

import (
	"fmt"
	"time"
)

type virtualTimer struct {
	period time.Duration
	next   time.Duration
	fired  uint64
	fire   func() error
}

// VirtualClock fires periodic timers in simulated time. Expiries are
// processed in time order and simultaneous expiries in registration order,
// so a run with mutually prime periods interleaves the same way every time.
// It is not safe for concurrent use.
type VirtualClock struct {
	now    time.Duration
	timers []*virtualTimer
}

// NewVirtualClock returns a clock at time zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

// Add registers a timer whose first expiry is one period from now. It
// returns the timer index.
func (c *VirtualClock) Add(period time.Duration, fire func() error) (int, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrBadPeriod, period)
	}
	c.timers = append(c.timers, &virtualTimer{period: period, next: c.now + period, fire: fire})
	return len(c.timers) - 1, nil
}

// Now returns the simulated time.
func (c *VirtualClock) Now() time.Duration { return c.now }

// Fired returns how often timer i expired.
func (c *VirtualClock) Fired(i int) uint64 {
	if i < 0 || i >= len(c.timers) {
		return 0
	}
	return c.timers[i].fired
}

// Advance moves the clock forward by d, firing every expiry up to and
// including the new time. It stops at the first error returned by a timer;
// the clock then stays at that expiry.
func (c *VirtualClock) Advance(d time.Duration) error {
	end := c.now + d
	for {
		t, i := c.earliest()
		if t == nil || t.next > end {
			break
		}
		c.now = t.next
		t.next += t.period
		t.fired++
		if err := t.fire(); err != nil {
			return fmt.Errorf("timer %d at %v: %w", i, c.now, err)
		}
	}
	c.now = end
	return nil
}

func (c *VirtualClock) earliest() (*virtualTimer, int) {
	var best *virtualTimer
	idx := -1
	for i, t := range c.timers {
		if best == nil || t.next < best.next {
			best, idx = t, i
		}
	}
	return best, idx
}
