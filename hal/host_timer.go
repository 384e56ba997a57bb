package hal

import (
	"context"
	"time"
)

// HostTimer is a Timer in wall-clock time. The underlying ticker may drop
// ticks under load; elapsed time is accumulated and converted to whole
// periods, so late fires are caught up and a fractional period never drifts.
// Ticks the consumer does not pick up within the channel buffer are dropped.
type HostTimer struct {
	period time.Duration
	ch     chan uint64
	seq    uint64

	now  func() time.Time
	last time.Time
	acc  time.Duration
}

// NewHostTimer returns a stopped host timer.
func NewHostTimer(period time.Duration) (*HostTimer, error) {
	return newHostTimerWithClock(period, time.Now)
}

func newHostTimerWithClock(period time.Duration, now func() time.Time) (*HostTimer, error) {
	if period <= 0 {
		return nil, ErrBadPeriod
	}
	return &HostTimer{period: period, ch: make(chan uint64, 1024), now: now}, nil
}

// Period returns the tick period.
func (t *HostTimer) Period() time.Duration { return t.period }

// Ticks returns the tick stream. Each value is the sequence number of a tick.
func (t *HostTimer) Ticks() <-chan uint64 { return t.ch }

// Run feeds the tick stream until ctx is done.
func (t *HostTimer) Run(ctx context.Context) error {
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			t.step()
		}
	}
}

func (t *HostTimer) step() {
	now := t.now()
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(1)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / t.period)
	if ticks == 0 {
		return
	}
	t.acc = t.acc % t.period
	t.stepN(ticks)
}

func (t *HostTimer) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
