// Package hal provides the timer sources that drive the kernels: a host
// ticker in real time and a virtual clock for deterministic runs.
package hal

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrBadPeriod is returned for timer periods that are not positive.
var ErrBadPeriod = errors.New("bad timer period")

// Timer provides a periodic tick stream.
//
// Each value received is the sequence number of the tick, starting at 1.
type Timer interface {
	Period() time.Duration
	Ticks() <-chan uint64
}

// PeriodFromMs converts a tick period in (possibly fractional) milliseconds
// to a duration with nanosecond resolution.
func PeriodFromMs(ms float64) (time.Duration, error) {
	if math.IsNaN(ms) || ms <= 0 || ms*float64(time.Millisecond) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v ms", ErrBadPeriod, ms)
	}
	d := time.Duration(math.Round(ms * float64(time.Millisecond)))
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v ms", ErrBadPeriod, ms)
	}
	return d, nil
}
