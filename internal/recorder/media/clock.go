package media

import (
	"time"

	"k8s.io/utils/clock"
)

// CaptureClock stamps captured frames and PCM blocks in microseconds since
// the session epoch. Both tracks share one clock so their timestamps are
// directly comparable. Stamps are always positive.
type CaptureClock struct {
	clock clock.PassiveClock
	epoch time.Time
}

// NewCaptureClock starts a capture clock at the current time of c.
func NewCaptureClock(c clock.PassiveClock) *CaptureClock {
	if c == nil {
		c = clock.RealClock{}
	}
	return &CaptureClock{clock: c, epoch: c.Now()}
}

// Micros returns the elapsed capture time.
func (c *CaptureClock) Micros() int64 {
	us := c.clock.Since(c.epoch).Microseconds()
	if us < 1 {
		return 1
	}
	return us
}

// Epoch returns the wall time the clock started at.
func (c *CaptureClock) Epoch() time.Time { return c.epoch }
