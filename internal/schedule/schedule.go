package schedule

import (
	"context"
	"fmt"
	"time"
)

// DefaultResolution is the number of ticks per second
const DefaultResolution = 4

// Bounds of the validated sleep, exclusive.
const (
	MinSeconds = 64
	MaxSeconds = 65536
)

// Clock provides the timer channel the scheduler waits on
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

// RealClock is a Clock backed by the runtime timer
type RealClock struct{}

// After implements Clock
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Scheduler performs cancellable, tick-polled sleeps
type Scheduler struct {
	clock      Clock
	resolution int
}

// New creates a scheduler with the given clock and ticks per second.
// A non-positive resolution selects DefaultResolution.
func New(clock Clock, resolution int) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Scheduler{clock: clock, resolution: resolution}
}

// Tick returns the duration of one tick
func (s *Scheduler) Tick() time.Duration {
	return time.Second / time.Duration(s.resolution)
}

// Sleep waits for d, rounded up to whole ticks. It returns ctx.Err() as soon
// as ctx is done, and nil once the full duration has elapsed.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	tick := s.Tick()
	ticks := int64((d + tick - 1) / tick)

	for ; ticks > 0; ticks-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(tick):
		}
	}
	return ctx.Err()
}

// SleepSeconds is the validated form of Sleep. seconds must lie strictly
// between MinSeconds and MaxSeconds; anything else is a programming error
// and panics.
func (s *Scheduler) SleepSeconds(ctx context.Context, seconds int) error {
	if seconds <= MinSeconds || seconds >= MaxSeconds {
		panic(fmt.Sprintf("schedule: sleep of %d seconds outside (%d, %d)", seconds, MinSeconds, MaxSeconds))
	}
	return s.Sleep(ctx, time.Duration(seconds)*time.Second)
}
