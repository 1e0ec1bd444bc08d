// Package shared provides the timer abstractions and cancellation-aware
// sleeps used by the poller, the kiosk loop, and the mock processor.
package shared

import (
	"context"
	"time"
)

// Timer is a cancellation handle for a scheduled callback.
// *time.Timer satisfies it.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// call stopped the timer before it fired.
	Stop() bool
}

// Scheduler runs a callback once after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler schedules on the runtime timer heap. Callbacks run
// on their own goroutine.
type RealScheduler struct{}

// AfterFunc wraps time.AfterFunc.
func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SleepOrDone sleeps for d unless ctx ends first.
func SleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
