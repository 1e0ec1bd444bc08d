package kiosk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// IDGenerator issues order ids of the form YYYYMMDDhhmmss followed by a
// zero-padded process-wide counter. The counter never repeats, so ids
// stay unique even if the wall clock steps backwards.
type IDGenerator struct {
	now func() time.Time
	seq atomic.Uint64
}

// NewIDGenerator returns a generator reading time from now
// (time.Now when nil).
func NewIDGenerator(now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now}
}

// Next returns a fresh order id.
func (g *IDGenerator) Next() string {
	n := g.seq.Add(1)
	return fmt.Sprintf("%s%06d", g.now().Format("20060102150405"), n)
}
