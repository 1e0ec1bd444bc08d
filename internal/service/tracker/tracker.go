// Package tracker provides lightweight counters for off-loop jobs.
package tracker

import "sync/atomic"

// Tracker counts queued and running jobs using atomics.
type Tracker struct {
	queued  atomic.Int64
	running atomic.Int64
	total   atomic.Uint64
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Queued  int64  `json:"queued"`
	Running int64  `json:"running"`
	Total   uint64 `json:"total"`
}

// Queued records a job waiting for a slot.
func (t *Tracker) Queued() { t.queued.Add(1) }

// Dequeued records a queued job that gave up before it started.
func (t *Tracker) Dequeued() { t.queued.Add(-1) }

// Started moves a job from queued to running.
func (t *Tracker) Started() {
	t.queued.Add(-1)
	t.running.Add(1)
	t.total.Add(1)
}

// Finished records a running job returning.
func (t *Tracker) Finished() { t.running.Add(-1) }

// Stats returns a copy of all counters.
func (t *Tracker) Stats() Stats {
	return Stats{Queued: t.queued.Load(), Running: t.running.Load(), Total: t.total.Load()}
}
