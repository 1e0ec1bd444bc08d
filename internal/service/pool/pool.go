// Package pool provides the bounded worker pool that runs blocking I/O
// (gateway calls, camera capture, compositing) off the kiosk event loop.
package pool

import (
	"context"
	"sync"

	"github.com/iliamunaev/photo-kiosk/internal/service/tracker"
)

// Pool limits concurrent off-loop jobs.
type Pool struct {
	sem chan struct{}
	tr  *tracker.Tracker
	wg  sync.WaitGroup
}

// New returns a pool of size slots, clamped to [1, 128]. A nil tr gets
// a private tracker.
func New(size int, tr *tracker.Tracker) *Pool {
	if size <= 0 {
		size = 1
	}
	if size > 128 {
		size = 128
	}
	if tr == nil {
		tr = &tracker.Tracker{}
	}
	return &Pool{sem: make(chan struct{}, size), tr: tr}
}

// Acquire takes a slot, waiting while all are busy. It fails with
// ctx.Err() when ctx ends first.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	<-p.sem
}

// Go runs job on its own goroutine once a slot is free. It never
// blocks the caller. If ctx ends before a slot is free, job runs with
// the slot-less error so it can report the failure; job must honour ctx.
func (p *Pool) Go(ctx context.Context, job func(ctx context.Context, err error)) {
	p.wg.Add(1)
	p.tr.Queued()
	go func() {
		defer p.wg.Done()

		if err := p.Acquire(ctx); err != nil {
			p.tr.Dequeued()
			job(ctx, err)
			return
		}
		p.tr.Started()
		defer func() {
			p.tr.Finished()
			p.Release()
		}()

		job(ctx, nil)
	}()
}

// Wait blocks until every job started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

