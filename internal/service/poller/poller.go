// Package poller drives repeated order status queries on a fixed cadence
// until the order reaches a terminal state, the wall-clock budget runs
// out, or the caller cancels.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/shared"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Minute
)

// State of the controller.
type State string

const (
	Idle    State = "idle"
	Polling State = "polling"
	Stopped State = "stopped"
)

// EventKind identifies what ended a polling session.
type EventKind string

const (
	PaymentConfirmed EventKind = "payment_confirmed"
	PaymentFailed    EventKind = "payment_failed"
	TimedOut         EventKind = "timed_out"
)

// Event is emitted exactly once per session that ends on its own.
// Cancelled sessions emit nothing.
type Event struct {
	Kind    EventKind
	OrderID string
	Status  model.OrderStatus // terminal status for PaymentFailed
}

// Querier reads the settlement state of an order.
type Querier interface {
	QueryOrder(ctx context.Context, id string) (model.OrderStatus, error)
}

// Controller polls one order at a time.
type Controller struct {
	q        Querier
	sched    shared.Scheduler
	now      func() time.Time
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64 // cancellation token, bumped by Start and Cancel
	orderID  string
	sink     func(Event)
	deadline time.Time
	timer    shared.Timer
	cancel   context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithInterval sets the delay between queries.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimeout sets the wall-clock budget of a session.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithScheduler sets the scheduler and the clock used for the deadline.
func WithScheduler(s shared.Scheduler, now func() time.Time) Option {
	return func(c *Controller) {
		c.sched = s
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// New returns an idle Controller.
//
// It panics if q is nil.
func New(q Querier, opts ...Option) *Controller {
	if q == nil {
		panic("poller.New: nil querier")
	}
	c := &Controller{
		q:        q,
		sched:    shared.RealScheduler{},
		now:      time.Now,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		log:      slog.Default(),
		state:    Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins polling orderID, cancelling any session in flight.
// The first query runs one interval from now. sink receives the
// session's single terminal event.
func (c *Controller) Start(orderID string, sink func(Event)) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.gen++
	c.state = Polling
	c.orderID = orderID
	c.sink = sink
	c.cancel = cancel
	c.deadline = c.now().Add(c.timeout)
	c.scheduleLocked(ctx, c.gen)

	c.log.Debug("polling started", "order_id", orderID, "interval", c.interval, "timeout", c.timeout)
}

// Cancel stops the current session without emitting an event.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Polling {
		c.log.Debug("polling cancelled", "order_id", c.orderID)
	}
	c.stopLocked()
	c.gen++
	c.state = Stopped
}

func (c *Controller) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) scheduleLocked(ctx context.Context, gen uint64) {
	c.timer = c.sched.AfterFunc(c.interval, func() { c.tick(ctx, gen) })
}

// tick runs one query. The query itself runs without the lock held;
// its result is applied only if the session is still current.
func (c *Controller) tick(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Polling {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	orderID := c.orderID
	c.mu.Unlock()

	status, err := c.q.QueryOrder(ctx, orderID)

	c.mu.Lock()
	if gen != c.gen || c.state != Polling {
		c.mu.Unlock()
		return
	}

	var ev *Event
	switch {
	case err != nil:
		c.log.Warn("order query failed, will retry", "order_id", orderID, "err", err)
	case status == model.StatusSuccess:
		ev = &Event{Kind: PaymentConfirmed, OrderID: orderID, Status: status}
	case status.IsTerminal():
		ev = &Event{Kind: PaymentFailed, OrderID: orderID, Status: status}
	default:
		c.log.Debug("order pending", "order_id", orderID, "status", status)
	}

	if ev == nil && !c.now().Before(c.deadline) {
		ev = &Event{Kind: TimedOut, OrderID: orderID, Status: status}
	}

	if ev == nil {
		c.scheduleLocked(ctx, gen)
		c.mu.Unlock()
		return
	}

	c.stopLocked()
	c.state = Stopped
	sink := c.sink
	c.mu.Unlock()

	c.log.Info("polling finished", "order_id", orderID, "event", ev.Kind, "status", ev.Status)
	if sink != nil {
		sink(*ev)
	}
}
