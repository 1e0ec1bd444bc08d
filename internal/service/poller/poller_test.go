package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/shared"
)

// scriptedQuerier replays results in order and then repeats the last one.
type scriptedQuerier struct {
	mu      sync.Mutex
	results []result
	calls   int
	onCall  func(n int)
}

type result struct {
	status model.OrderStatus
	err    error
}

func (q *scriptedQuerier) QueryOrder(_ context.Context, _ string) (model.OrderStatus, error) {
	q.mu.Lock()
	q.calls++
	n := q.calls
	i := n - 1
	if i >= len(q.results) {
		i = len(q.results) - 1
	}
	r := q.results[i]
	hook := q.onCall
	q.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return r.status, r.err
}

func (q *scriptedQuerier) Calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func ok(s model.OrderStatus) result { return result{status: s} }

func newTestController(q Querier, opts ...Option) (*Controller, *shared.Manual) {
	m := shared.NewManual(time.Unix(1700000000, 0))
	opts = append([]Option{WithScheduler(m, m.Now)}, opts...)
	return New(q, opts...), m
}

func TestPollUntilSuccess(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{results: []result{ok(model.StatusNotPaid), ok(model.StatusNotPaid), ok(model.StatusSuccess)}}
	c, m := newTestController(q, WithInterval(2*time.Second))
	rec := &recorder{}

	c.Start("ORD1", rec.sink)
	if c.State() != Polling {
		t.Fatalf("expected polling, got %s", c.State())
	}

	m.Advance(2 * time.Second)
	m.Advance(2 * time.Second)
	if n := len(rec.Events()); n != 0 {
		t.Fatalf("expected no events before SUCCESS, got %d", n)
	}

	m.Advance(2 * time.Second)
	m.Advance(10 * time.Second)

	if q.Calls() != 3 {
		t.Fatalf("expected 3 queries, got %d", q.Calls())
	}
	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %+v", events)
	}
	if events[0].Kind != PaymentConfirmed || events[0].OrderID != "ORD1" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if c.State() != Stopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no outstanding ticks, got %d", m.Pending())
	}
}

func TestPollTerminalFailures(t *testing.T) {
	t.Parallel()

	for _, st := range []model.OrderStatus{model.StatusClosed, model.StatusPayError, model.StatusRevoked} {
		t.Run(string(st), func(t *testing.T) {
			t.Parallel()

			q := &scriptedQuerier{results: []result{ok(model.StatusUserPaying), ok(model.StatusUnknown), ok(st)}}
			c, m := newTestController(q)
			rec := &recorder{}

			c.Start("ORD2", rec.sink)
			m.Advance(time.Minute)

			events := rec.Events()
			if len(events) != 1 {
				t.Fatalf("expected one event, got %+v", events)
			}
			if events[0].Kind != PaymentFailed || events[0].Status != st {
				t.Fatalf("expected PaymentFailed(%s), got %+v", st, events[0])
			}
			if q.Calls() != 3 {
				t.Fatalf("expected 3 queries, got %d", q.Calls())
			}
		})
	}
}

func TestPollErrorsAreTransient(t *testing.T) {
	t.Parallel()

	gwErr := &apperr.GatewayError{Op: "query order", Reason: apperr.GatewayTransport, Err: errors.New("connection reset")}
	q := &scriptedQuerier{results: []result{{err: gwErr}, {err: gwErr}, ok(model.StatusSuccess)}}
	c, m := newTestController(q)
	rec := &recorder{}

	c.Start("ORD3", rec.sink)
	m.Advance(10 * time.Second)

	events := rec.Events()
	if len(events) != 1 || events[0].Kind != PaymentConfirmed {
		t.Fatalf("expected PaymentConfirmed after transient errors, got %+v", events)
	}
}

func TestPollTimesOut(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{results: []result{ok(model.StatusNotPaid)}}
	c, m := newTestController(q, WithInterval(2*time.Second), WithTimeout(10*time.Second))
	rec := &recorder{}

	c.Start("ORD4", rec.sink)
	m.Advance(time.Minute)

	events := rec.Events()
	if len(events) != 1 || events[0].Kind != TimedOut {
		t.Fatalf("expected a single TimedOut, got %+v", events)
	}
	if q.Calls() != 5 {
		t.Fatalf("expected 5 queries within the budget, got %d", q.Calls())
	}
	if c.State() != Stopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
}

func TestCancelIsSilent(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{results: []result{ok(model.StatusSuccess)}}
	c, m := newTestController(q)
	rec := &recorder{}

	c.Start("ORD5", rec.sink)
	c.Cancel()
	m.Advance(time.Minute)

	if q.Calls() != 0 {
		t.Fatalf("expected no queries after cancel, got %d", q.Calls())
	}
	if n := len(rec.Events()); n != 0 {
		t.Fatalf("expected no events after cancel, got %d", n)
	}
	if c.State() != Stopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
}

func TestCancelDuringQueryDropsResult(t *testing.T) {
	t.Parallel()

	var c *Controller
	q := &scriptedQuerier{results: []result{ok(model.StatusSuccess)}}
	q.onCall = func(int) { c.Cancel() }

	c, m := newTestController(q)
	rec := &recorder{}

	c.Start("ORD6", rec.sink)
	m.Advance(time.Minute)

	if n := len(rec.Events()); n != 0 {
		t.Fatalf("expected in-flight result to be dropped, got %d events", n)
	}
}

func TestRestartReplacesSession(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{results: []result{ok(model.StatusSuccess)}}
	c, m := newTestController(q)
	rec := &recorder{}

	c.Start("OLD", rec.sink)
	c.Start("NEW", rec.sink)
	if m.Pending() != 1 {
		t.Fatalf("expected one outstanding tick, got %d", m.Pending())
	}

	m.Advance(time.Minute)

	events := rec.Events()
	if len(events) != 1 || events[0].OrderID != "NEW" {
		t.Fatalf("expected only the new session to report, got %+v", events)
	}
}

func TestStartAfterStopped(t *testing.T) {
	t.Parallel()

	q := &scriptedQuerier{results: []result{ok(model.StatusSuccess)}}
	c, m := newTestController(q)
	rec := &recorder{}

	c.Start("A", rec.sink)
	m.Advance(time.Minute)
	c.Start("B", rec.sink)
	m.Advance(time.Minute)

	events := rec.Events()
	if len(events) != 2 || events[0].OrderID != "A" || events[1].OrderID != "B" {
		t.Fatalf("unexpected events %+v", events)
	}
}
