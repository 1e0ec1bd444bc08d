package kiosk

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/poller"
	"github.com/iliamunaev/photo-kiosk/internal/service/pool"
	"github.com/iliamunaev/photo-kiosk/internal/service/shared"
)

const waitFor = 2 * time.Second

type fakeGateway struct {
	mu    sync.Mutex
	ids   []string
	code  string
	err   error
	gate  chan struct{} // when set, CreateOrder blocks until closed
	amts  []int64
	descs []string
}

func (g *fakeGateway) CreateOrder(ctx context.Context, id string, amount int64, currency, desc, notify string) (string, error) {
	g.mu.Lock()
	g.ids = append(g.ids, id)
	g.amts = append(g.amts, amount)
	g.descs = append(g.descs, desc)
	gate, code, err := g.gate, g.code, g.err
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return code, err
}

func (g *fakeGateway) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ids...)
}

type fakePoller struct {
	mu      sync.Mutex
	started []string
	sink    func(poller.Event)
	cancels int
}

func (p *fakePoller) Start(orderID string, sink func(poller.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, orderID)
	p.sink = sink
}

func (p *fakePoller) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	p.sink = nil
}

func (p *fakePoller) cancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

func (p *fakePoller) starts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.started...)
}

// emit delivers an event through the sink captured by the last Start,
// even after Cancel, to model a late poll response.
func (p *fakePoller) emit(sink func(poller.Event), e poller.Event) {
	sink(e)
}

func (p *fakePoller) currentSink() func(poller.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

type fakeCamera struct {
	mu  sync.Mutex
	err error
	n   int
}

func (c *fakeCamera) Capture(context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	if c.err != nil {
		return nil, c.err
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 3)), nil
}

type fakeCompositor struct {
	mu   sync.Mutex
	errs []error // consumed in order, nil when exhausted
	anns []model.Annotations
}

func (c *fakeCompositor) Composite(_ context.Context, _ image.Image, ann model.Annotations) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anns = append(c.anns, ann)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "out/" + ann.OrderID + ".png", nil
}

type fixedWeather string

func (w fixedWeather) Current(context.Context) string { return string(w) }

type viewLog struct {
	mu    sync.Mutex
	views []model.SessionView
}

func (l *viewLog) add(v model.SessionView) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.views = append(l.views, v)
}

func (l *viewLog) all() []model.SessionView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.SessionView(nil), l.views...)
}

type harness struct {
	k     *Kiosk
	clock *shared.Manual
	gw    *fakeGateway
	poll  *fakePoller
	cam   *fakeCamera
	comp  *fakeCompositor
	views *viewLog
	stop  func() error
}

func newHarness(t *testing.T, tweak func(*Config, *Deps)) *harness {
	t.Helper()

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h := &harness{
		clock: shared.NewManual(start),
		gw:    &fakeGateway{code: "weixin://mock?x=1"},
		poll:  &fakePoller{},
		cam:   &fakeCamera{},
		comp:  &fakeCompositor{},
		views: &viewLog{},
	}

	cfg := Config{
		AmountMinor: 990,
		Currency:    "CNY",
		Description: "test",
		NotifyURL:   "https://www.example.com/wxpay/callback",
		Headline:    "Daily Kiosk",
		Countdown:   3,
		Tick:        time.Second,
		CallTimeout: time.Second,
	}
	deps := Deps{
		Gateway:    h.gw,
		Poller:     h.poll,
		Camera:     h.cam,
		Compositor: h.comp,
		Weather:    fixedWeather("Sunny 25°C"),
		Pool:       pool.New(2, nil),
		Scheduler:  h.clock,
		IDs:        NewIDGenerator(h.clock.Now),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if tweak != nil {
		tweak(&cfg, &deps)
	}

	k, err := New(deps, cfg, WithObserver(h.views.add))
	require.NoError(t, err)
	h.k = k

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	var once sync.Once
	var runErr error
	h.stop = func() error {
		once.Do(func() {
			cancel()
			runErr = <-done
		})
		return runErr
	}
	t.Cleanup(func() { _ = h.stop() })
	return h
}

func (h *harness) snapshot(t *testing.T) model.SessionView {
	t.Helper()
	v, err := h.k.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func (h *harness) waitUntil(t *testing.T, cond func(model.SessionView) bool, msg string) model.SessionView {
	t.Helper()
	var last model.SessionView
	require.Eventually(t, func() bool {
		last = h.snapshot(t)
		return cond(last)
	}, waitFor, time.Millisecond, msg)
	return last
}

func (h *harness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.clock.Pending() == n }, waitFor, time.Millisecond,
		"expected %d pending timers", n)
}

// awaitPayment runs StartPay and returns the active order id.
func (h *harness) awaitPayment(t *testing.T) string {
	t.Helper()
	v, err := h.k.StartPay(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.PhaseAwaitingPayment, v.Phase)
	return v.ActiveOrderID
}

// freeze drives the kiosk from Idle to Frozen.
func (h *harness) freeze(t *testing.T) string {
	t.Helper()
	id := h.awaitPayment(t)
	require.NoError(t, h.k.ConfirmPayment(id))
	h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseCountingDown }, "counting down")
	for i := 0; i <= 3; i++ {
		h.waitPending(t, 1)
		h.clock.Advance(time.Second)
	}
	h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseFrozen }, "frozen")
	return id
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	ok := Deps{Gateway: &fakeGateway{}, Poller: &fakePoller{}, Camera: &fakeCamera{}, Compositor: &fakeCompositor{}}
	tests := []struct {
		name string
		deps Deps
		cfg  Config
	}{
		{name: "missing gateway", deps: Deps{Poller: ok.Poller, Camera: ok.Camera, Compositor: ok.Compositor}, cfg: Config{AmountMinor: 1}},
		{name: "zero amount", deps: ok, cfg: Config{}},
		{name: "negative countdown", deps: ok, cfg: Config{AmountMinor: 1, Countdown: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.deps, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestStartPayHoldsCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	v, err := h.k.StartPay(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.PhaseAwaitingPayment, v.Phase)
	assert.Equal(t, "weixin://mock?x=1", v.CodeURL)
	assert.True(t, v.PollingActive)
	assert.False(t, v.Busy)
	assert.Equal(t, "20240501100000000001", v.ActiveOrderID)
	assert.Equal(t, []string{v.ActiveOrderID}, h.poll.starts())
	assert.Equal(t, []int64{990}, h.gw.amts)
	assert.Equal(t, []string{"test"}, h.gw.descs)
}

func TestStartPayGatewayFailureStaysIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.gw.err = &apperr.GatewayError{Op: "create_order", Reason: apperr.GatewayTransport, Err: errors.New("connection refused")}

	v, err := h.k.StartPay(context.Background())
	require.Error(t, err)

	var gerr *apperr.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, apperr.GatewayTransport, gerr.Reason)
	assert.Equal(t, model.PhaseIdle, v.Phase)
	assert.Empty(t, v.ActiveOrderID)
	assert.Empty(t, v.CodeURL)
	assert.NotEmpty(t, v.LastError)
	assert.Empty(t, h.poll.starts(), "no polling session may start")
}

func TestCountdownTicksThenFreezes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	id := h.awaitPayment(t)
	require.NoError(t, h.k.ConfirmPayment(id))
	v := h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseCountingDown }, "counting down")
	assert.Equal(t, 3, v.CountdownRemaining)
	assert.Empty(t, v.CodeURL, "code is cleared once paid")
	assert.False(t, v.PollingActive)

	for _, want := range []int{2, 1, 0} {
		h.waitPending(t, 1)
		h.clock.Advance(time.Second)
		h.waitUntil(t, func(v model.SessionView) bool { return v.CountdownRemaining == want }, "countdown step")
	}
	h.waitPending(t, 1)
	h.clock.Advance(time.Second)
	v = h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseFrozen }, "frozen")
	assert.True(t, v.Frozen)
	assert.Equal(t, 0, h.clock.Pending())

	var steps []int
	var phases []model.Phase
	for _, v := range h.views.all() {
		if len(phases) == 0 || phases[len(phases)-1] != v.Phase {
			phases = append(phases, v.Phase)
		}
		if v.Phase == model.PhaseCountingDown && (len(steps) == 0 || steps[len(steps)-1] != v.CountdownRemaining) {
			steps = append(steps, v.CountdownRemaining)
		}
	}
	assert.Equal(t, []int{3, 2, 1, 0}, steps)
	assert.Equal(t, []model.Phase{
		model.PhaseIdle, model.PhaseAwaitingPayment, model.PhaseCountingDown, model.PhaseFrozen,
	}, phases)
}

func TestZeroCountdownCapturesOnFirstTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config, _ *Deps) { c.Countdown = 0 })

	id := h.awaitPayment(t)
	require.NoError(t, h.k.ConfirmPayment(id))
	h.waitPending(t, 1)
	h.clock.Advance(time.Second)
	h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseFrozen }, "frozen")
}

func TestStartPayRejectedOutsideIdleAndAwaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	id := h.awaitPayment(t)
	require.NoError(t, h.k.ConfirmPayment(id))
	h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseCountingDown }, "counting down")

	v, err := h.k.StartPay(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, model.PhaseCountingDown, v.Phase)
	assert.Equal(t, id, v.ActiveOrderID)
	assert.Len(t, h.gw.calls(), 1)
}

func TestStartPayFromFrozenIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.freeze(t)

	v, err := h.k.StartPay(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, model.PhaseFrozen, v.Phase)
	assert.True(t, v.Frozen)
}

func TestStartPayWhileAwaitingReplacesOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	first := h.awaitPayment(t)
	staleSink := h.poll.currentSink()
	second := h.awaitPayment(t)

	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first, second}, h.poll.starts())
	assert.GreaterOrEqual(t, h.poll.cancelCount(), 1)

	// A late confirmation for the abandoned order changes nothing.
	h.poll.emit(staleSink, poller.Event{Kind: poller.PaymentConfirmed, OrderID: first, Status: model.StatusSuccess})
	v := h.snapshot(t)
	assert.Equal(t, model.PhaseAwaitingPayment, v.Phase)
	assert.Equal(t, second, v.ActiveOrderID)
}

func TestStartPayWhileCreatingIsRejected(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	h := newHarness(t, func(_ *Config, d *Deps) { d.Gateway.(*fakeGateway).gate = gate })

	first := make(chan error, 1)
	go func() {
		_, err := h.k.StartPay(context.Background())
		first <- err
	}()
	h.waitUntil(t, func(v model.SessionView) bool { return v.Busy }, "busy creating")

	_, err := h.k.StartPay(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	close(gate)
	require.NoError(t, <-first)
	assert.Len(t, h.gw.calls(), 1)
}

func TestPaymentFailedAfterConfirmIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	id := h.awaitPayment(t)
	sink := h.poll.currentSink()
	require.NotNil(t, sink)

	h.poll.emit(sink, poller.Event{Kind: poller.PaymentConfirmed, OrderID: id, Status: model.StatusSuccess})
	h.poll.emit(sink, poller.Event{Kind: poller.PaymentFailed, OrderID: id, Status: model.StatusClosed})

	v := h.snapshot(t)
	assert.Equal(t, model.PhaseCountingDown, v.Phase)
	assert.Equal(t, id, v.ActiveOrderID)
	assert.Empty(t, v.LastError)
}

func TestPaymentFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind poller.EventKind
		want error
	}{
		{name: "closed", kind: poller.PaymentFailed, want: apperr.ErrPaymentFailed},
		{name: "timed out", kind: poller.TimedOut, want: apperr.ErrPollTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)

			id := h.awaitPayment(t)
			h.poll.emit(h.poll.currentSink(), poller.Event{Kind: tt.kind, OrderID: id, Status: model.StatusClosed})

			v := h.snapshot(t)
			assert.Equal(t, model.PhaseIdle, v.Phase)
			assert.Empty(t, v.ActiveOrderID)
			assert.False(t, v.PollingActive)
			assert.Contains(t, v.LastError, tt.want.Error())
		})
	}
}

func TestCancelAwaitingPayment(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.awaitPayment(t)
	v, err := h.k.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdle, v.Phase)
	assert.Empty(t, v.CodeURL)
	assert.GreaterOrEqual(t, h.poll.cancelCount(), 1)

	_, err = h.k.Cancel(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCaptureFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *Config, d *Deps) { d.Camera.(*fakeCamera).err = errors.New("device busy") })

	id := h.awaitPayment(t)
	require.NoError(t, h.k.ConfirmPayment(id))
	h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseCountingDown }, "counting down")
	for i := 0; i <= 3; i++ {
		h.waitPending(t, 1)
		h.clock.Advance(time.Second)
	}

	v := h.waitUntil(t, func(v model.SessionView) bool { return v.Phase == model.PhaseIdle }, "idle after capture failure")
	assert.Contains(t, v.LastError, apperr.ErrCapture.Error())
	assert.False(t, v.Frozen)
}

func TestPrintAndReset(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	id := h.freeze(t)

	path, v, err := h.k.Print(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "out/"+id+".png", path)
	assert.Equal(t, model.PhasePrinted, v.Phase)
	assert.Equal(t, path, v.PrintedPath)

	require.Len(t, h.comp.anns, 1)
	assert.Equal(t, id, h.comp.anns[0].OrderID)
	assert.Equal(t, "Sunny 25°C", h.comp.anns[0].Weather)
	assert.Equal(t, "Daily Kiosk", h.comp.anns[0].Headline)

	v, err = h.k.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdle, v.Phase)
	assert.Empty(t, v.ActiveOrderID)
	assert.False(t, v.Frozen)

	next := h.awaitPayment(t)
	assert.NotEqual(t, id, next)
}

func TestCompositeFailureStaysFrozen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Compositor.(*fakeCompositor).errs = []error{errors.New("template missing")}
	})
	h.freeze(t)

	_, v, err := h.k.Print(context.Background())
	require.ErrorIs(t, err, apperr.ErrComposite)
	assert.Equal(t, model.PhaseFrozen, v.Phase)
	assert.True(t, v.Frozen)
	assert.NotEmpty(t, v.LastError)

	_, v, err = h.k.Print(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.PhasePrinted, v.Phase)
	assert.Empty(t, v.LastError)
}

func TestCommandsInWrongPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, _, err := h.k.Print(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = h.k.Reset(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.NoError(t, h.k.ConfirmPayment("nope"))
	assert.Equal(t, model.PhaseIdle, h.snapshot(t).Phase)
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	id := h.awaitPayment(t)
	require.NoError(t, h.k.ConfirmPayment(id))
	h.waitPending(t, 1)

	require.NoError(t, h.stop())
	assert.Equal(t, 0, h.clock.Pending(), "countdown timer must be stopped")
	assert.GreaterOrEqual(t, h.poll.cancelCount(), 2)

	_, err := h.k.StartPay(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, h.k.ConfirmPayment(id), ErrStopped)
}

func TestCommandsAfterStopAlwaysFail(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	require.NoError(t, h.stop())

	for i := 0; i < 200; i++ {
		require.ErrorIs(t, h.k.ConfirmPayment("ORD1"), ErrStopped, "attempt %d", i)
		_, err := h.k.Snapshot(context.Background())
		require.ErrorIs(t, err, ErrStopped, "attempt %d", i)
	}
}

func TestIDGeneratorUnique(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	g := NewIDGenerator(func() time.Time { return at })
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate id %s", id)
		require.Len(t, id, 20)
		seen[id] = true
	}
	assert.Equal(t, "20240102030405000101", g.Next())
}
