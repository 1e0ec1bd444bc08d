// Package kiosk implements the kiosk state machine:
//
//	Idle -> AwaitingPayment -> CountingDown(n..0) -> Frozen -> Printed -> Idle
//
// A single goroutine (Run) owns the session. Commands, poller outcomes,
// countdown ticks and I/O completions are queued as events and applied
// one at a time in arrival order. Gateway calls, camera capture and
// compositing run on a bounded pool and report back as events.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robbyt/go-fsm"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/poller"
	"github.com/iliamunaev/photo-kiosk/internal/service/pool"
	"github.com/iliamunaev/photo-kiosk/internal/service/shared"
)

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("kiosk stopped")

// Gateway issues payment orders.
type Gateway interface {
	CreateOrder(ctx context.Context, id string, amountMinor int64, currency, description, notifyURL string) (string, error)
}

// Poller watches one order at a time.
type Poller interface {
	Start(orderID string, sink func(poller.Event))
	Cancel()
}

// Camera captures a single frame.
type Camera interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Compositor renders the printable image and returns its path.
type Compositor interface {
	Composite(ctx context.Context, photo image.Image, ann model.Annotations) (string, error)
}

// Weather returns a short description of the current weather.
type Weather interface {
	Current(ctx context.Context) string
}

// Config holds the immutable per-kiosk settings.
type Config struct {
	AmountMinor int64
	Currency    string
	Description string
	NotifyURL   string
	Headline    string
	Countdown   int           // seconds counted down before capture
	Tick        time.Duration // countdown step, one second by default
	CallTimeout time.Duration // budget for each off-loop job
}

// Deps are the collaborators the kiosk drives.
type Deps struct {
	Gateway    Gateway
	Poller     Poller
	Camera     Camera
	Compositor Compositor
	Weather    Weather // optional
	Pool       *pool.Pool
	Scheduler  shared.Scheduler
	IDs        *IDGenerator
	Logger     *slog.Logger
}

type busyKind string

const (
	notBusy      busyKind = ""
	busyCreating busyKind = "creating_order"
	busyCapture  busyKind = "capturing"
	busyPrinting busyKind = "printing"
)

// session is owned by the Run goroutine.
type session struct {
	phase         model.Phase
	countdown     int
	countdownGen  uint64
	timer         shared.Timer
	frame         image.Image
	activeOrderID string
	codeURL       string
	pollingActive bool
	printedPath   string
	busy          busyKind
	pending       chan reply
	lastError     string
}

// Kiosk is the kiosk state machine.
type Kiosk struct {
	cfg       Config
	gw        Gateway
	poll      Poller
	cam       Camera
	comp      Compositor
	weather   Weather
	pool      *pool.Pool
	sched     shared.Scheduler
	ids       *IDGenerator
	log       *slog.Logger
	phases    *fsm.Machine
	observers []func(model.SessionView)

	events  chan any
	stop    chan struct{}
	running atomic.Bool
	runCtx  context.Context

	s session
}

// Option configures a Kiosk.
type Option func(*Kiosk)

// WithObserver registers fn to receive the session after every applied
// transition. fn runs on the loop goroutine and must not block.
func WithObserver(fn func(model.SessionView)) Option {
	return func(k *Kiosk) { k.observers = append(k.observers, fn) }
}

var phaseTransitions = map[string][]string{
	string(model.PhaseIdle):            {string(model.PhaseAwaitingPayment)},
	string(model.PhaseAwaitingPayment): {string(model.PhaseCountingDown), string(model.PhaseIdle)},
	string(model.PhaseCountingDown):    {string(model.PhaseFrozen), string(model.PhaseIdle)},
	string(model.PhaseFrozen):          {string(model.PhasePrinted)},
	string(model.PhasePrinted):         {string(model.PhaseIdle)},
}

// New returns a Kiosk in the Idle phase. Call Run to start the loop.
func New(deps Deps, cfg Config, opts ...Option) (*Kiosk, error) {
	if deps.Gateway == nil || deps.Poller == nil || deps.Camera == nil || deps.Compositor == nil {
		return nil, errors.New("kiosk.New: gateway, poller, camera and compositor are required")
	}
	if cfg.AmountMinor <= 0 {
		return nil, fmt.Errorf("kiosk.New: amount must be positive, got %d", cfg.AmountMinor)
	}
	if cfg.Countdown < 0 {
		return nil, fmt.Errorf("kiosk.New: negative countdown %d", cfg.Countdown)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if deps.Pool == nil {
		deps.Pool = pool.New(4, nil)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = shared.RealScheduler{}
	}
	if deps.IDs == nil {
		deps.IDs = NewIDGenerator(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	phases, err := fsm.New(deps.Logger.Handler(), string(model.PhaseIdle), phaseTransitions)
	if err != nil {
		return nil, fmt.Errorf("kiosk.New: phase machine: %w", err)
	}

	k := &Kiosk{
		cfg:     cfg,
		gw:      deps.Gateway,
		poll:    deps.Poller,
		cam:     deps.Camera,
		comp:    deps.Compositor,
		weather: deps.Weather,
		pool:    deps.Pool,
		sched:   deps.Scheduler,
		ids:     deps.IDs,
		log:     deps.Logger,
		phases:  phases,
		events:  make(chan any, 64),
		stop:    make(chan struct{}),
		s:       session{phase: model.PhaseIdle},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Run applies events until ctx is done. On return polling and the
// countdown are stopped, pending commands fail with ErrStopped, and
// every off-loop job has finished.
func (k *Kiosk) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return errors.New("kiosk: Run called twice")
	}
	k.runCtx = ctx
	defer k.shutdown()

	k.log.Info("kiosk loop started", "countdown", k.cfg.Countdown, "amount", k.cfg.AmountMinor, "currency", k.cfg.Currency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-k.events:
			k.apply(ev)
		}
	}
}

func (k *Kiosk) shutdown() {
	close(k.stop)
	k.poll.Cancel()
	if k.s.timer != nil {
		k.s.timer.Stop()
	}
	if k.s.pending != nil {
		k.s.pending <- reply{view: k.view(), err: ErrStopped}
		k.s.pending = nil
	}
	k.pool.Wait()
	k.log.Info("kiosk loop stopped")
}

// StartPay creates a new order and waits until its code is ready.
// From AwaitingPayment the current order is abandoned first.
func (k *Kiosk) StartPay(ctx context.Context) (model.SessionView, error) {
	r, err := k.call(ctx, cmdStartPay)
	if err != nil {
		return model.SessionView{}, err
	}
	return r.view, r.err
}

// Cancel abandons the order being paid.
func (k *Kiosk) Cancel(ctx context.Context) (model.SessionView, error) {
	r, err := k.call(ctx, cmdCancel)
	if err != nil {
		return model.SessionView{}, err
	}
	return r.view, r.err
}

// Print composites the frozen frame and returns the output path.
func (k *Kiosk) Print(ctx context.Context) (string, model.SessionView, error) {
	r, err := k.call(ctx, cmdPrint)
	if err != nil {
		return "", model.SessionView{}, err
	}
	return r.path, r.view, r.err
}

// Reset returns a printed kiosk to Idle.
func (k *Kiosk) Reset(ctx context.Context) (model.SessionView, error) {
	r, err := k.call(ctx, cmdReset)
	if err != nil {
		return model.SessionView{}, err
	}
	return r.view, r.err
}

// Snapshot returns a copy of the session.
func (k *Kiosk) Snapshot(ctx context.Context) (model.SessionView, error) {
	r, err := k.call(ctx, cmdSnapshot)
	if err != nil {
		return model.SessionView{}, err
	}
	return r.view, r.err
}

// ConfirmPayment injects a payment confirmation for orderID. It is
// handled exactly like a confirmation produced by polling.
func (k *Kiosk) ConfirmPayment(orderID string) error {
	return k.enqueue(paymentEvent{
		ev:       poller.Event{Kind: poller.PaymentConfirmed, OrderID: orderID, Status: model.StatusSuccess},
		injected: true,
	})
}

func (k *Kiosk) call(ctx context.Context, kind commandKind) (reply, error) {
	if k.stopped() {
		return reply{}, ErrStopped
	}
	ch := make(chan reply, 1)
	select {
	case k.events <- commandEvent{kind: kind, reply: ch}:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-k.stop:
		return reply{}, ErrStopped
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-k.stop:
		// shutdown may have answered just before closing.
		select {
		case r := <-ch:
			return r, nil
		default:
			return reply{}, ErrStopped
		}
	}
}

// stopped reports whether Run has returned. The queue keeps spare
// capacity after that, so senders must check it before sending.
func (k *Kiosk) stopped() bool {
	select {
	case <-k.stop:
		return true
	default:
		return false
	}
}

func (k *Kiosk) enqueue(ev any) error {
	if k.stopped() {
		return ErrStopped
	}
	select {
	case k.events <- ev:
		return nil
	case <-k.stop:
		return ErrStopped
	}
}

// dispatch runs job on the pool and queues the event it returns.
func (k *Kiosk) dispatch(job func(ctx context.Context, err error) any) {
	k.pool.Go(k.runCtx, func(ctx context.Context, slotErr error) {
		ctx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
		defer cancel()
		_ = k.enqueue(job(ctx, slotErr))
	})
}

func (k *Kiosk) apply(ev any) {
	switch e := ev.(type) {
	case commandEvent:
		k.handleCommand(e)
	case orderCreatedEvent:
		k.handleOrderCreated(e)
	case paymentEvent:
		k.handlePayment(e)
	case countdownTickEvent:
		k.handleTick(e)
	case captureDoneEvent:
		k.handleCaptureDone(e)
	case printDoneEvent:
		k.handlePrintDone(e)
	default:
		k.log.Error("unknown kiosk event", "type", fmt.Sprintf("%T", ev))
	}
}

func (k *Kiosk) handleCommand(c commandEvent) {
	switch c.kind {
	case cmdStartPay:
		k.startPay(c.reply)
	case cmdCancel:
		k.cancelPayment(c.reply)
	case cmdPrint:
		k.print(c.reply)
	case cmdReset:
		k.reset(c.reply)
	case cmdSnapshot:
		c.reply <- reply{view: k.view()}
	}
}

func (k *Kiosk) reject(c commandKind, ch chan reply) {
	err := fmt.Errorf("%s in %s: %w", c, k.s.phase, apperr.ErrInvalidState)
	if k.s.busy != notBusy {
		err = fmt.Errorf("%s while %s: %w", c, k.s.busy, apperr.ErrInvalidState)
	}
	k.log.Debug("command ignored", "command", c.String(), "phase", k.s.phase, "busy", k.s.busy)
	ch <- reply{view: k.view(), err: err}
}

func (k *Kiosk) startPay(ch chan reply) {
	if k.s.busy != notBusy {
		k.reject(cmdStartPay, ch)
		return
	}
	switch k.s.phase {
	case model.PhaseIdle:
	case model.PhaseAwaitingPayment:
		k.log.Info("abandoning unpaid order for a new one", "order_id", k.s.activeOrderID)
		k.toIdle("")
	default:
		k.reject(cmdStartPay, ch)
		return
	}

	id := k.ids.Next()
	k.s.busy = busyCreating
	k.s.pending = ch
	k.notify()

	cfg := k.cfg
	k.dispatch(func(ctx context.Context, err error) any {
		if err != nil {
			return orderCreatedEvent{orderID: id, err: err}
		}
		code, err := k.gw.CreateOrder(ctx, id, cfg.AmountMinor, cfg.Currency, cfg.Description, cfg.NotifyURL)
		return orderCreatedEvent{orderID: id, codeURL: code, err: err}
	})
}

func (k *Kiosk) handleOrderCreated(e orderCreatedEvent) {
	ch := k.s.pending
	k.s.pending = nil
	k.s.busy = notBusy

	if e.err != nil {
		k.log.Warn("order creation failed", "order_id", e.orderID, "kind", apperr.Kind(e.err), "err", e.err)
		k.s.lastError = "could not create order: " + e.err.Error()
		k.notify()
		if ch != nil {
			ch <- reply{view: k.view(), err: fmt.Errorf("start pay: %w", e.err)}
		}
		return
	}

	k.moveTo(model.PhaseAwaitingPayment)
	k.s.activeOrderID = e.orderID
	k.s.codeURL = e.codeURL
	k.s.pollingActive = true
	k.s.lastError = ""
	k.poll.Start(e.orderID, k.pollSink)
	k.log.Info("awaiting payment", "order_id", e.orderID)
	k.notify()

	if ch != nil {
		ch <- reply{view: k.view()}
	}
}

func (k *Kiosk) pollSink(e poller.Event) {
	_ = k.enqueue(paymentEvent{ev: e})
}

func (k *Kiosk) cancelPayment(ch chan reply) {
	if k.s.phase != model.PhaseAwaitingPayment || k.s.busy != notBusy {
		k.reject(cmdCancel, ch)
		return
	}
	k.log.Info("payment cancelled", "order_id", k.s.activeOrderID)
	k.toIdle("")
	k.notify()
	ch <- reply{view: k.view()}
}

func (k *Kiosk) handlePayment(p paymentEvent) {
	e := p.ev
	if k.s.phase != model.PhaseAwaitingPayment || e.OrderID != k.s.activeOrderID {
		k.log.Debug("stale payment event ignored", "event", e.Kind, "order_id", e.OrderID, "phase", k.s.phase)
		return
	}

	switch e.Kind {
	case poller.PaymentConfirmed:
		k.poll.Cancel()
		k.s.pollingActive = false
		k.s.codeURL = ""
		k.moveTo(model.PhaseCountingDown)
		k.s.countdown = k.cfg.Countdown
		k.log.Info("payment confirmed", "order_id", e.OrderID, "injected", p.injected)
		k.notify()
		k.scheduleTick()

	case poller.PaymentFailed:
		k.log.Warn("payment failed", "order_id", e.OrderID, "status", e.Status)
		k.toIdle(fmt.Sprintf("%v: order %s is %s", apperr.ErrPaymentFailed, e.OrderID, e.Status))
		k.notify()

	case poller.TimedOut:
		k.log.Warn("payment polling timed out", "order_id", e.OrderID)
		k.toIdle(fmt.Sprintf("%v: order %s", apperr.ErrPollTimeout, e.OrderID))
		k.notify()
	}
}

func (k *Kiosk) scheduleTick() {
	k.s.countdownGen++
	gen := k.s.countdownGen
	k.s.timer = k.sched.AfterFunc(k.cfg.Tick, func() {
		_ = k.enqueue(countdownTickEvent{gen: gen})
	})
}

func (k *Kiosk) handleTick(e countdownTickEvent) {
	if k.s.phase != model.PhaseCountingDown || e.gen != k.s.countdownGen || k.s.busy != notBusy {
		return
	}
	k.s.timer = nil

	if k.s.countdown > 0 {
		k.s.countdown--
		k.notify()
		k.scheduleTick()
		return
	}

	k.s.busy = busyCapture
	k.notify()
	k.dispatch(func(ctx context.Context, err error) any {
		if err != nil {
			return captureDoneEvent{err: err}
		}
		frame, err := k.cam.Capture(ctx)
		return captureDoneEvent{frame: frame, err: err}
	})
}

func (k *Kiosk) handleCaptureDone(e captureDoneEvent) {
	k.s.busy = notBusy
	if k.s.phase != model.PhaseCountingDown {
		return
	}

	err := e.err
	if err == nil && e.frame == nil {
		err = errors.New("camera returned no frame")
	}
	if err != nil {
		if !errors.Is(err, apperr.ErrCapture) {
			err = fmt.Errorf("%w: %v", apperr.ErrCapture, err)
		}
		k.log.Error("capture failed", "order_id", k.s.activeOrderID, "err", err)
		k.toIdle(err.Error())
		k.notify()
		return
	}

	k.moveTo(model.PhaseFrozen)
	k.s.frame = e.frame
	k.log.Info("frame captured", "order_id", k.s.activeOrderID)
	k.notify()
}

func (k *Kiosk) print(ch chan reply) {
	if k.s.phase != model.PhaseFrozen || k.s.busy != notBusy {
		k.reject(cmdPrint, ch)
		return
	}

	k.s.busy = busyPrinting
	k.s.pending = ch
	k.notify()

	frame, ann := k.s.frame, model.Annotations{OrderID: k.s.activeOrderID, Headline: k.cfg.Headline}
	k.dispatch(func(ctx context.Context, err error) any {
		if err != nil {
			return printDoneEvent{err: err}
		}
		ann.Taken = time.Now()
		if k.weather != nil {
			ann.Weather = k.weather.Current(ctx)
		}
		path, err := k.comp.Composite(ctx, frame, ann)
		return printDoneEvent{path: path, err: err}
	})
}

func (k *Kiosk) handlePrintDone(e printDoneEvent) {
	ch := k.s.pending
	k.s.pending = nil
	k.s.busy = notBusy

	if e.err != nil {
		err := e.err
		if !errors.Is(err, apperr.ErrComposite) {
			err = fmt.Errorf("%w: %v", apperr.ErrComposite, err)
		}
		k.log.Error("composite failed", "order_id", k.s.activeOrderID, "err", err)
		k.s.lastError = err.Error()
		k.notify()
		if ch != nil {
			ch <- reply{view: k.view(), err: err}
		}
		return
	}

	k.moveTo(model.PhasePrinted)
	k.s.printedPath = e.path
	k.s.lastError = ""
	k.log.Info("printed", "order_id", k.s.activeOrderID, "path", e.path)
	k.notify()
	if ch != nil {
		ch <- reply{view: k.view(), path: e.path}
	}
}

func (k *Kiosk) reset(ch chan reply) {
	if k.s.phase != model.PhasePrinted || k.s.busy != notBusy {
		k.reject(cmdReset, ch)
		return
	}
	k.toIdle("")
	k.notify()
	ch <- reply{view: k.view()}
}

// toIdle clears the session and moves to Idle, keeping msg as the
// error shown to the user.
func (k *Kiosk) toIdle(msg string) {
	k.poll.Cancel()
	if k.s.timer != nil {
		k.s.timer.Stop()
		k.s.timer = nil
	}
	k.s.countdownGen++
	if k.s.phase != model.PhaseIdle {
		k.moveTo(model.PhaseIdle)
	}
	k.s.countdown = 0
	k.s.frame = nil
	k.s.activeOrderID = ""
	k.s.codeURL = ""
	k.s.pollingActive = false
	k.s.printedPath = ""
	k.s.lastError = msg
}

func (k *Kiosk) moveTo(p model.Phase) {
	if err := k.phases.Transition(string(p)); err != nil {
		k.log.Error("phase transition rejected", "from", k.s.phase, "to", p, "err", err)
		return
	}
	k.s.phase = p
}

func (k *Kiosk) view() model.SessionView {
	return model.SessionView{
		Phase:              k.s.phase,
		CountdownRemaining: k.s.countdown,
		ActiveOrderID:      k.s.activeOrderID,
		CodeURL:            k.s.codeURL,
		PollingActive:      k.s.pollingActive,
		Frozen:             k.s.frame != nil,
		PrintedPath:        k.s.printedPath,
		Busy:               k.s.busy != notBusy,
		LastError:          k.s.lastError,
	}
}

func (k *Kiosk) notify() {
	if len(k.observers) == 0 {
		return
	}
	v := k.view()
	for _, fn := range k.observers {
		fn(v)
	}
}
