// Package app wires configuration into running services.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/config"
	"github.com/iliamunaev/photo-kiosk/internal/device/camera"
	"github.com/iliamunaev/photo-kiosk/internal/kiosk"
	"github.com/iliamunaev/photo-kiosk/internal/middleware"
	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/render"
	"github.com/iliamunaev/photo-kiosk/internal/service/payment"
	"github.com/iliamunaev/photo-kiosk/internal/service/poller"
	"github.com/iliamunaev/photo-kiosk/internal/service/pool"
	"github.com/iliamunaev/photo-kiosk/internal/service/signer"
	"github.com/iliamunaev/photo-kiosk/internal/service/tracker"
	"github.com/iliamunaev/photo-kiosk/internal/service/weather"
	httptransport "github.com/iliamunaev/photo-kiosk/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

// App is the kiosk process: state machine, collaborators and operator API.
type App struct {
	Kiosk   *kiosk.Kiosk
	Tracker *tracker.Tracker
	Handler http.Handler

	cfg    *config.Config
	amount int64
	log    *slog.Logger
	camera *camera.Camera
	poller *poller.Controller
}

// New builds the kiosk from a validated cfg. The camera is acquired here
// and released by Run, or by Close when Run is never called. Progress
// and payment codes are echoed to term when it is non-nil.
func New(cfg *config.Config, log *slog.Logger, term io.Writer) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	amount, err := cfg.AmountMinor()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrConfig, err)
	}

	key, err := signer.LoadPrivateKey(cfg.Merchant.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	sig, err := signer.New(cfg.Merchant.MchID, cfg.Merchant.SerialNo, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrConfig, err)
	}

	gw := payment.New(cfg.Gateway.BaseURL, cfg.Merchant.AppID, sig,
		payment.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.RequestTimeout}),
		payment.WithLogger(log.With("component", "gateway")),
	)
	pc := poller.New(gw,
		poller.WithInterval(cfg.Polling.Interval),
		poller.WithTimeout(cfg.Polling.Timeout),
		poller.WithLogger(log.With("component", "poller")),
	)

	cam, err := camera.Open(cfg.Camera.SnapshotPath)
	if err != nil {
		return nil, err
	}

	tr := &tracker.Tracker{}
	opts := []kiosk.Option{kiosk.WithObserver(sessionLogger(log.With("component", "session")))}
	if term != nil {
		opts = append(opts, kiosk.WithObserver(terminalCode(term, log)))
	}

	k, err := kiosk.New(kiosk.Deps{
		Gateway:    gw,
		Poller:     pc,
		Camera:     cam,
		Compositor: render.New(cfg.Render.TemplatePath, cfg.Render.OutputDir,
			render.WithFont(cfg.Render.FontPath, cfg.Render.FontSize),
			render.WithLogger(log.With("component", "render"))),
		Weather: weather.New(cfg.Weather.BaseURL, cfg.Weather.APIKey, cfg.Weather.City, cfg.Weather.CacheTTL,
			weather.WithLogger(log.With("component", "weather"))),
		Pool:   pool.New(cfg.Kiosk.Workers, tr),
		Logger: log.With("component", "kiosk"),
	}, kiosk.Config{
		AmountMinor: amount,
		Currency:    cfg.Payment.Currency,
		Description: cfg.Payment.Description,
		NotifyURL:   cfg.Merchant.NotifyURL,
		Headline:    cfg.Kiosk.Headline,
		Countdown:   cfg.Kiosk.Countdown,
		CallTimeout: cfg.Gateway.RequestTimeout + 5*time.Second,
	}, opts...)
	if err != nil {
		_ = cam.Close()
		return nil, err
	}

	h := httptransport.New(k, cfg.HTTP.RequestTimeout,
		httptransport.WithOverride(cfg.Kiosk.AllowOverride),
		httptransport.WithStats(tr.Stats),
		httptransport.WithLogger(log.With("component", "http")),
	)

	return &App{
		Kiosk:   k,
		Tracker: tr,
		Handler: middleware.Logging(log.With("component", "http"))(h.Routes()),
		cfg:     cfg,
		amount:  amount,
		log:     log,
		camera:  cam,
		poller:  pc,
	}, nil
}

// Run serves the operator API and drives the kiosk until ctx is done,
// then stops the server and the loop and releases the camera.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := newServer(a.cfg.HTTP.Addr, a.Handler)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Kiosk.Run(ctx) })
	g.Go(func() error {
		a.log.Info("operator api listening", "addr", srv.Addr,
			"price", config.FormatMinor(a.amount), "currency", a.cfg.Payment.Currency)
		return listen(srv)
	})
	g.Go(func() error {
		<-ctx.Done()
		return shutdown(srv)
	})

	err := g.Wait()
	a.poller.Cancel()
	return err
}

// Close releases the camera. It is safe to call more than once.
func (a *App) Close() error {
	return a.camera.Close()
}

func sessionLogger(log *slog.Logger) func(model.SessionView) {
	var last model.Phase
	return func(v model.SessionView) {
		if v.Phase == last {
			return
		}
		last = v.Phase
		log.Info("phase", "phase", v.Phase, "order_id", v.ActiveOrderID, "last_error", v.LastError)
	}
}

// terminalCode prints each new payment code as a terminal QR code.
func terminalCode(w io.Writer, log *slog.Logger) func(model.SessionView) {
	var shown string
	return func(v model.SessionView) {
		if v.CodeURL == "" || v.CodeURL == shown {
			shown = v.CodeURL
			return
		}
		shown = v.CodeURL
		q, err := qrcode.New(v.CodeURL, qrcode.Low)
		if err != nil {
			log.Warn("terminal qr failed", "err", err)
			return
		}
		fmt.Fprintf(w, "Scan to pay for order %s:\n%s\n%s\n", v.ActiveOrderID, q.ToSmallString(false), v.CodeURL)
	}
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
