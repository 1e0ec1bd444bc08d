package app

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliamunaev/photo-kiosk/internal/config"
	"github.com/iliamunaev/photo-kiosk/internal/mockpay"
	"github.com/iliamunaev/photo-kiosk/internal/service/signer"
)

// sweepEvery is how often expired mock orders are closed.
const sweepEvery = time.Minute

// MockPay is the stand-in payment processor process.
type MockPay struct {
	Store   *mockpay.OrderStore
	Handler http.Handler

	addr   string
	server *mockpay.Server
	log    *slog.Logger
}

// NewMockPay builds the mock processor from cfg.MockPay.
func NewMockPay(cfg *config.Config, log *slog.Logger) (*MockPay, error) {
	if log == nil {
		log = slog.Default()
	}

	var pub *rsa.PublicKey
	if cfg.MockPay.PublicKeyPath != "" {
		k, err := signer.LoadPublicKey(cfg.MockPay.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		pub = k
	}

	store := mockpay.NewStore(cfg.MockPay.CloseAfter, nil, log.With("component", "store"))
	srv := mockpay.NewServer(store,
		mockpay.WithLogger(log),
		mockpay.WithRateLimit(cfg.MockPay.RateLimit, int(cfg.MockPay.RateLimit)+1),
		mockpay.WithVerifyKey(pub),
		mockpay.WithAutoPay(cfg.MockPay.AutoPayAfter),
	)

	return &MockPay{
		Store:   store,
		Handler: srv.Routes(),
		addr:    cfg.MockPay.Addr,
		server:  srv,
		log:     log,
	}, nil
}

// Run serves until ctx is done.
func (m *MockPay) Run(ctx context.Context) error {
	defer m.server.Close()

	srv := newServer(m.addr, m.Handler)
	g, ctx := errgroup.WithContext(ctx)

	sweeper := m.Store.StartSweeper(ctx, sweepEvery)
	g.Go(func() error {
		m.log.Info("mock processor listening", "addr", srv.Addr)
		return listen(srv)
	})
	g.Go(func() error {
		<-ctx.Done()
		err := shutdown(srv)
		<-sweeper
		return err
	})
	return g.Wait()
}
