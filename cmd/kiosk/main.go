package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliamunaev/photo-kiosk/internal/app"
	"github.com/iliamunaev/photo-kiosk/internal/config"
	"github.com/iliamunaev/photo-kiosk/internal/service/signer"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "kiosk",
		Short:         "Self-service photo kiosk with processor-backed payment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file (KIOSK_* env vars override it)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")

	root.AddCommand(serveCmd(g))
	root.AddCommand(mockpayCmd(g))
	root.AddCommand(signCmd())
	return root
}

// load reads the config and builds the process logger.
func (g *globalFlags) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd(g *globalFlags) *cobra.Command {
	var quietQR bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kiosk state machine and the operator API",
		Long: `Run the kiosk.

Examples:
  kiosk serve --config kiosk.yaml
  KIOSK_KIOSK_ALLOW_OVERRIDE=true kiosk serve -c kiosk.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var term io.Writer = cmd.OutOrStdout()
			if quietQR {
				term = nil
			}
			a, err := app.New(cfg, log, term)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&quietQR, "no-terminal-qr", false, "do not print payment codes to stdout")
	return cmd
}

func mockpayCmd(g *globalFlags) *cobra.Command {
	var autoPay time.Duration
	cmd := &cobra.Command{
		Use:   "mockpay",
		Short: "Run an in-memory stand-in for the payment processor",
		Long: `Run the mock processor.

Settle an order by hand with:
  curl -X POST http://127.0.0.1:8000/fakepay/<out_trade_no>
  curl -X POST 'http://127.0.0.1:8000/fakepay/<out_trade_no>?trade_state=CLOSED'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("auto-pay") {
				cfg.MockPay.AutoPayAfter = autoPay
			}
			if err := cfg.ValidateMockPay(); err != nil {
				return err
			}

			mp, err := app.NewMockPay(cfg, log)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return mp.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&autoPay, "auto-pay", 0, "mark new orders paid after this delay (overrides mockpay.auto_pay_after)")
	return cmd
}

type signFlags struct {
	keyPath  string
	mchID    string
	serialNo string
	method   string
	path     string
	body     string
	ts       int64
	nonce    string
}

func signCmd() *cobra.Command {
	f := &signFlags{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signing message and Authorization header for a request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd.OutOrStdout(), f, time.Now)
		},
	}
	cmd.Flags().StringVar(&f.keyPath, "key", "", "merchant private key (PEM)")
	cmd.Flags().StringVar(&f.mchID, "mchid", "", "merchant id")
	cmd.Flags().StringVar(&f.serialNo, "serial", "", "merchant certificate serial number")
	cmd.Flags().StringVarP(&f.method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVar(&f.path, "path", "", "request path including query, e.g. /v3/pay/transactions/native")
	cmd.Flags().StringVarP(&f.body, "data", "d", "", "request body, exactly as sent")
	cmd.Flags().Int64Var(&f.ts, "timestamp", 0, "unix seconds (default now)")
	cmd.Flags().StringVar(&f.nonce, "nonce", "", "nonce (default random)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("mchid")
	_ = cmd.MarkFlagRequired("serial")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func runSign(w io.Writer, f *signFlags, now func() time.Time) error {
	key, err := signer.LoadPrivateKey(f.keyPath)
	if err != nil {
		return err
	}
	s, err := signer.New(f.mchID, f.serialNo, key)
	if err != nil {
		return err
	}

	ts, nonce := f.ts, f.nonce
	if ts == 0 {
		ts = now().Unix()
	}
	if nonce == "" {
		nonce = signer.NewNonce()
	}

	header, err := s.Authorization(f.method, f.path, f.body, ts, nonce)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "message:\n%q\n\nAuthorization: %s\n", signer.Message(f.method, f.path, f.body, ts, nonce), header)
	return nil
}
