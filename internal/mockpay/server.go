package mockpay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/iliamunaev/photo-kiosk/internal/middleware"
	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/payment"
	"github.com/iliamunaev/photo-kiosk/internal/service/shared"
	"github.com/iliamunaev/photo-kiosk/internal/service/signer"
)

const maxBodyBytes = 1 << 20

// CodeURLPrefix is followed by the out_trade_no in every issued code.
const CodeURLPrefix = "weixin://wxpay/bizpayurl?mock_pay="

// Processor error codes.
const (
	CodeParamError       = "PARAM_ERROR"
	CodeSignError        = "SIGN_ERROR"
	CodeOrderNotExist    = "ORDER_NOT_EXIST"
	CodeOrderClosed      = "ORDER_CLOSED"
	CodeFrequencyLimited = "FREQUENCY_LIMITED"
)

// china is the offset success_time is reported in.
var china = time.FixedZone("CST", 8*60*60)

// Server serves the processor endpoints over an OrderStore.
type Server struct {
	store        *OrderStore
	log          *slog.Logger
	limiter      *rate.Limiter
	verifyKey    *rsa.PublicKey
	autoPayAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRateLimit caps requests per second across all clients.
// Non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithVerifyKey rejects requests whose Authorization signature does not
// verify against pub.
func WithVerifyKey(pub *rsa.PublicKey) Option {
	return func(s *Server) { s.verifyKey = pub }
}

// WithAutoPay marks every new order paid after d. Zero disables.
func WithAutoPay(d time.Duration) Option {
	return func(s *Server) { s.autoPayAfter = d }
}

// NewServer returns a Server. Close stops pending auto-payments.
func NewServer(store *OrderStore, opts ...Option) *Server {
	if store == nil {
		panic("mockpay.NewServer: nil store")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  store,
		log:    slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close cancels pending auto-payments and waits for them to exit.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Routes returns the processor API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging(s.log))
	r.Use(s.rateLimit)

	r.Post(payment.NativeOrderPath, s.handleCreate)
	r.Get(payment.QueryOrderPath+"{out_trade_no}", s.handleQuery)
	r.Post("/fakepay/{out_trade_no}", s.handleFakePay)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "orders": s.store.Len()})
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, CodeFrequencyLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeParamError, "unreadable body")
		return
	}
	if err := s.authenticate(r, body); err != nil {
		s.log.Warn("rejected create", "err", err)
		writeError(w, http.StatusUnauthorized, CodeSignError, err.Error())
		return
	}

	var req model.NativeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeParamError, "invalid JSON")
		return
	}
	if req.OutTradeNo == "" {
		writeError(w, http.StatusBadRequest, CodeParamError, "out_trade_no is required")
		return
	}
	if req.Amount.Total <= 0 {
		writeError(w, http.StatusBadRequest, CodeParamError, "amount.total must be positive")
		return
	}

	rec, created := s.store.Create(Record{
		Order: model.Order{
			ID:               req.OutTradeNo,
			AmountMinorUnits: req.Amount.Total,
			Currency:         req.Amount.Currency,
			Description:      req.Description,
			NotifyURL:        req.NotifyURL,
		},
		AppID:   req.AppID,
		MchID:   req.MchID,
		CodeURL: CodeURLPrefix + req.OutTradeNo,
	})
	if created {
		s.log.Info("order created", "order_id", rec.ID, "total", rec.AmountMinorUnits, "currency", rec.Currency)
		s.scheduleAutoPay(rec.ID)
	} else {
		s.log.Info("order create repeated", "order_id", rec.ID, "status", rec.Status)
	}

	writeJSON(w, http.StatusOK, model.NativeOrderResponse{CodeURL: rec.CodeURL})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticate(r, nil); err != nil {
		s.log.Warn("rejected query", "err", err)
		writeError(w, http.StatusUnauthorized, CodeSignError, err.Error())
		return
	}

	id := chi.URLParam(r, "out_trade_no")
	rec, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeOrderNotExist, "order not found")
		return
	}

	mchID := r.URL.Query().Get("mchid")
	if mchID == "" {
		mchID = rec.MchID
	}
	resp := model.QueryOrderResponse{
		AppID:          rec.AppID,
		MchID:          mchID,
		OutTradeNo:     rec.ID,
		TradeState:     TradeState(rec.Status),
		TradeStateDesc: describe(rec.Status),
	}
	if rec.Status == model.StatusSuccess {
		ts := rec.SuccessTime.In(china).Format(time.RFC3339)
		resp.SuccessTime = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFakePay settles an order. ?trade_state= picks the outcome,
// SUCCESS by default.
func (s *Server) handleFakePay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "out_trade_no")

	state := strings.ToUpper(r.URL.Query().Get("trade_state"))
	if state == "" {
		state = model.TradeStateSuccess
	}
	status := payment.ParseTradeState(state)
	if status == model.StatusUnknown || status == model.StatusNotPaid {
		writeError(w, http.StatusBadRequest, CodeParamError, fmt.Sprintf("unsupported trade_state %q", state))
		return
	}

	rec, err := s.store.SetStatus(id, status)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, CodeOrderNotExist, "order not found")
		return
	case errors.Is(err, ErrFinal):
		writeError(w, http.StatusConflict, CodeOrderClosed, fmt.Sprintf("order is %s", TradeState(rec.Status)))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "SYSTEM_ERROR", err.Error())
		return
	}

	s.log.Info("order settled manually", "order_id", id, "trade_state", state)
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok", "trade_state": state})
}

func (s *Server) scheduleAutoPay(id string) {
	if s.autoPayAfter <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := shared.SleepOrDone(s.ctx, s.autoPayAfter); err != nil {
			return
		}
		if _, err := s.store.ForceSuccess(id); err != nil {
			s.log.Info("auto-pay skipped", "order_id", id, "err", err)
			return
		}
		s.log.Info("order auto-paid", "order_id", id)
	}()
}

// authenticate checks the Authorization header when a verify key is set.
func (s *Server) authenticate(r *http.Request, body []byte) error {
	if s.verifyKey == nil {
		return nil
	}
	auth, err := signer.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	return signer.Verify(s.verifyKey, r.Method, r.URL.RequestURI(), string(body), auth.Timestamp, auth.Nonce, auth.Signature)
}

// TradeState is the processor spelling of status.
func TradeState(status model.OrderStatus) string {
	switch status {
	case model.StatusUserPaying:
		return model.TradeStateUserPaying
	case model.StatusSuccess:
		return model.TradeStateSuccess
	case model.StatusClosed:
		return model.TradeStateClosed
	case model.StatusPayError:
		return model.TradeStatePayError
	case model.StatusRevoked:
		return model.TradeStateRevoked
	default:
		return model.TradeStateNotPay
	}
}

func describe(status model.OrderStatus) string {
	switch status {
	case model.StatusSuccess:
		return "payment succeeded"
	case model.StatusClosed:
		return "order closed"
	case model.StatusPayError:
		return "payment failed"
	case model.StatusRevoked:
		return "order revoked"
	case model.StatusUserPaying:
		return "waiting for the customer to confirm"
	default:
		return "awaiting payment"
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.ProcessorError{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
