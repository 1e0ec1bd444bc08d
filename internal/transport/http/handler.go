// Package httptransport implements the operator HTTP API that drives
// the kiosk session.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/tracker"
)

// QRSize is the edge length in pixels of GET /session/code.png.
const QRSize = 256

// sessionDriver is the part of *kiosk.Kiosk the API calls.
type sessionDriver interface {
	StartPay(ctx context.Context) (model.SessionView, error)
	Cancel(ctx context.Context) (model.SessionView, error)
	Print(ctx context.Context) (string, model.SessionView, error)
	Reset(ctx context.Context) (model.SessionView, error)
	Snapshot(ctx context.Context) (model.SessionView, error)
	ConfirmPayment(orderID string) error
}

// Handler serves the operator API.
type Handler struct {
	kiosk          sessionDriver
	requestTimeout time.Duration
	allowOverride  bool
	stats          func() tracker.Stats
	log            *slog.Logger
}

type Option func(*Handler)

// WithOverride enables POST /session/confirm.
func WithOverride(enabled bool) Option {
	return func(h *Handler) { h.allowOverride = enabled }
}

// WithStats reports worker stats on GET /health.
func WithStats(fn func() tracker.Stats) Option {
	return func(h *Handler) { h.stats = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New returns a Handler for k.
//
// It panics if k is nil. If requestTimeout is non-positive,
// a default timeout is applied.
func New(k sessionDriver, requestTimeout time.Duration, opts ...Option) *Handler {
	if k == nil {
		panic("httptransport.New: nil kiosk")
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	h := &Handler{
		kiosk:          k,
		requestTimeout: requestTimeout,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /session", h.HandleSession)
	mux.HandleFunc("GET /session/code.png", h.HandleCode)
	mux.HandleFunc("POST /session/pay", h.command(h.kiosk.StartPay))
	mux.HandleFunc("POST /session/cancel", h.command(h.kiosk.Cancel))
	mux.HandleFunc("POST /session/reset", h.command(h.kiosk.Reset))
	mux.HandleFunc("POST /session/print", h.command(func(ctx context.Context) (model.SessionView, error) {
		_, v, err := h.kiosk.Print(ctx)
		return v, err
	}))
	if h.allowOverride {
		mux.HandleFunc("POST /session/confirm", h.HandleConfirm)
	}
	return mux
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.stats != nil {
		body["jobs"] = h.stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleSession returns the current session.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	v, err := h.kiosk.Snapshot(ctx)
	h.respond(w, v, err)
}

// HandleCode renders the pending payment code as a PNG QR code.
func (h *Handler) HandleCode(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	v, err := h.kiosk.Snapshot(ctx)
	if err != nil {
		h.respond(w, v, err)
		return
	}
	if v.CodeURL == "" {
		writeJSON(w, http.StatusNotFound, model.SessionResponse{
			Status:  "error",
			Session: &v,
			Error:   &model.ErrorPayload{Kind: "no_code", Message: "no payment code pending"},
		})
		return
	}

	png, err := qrcode.Encode(v.CodeURL, qrcode.Medium, QRSize)
	if err != nil {
		h.log.Error("qr encode failed", "err", err)
		h.respond(w, v, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type confirmRequest struct {
	OrderID string `json:"order_id"`
}

// HandleConfirm injects a payment confirmation. An empty body confirms
// the active order.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var req confirmRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON")
		return
	}

	if req.OrderID == "" {
		v, err := h.kiosk.Snapshot(ctx)
		if err != nil {
			h.respond(w, v, err)
			return
		}
		if v.ActiveOrderID == "" {
			writeBadRequest(w, "no active order")
			return
		}
		req.OrderID = v.ActiveOrderID
	}

	if err := h.kiosk.ConfirmPayment(req.OrderID); err != nil {
		h.respond(w, model.SessionView{}, err)
		return
	}
	h.log.Warn("payment confirmation injected by operator", "order_id", req.OrderID)

	// Queued behind the confirmation, so it observes its effect.
	v, err := h.kiosk.Snapshot(ctx)
	h.respond(w, v, err)
}

func (h *Handler) command(fn func(context.Context) (model.SessionView, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
		defer cancel()

		v, err := fn(ctx)
		h.respond(w, v, err)
	}
}

func (h *Handler) respond(w http.ResponseWriter, v model.SessionView, err error) {
	resp := model.SessionResponse{Status: "ok"}
	if v.Phase != "" {
		resp.Session = &v
	}
	if err != nil {
		resp.Status = "error"
		resp.Error = errorPayload(err)
	}
	writeJSON(w, httpStatus(err), resp)
}

// writeJSON writes v as a JSON response with the given status code.
// The Content-Type is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, model.SessionResponse{
		Status: "error",
		Error:  &model.ErrorPayload{Kind: "bad_request", Message: msg},
	})
}
