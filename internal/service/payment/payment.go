// Package payment is the HTTP client for the remote payment processor.
//
// The client is stateless: CreateOrder issues a signed native order and
// returns the code to render, QueryOrder reads the settlement state of an
// order. Neither call retries. Every failure is returned as an
// *apperr.GatewayError.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/signer"
)

const (
	NativeOrderPath = "/v3/pay/transactions/native"
	QueryOrderPath  = "/v3/pay/transactions/out-trade-no/"

	maxResponseBytes = 1 << 20
)

// Client talks to the payment processor on behalf of one merchant.
type Client struct {
	baseURL string
	appID   string
	signer  *signer.Signer
	http    *http.Client
	now     func() time.Time
	nonce   func() string
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock sets the timestamp source used for signing.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithNonce sets the nonce source used for signing.
func WithNonce(nonce func() string) Option {
	return func(c *Client) { c.nonce = nonce }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New returns a Client for baseURL (scheme and host, no trailing path).
//
// It panics if s is nil.
func New(baseURL, appID string, s *signer.Signer, opts ...Option) *Client {
	if s == nil {
		panic("payment.New: nil signer")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		signer:  s,
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		nonce:   signer.NewNonce,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOrder issues a native order and returns the payment code URI.
func (c *Client) CreateOrder(ctx context.Context, id string, amountMinor int64, currency, description, notifyURL string) (string, error) {
	const op = "create order"

	body, err := encodeJSON(model.NativeOrderRequest{
		MchID:       c.signer.MchID(),
		AppID:       c.appID,
		Description: description,
		OutTradeNo:  id,
		NotifyURL:   notifyURL,
		Amount:      model.Amount{Total: amountMinor, Currency: currency},
	})
	if err != nil {
		return "", &apperr.GatewayError{Op: op, Reason: apperr.GatewayTransport, Err: err}
	}

	status, respBody, err := c.do(ctx, op, http.MethodPost, NativeOrderPath, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", &apperr.GatewayError{Op: op, Reason: apperr.GatewayUnexpectedStatus, StatusCode: status, Body: string(respBody)}
	}

	var out model.NativeOrderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &apperr.GatewayError{Op: op, Reason: apperr.GatewayMalformedResponse, Err: err}
	}
	if out.CodeURL == "" {
		return "", &apperr.GatewayError{Op: op, Reason: apperr.GatewayMalformedResponse, Err: errors.New("missing code_url")}
	}

	c.log.Info("order created", "order_id", id, "amount", amountMinor, "currency", currency)
	return out.CodeURL, nil
}

// QueryOrder returns the current settlement state of order id.
// Unrecognized trade states map to model.StatusUnknown.
func (c *Client) QueryOrder(ctx context.Context, id string) (model.OrderStatus, error) {
	const op = "query order"

	path := QueryOrderPath + url.PathEscape(id) + "?mchid=" + url.QueryEscape(c.signer.MchID())

	status, respBody, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return model.StatusUnknown, err
	}
	if status != http.StatusOK {
		return model.StatusUnknown, &apperr.GatewayError{Op: op, Reason: apperr.GatewayUnexpectedStatus, StatusCode: status, Body: string(respBody)}
	}

	var out model.QueryOrderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return model.StatusUnknown, &apperr.GatewayError{Op: op, Reason: apperr.GatewayMalformedResponse, Err: err}
	}
	if out.TradeState == "" {
		return model.StatusUnknown, &apperr.GatewayError{Op: op, Reason: apperr.GatewayMalformedResponse, Err: errors.New("missing trade_state")}
	}

	st := ParseTradeState(out.TradeState)
	if st == model.StatusUnknown {
		c.log.Warn("unrecognized trade state", "order_id", id, "trade_state", out.TradeState)
	}
	if st == model.StatusSuccess && out.SuccessTime != nil {
		if paidAt, err := time.Parse(time.RFC3339, *out.SuccessTime); err == nil {
			c.log.Info("order paid", "order_id", id, "success_time", paidAt)
		} else {
			c.log.Warn("unparsable success_time", "order_id", id, "success_time", *out.SuccessTime)
		}
	}
	return st, nil
}

// ParseTradeState maps the processor's trade_state vocabulary onto
// model.OrderStatus.
func ParseTradeState(s string) model.OrderStatus {
	switch s {
	case model.TradeStateNotPay:
		return model.StatusNotPaid
	case model.TradeStateUserPaying:
		return model.StatusUserPaying
	case model.TradeStateSuccess:
		return model.StatusSuccess
	case model.TradeStateClosed:
		return model.StatusClosed
	case model.TradeStatePayError:
		return model.StatusPayError
	case model.TradeStateRevoked:
		return model.StatusRevoked
	default:
		return model.StatusUnknown
	}
}

// do signs and sends one request. The exact bytes signed are the bytes sent.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (int, []byte, error) {
	header, err := c.signer.Authorization(method, path, string(body), c.now().Unix(), c.nonce())
	if err != nil {
		return 0, nil, &apperr.GatewayError{Op: op, Reason: apperr.GatewayTransport, Err: err}
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, &apperr.GatewayError{Op: op, Reason: apperr.GatewayTransport, Err: err}
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &apperr.GatewayError{Op: op, Reason: apperr.GatewayTransport, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &apperr.GatewayError{Op: op, Reason: apperr.GatewayTransport, Err: fmt.Errorf("read body: %w", err)}
	}
	return resp.StatusCode, respBody, nil
}

// encodeJSON encodes v without HTML escaping and without the trailing
// newline json.Encoder appends.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
