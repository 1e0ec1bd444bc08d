// Package apperr defines the error taxonomy shared by the kiosk core
// and maps errors to stable kinds and operator API status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfig        = errors.New("invalid configuration")
	ErrCapture       = errors.New("camera capture failed")
	ErrComposite     = errors.New("composite failed")
	ErrPollTimeout   = errors.New("payment polling timed out")
	ErrPaymentFailed = errors.New("payment failed")
	ErrInvalidState  = errors.New("operation not allowed in current state")
)

// GatewayErrorKind classifies a failed call to the payment processor.
type GatewayErrorKind string

const (
	GatewayTransport         GatewayErrorKind = "transport"
	GatewayUnexpectedStatus  GatewayErrorKind = "unexpected_status"
	GatewayMalformedResponse GatewayErrorKind = "malformed_response"
)

// GatewayError is returned by the payment gateway for every failed call.
// StatusCode and Body are set for GatewayUnexpectedStatus only.
type GatewayError struct {
	Op         string
	Reason     GatewayErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	switch e.Reason {
	case GatewayUnexpectedStatus:
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Kind reports the classification used by Kind and HTTPStatus.
func (e *GatewayError) Kind() string { return string(e.Reason) }

// kinder is satisfied by errors that carry their own classification.
type kinder interface {
	Kind() string
}

// Kind returns a stable, lower_snake classification for err.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var k kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrConfig):
		return "config"

	case errors.Is(err, ErrCapture):
		return "capture"

	case errors.Is(err, ErrComposite):
		return "composite"

	case errors.Is(err, ErrPollTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"

	case errors.Is(err, ErrInvalidState):
		return "invalid_state"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

var kindToStatus = map[string]int{
	"config":                         http.StatusInternalServerError,
	"capture":                        http.StatusServiceUnavailable,
	"composite":                      http.StatusInternalServerError,
	"timeout":                        http.StatusGatewayTimeout,
	"payment_failed":                 http.StatusPaymentRequired,
	"invalid_state":                  http.StatusConflict,
	"canceled":                       http.StatusRequestTimeout,
	string(GatewayTransport):         http.StatusBadGateway,
	string(GatewayUnexpectedStatus):  http.StatusBadGateway,
	string(GatewayMalformedResponse): http.StatusBadGateway,
}

// HTTPStatus maps err to the status code the operator API responds with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[Kind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
