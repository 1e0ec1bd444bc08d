// Package model defines the domain types and the request and response
// payloads used by the kiosk, the payment processor, and the operator API.
// It keeps transport-level types in one place for reuse.
package model

import "time"

// OrderStatus is the settlement state of an order as seen by the kiosk.
type OrderStatus string

const (
	StatusNotPaid    OrderStatus = "NOT_PAID"
	StatusUserPaying OrderStatus = "USER_PAYING"
	StatusSuccess    OrderStatus = "SUCCESS"
	StatusClosed     OrderStatus = "CLOSED"
	StatusPayError   OrderStatus = "PAY_ERROR"
	StatusRevoked    OrderStatus = "REVOKED"
	StatusUnknown    OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further transition is possible from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusClosed, StatusPayError, StatusRevoked:
		return true
	default:
		return false
	}
}

// Order is a single payment request tracked by id.
type Order struct {
	ID               string
	AmountMinorUnits int64
	Currency         string
	Description      string
	NotifyURL        string
	Status           OrderStatus
	CreatedAt        time.Time
	SuccessTime      time.Time // zero unless Status == StatusSuccess
}
