package kiosk

import (
	"image"

	"github.com/iliamunaev/photo-kiosk/internal/model"
	"github.com/iliamunaev/photo-kiosk/internal/service/poller"
)

// Everything that mutates the session arrives on the loop as one of
// these values.

type commandKind int

const (
	cmdStartPay commandKind = iota
	cmdCancel
	cmdPrint
	cmdReset
	cmdSnapshot
)

func (c commandKind) String() string {
	switch c {
	case cmdStartPay:
		return "start_pay"
	case cmdCancel:
		return "cancel"
	case cmdPrint:
		return "print"
	case cmdReset:
		return "reset"
	case cmdSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

type reply struct {
	view model.SessionView
	path string
	err  error
}

type commandEvent struct {
	kind  commandKind
	reply chan reply // buffered, capacity 1
}

// paymentEvent carries poller outcomes and injected confirmations alike.
type paymentEvent struct {
	ev       poller.Event
	injected bool
}

type orderCreatedEvent struct {
	orderID string
	codeURL string
	err     error
}

type countdownTickEvent struct {
	gen uint64
}

type captureDoneEvent struct {
	frame image.Image
	err   error
}

type printDoneEvent struct {
	path string
	err  error
}
