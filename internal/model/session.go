package model

// Phase is the kiosk state machine phase.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseAwaitingPayment Phase = "awaiting_payment"
	PhaseCountingDown    Phase = "counting_down"
	PhaseFrozen          Phase = "frozen"
	PhasePrinted         Phase = "printed"
)

// SessionView is a read-only copy of the kiosk session.
type SessionView struct {
	Phase              Phase  `json:"phase"`
	CountdownRemaining int    `json:"countdown_remaining"`
	ActiveOrderID      string `json:"active_order_id,omitempty"`
	CodeURL            string `json:"code_url,omitempty"`
	PollingActive      bool   `json:"polling_active"`
	Frozen             bool   `json:"frozen"` // a captured frame replaces the live feed
	PrintedPath        string `json:"printed_path,omitempty"`
	Busy               bool   `json:"busy"` // create, capture or composite in flight
	LastError          string `json:"last_error,omitempty"`
}

// SessionResponse is the output payload of the operator API.
type SessionResponse struct {
	Status  string        `json:"status"` // "ok" | "error"
	Session *SessionView  `json:"session,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload describes an error response.
type ErrorPayload struct {
	Kind    string `json:"kind"`              // "invalid_state", "transport", "timeout"
	Message string `json:"message,omitempty"` // optional, human-readable error message
}
