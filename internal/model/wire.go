package model

// Trade states as spelled by the payment processor.
const (
	TradeStateNotPay     = "NOTPAY"
	TradeStateUserPaying = "USERPAYING"
	TradeStateSuccess    = "SUCCESS"
	TradeStateClosed     = "CLOSED"
	TradeStatePayError   = "PAYERROR"
	TradeStateRevoked    = "REVOKED"
)

// NativeOrderRequest is the body of POST /v3/pay/transactions/native.
// Field order is the order the processor documents.
type NativeOrderRequest struct {
	MchID       string `json:"mchid"`
	AppID       string `json:"appid"`
	Description string `json:"description"`
	OutTradeNo  string `json:"out_trade_no"`
	NotifyURL   string `json:"notify_url"`
	Amount      Amount `json:"amount"`
}

// Amount is expressed in minor units (fen for CNY).
type Amount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

// NativeOrderResponse carries the payment code to render.
type NativeOrderResponse struct {
	CodeURL string `json:"code_url"`
}

// QueryOrderResponse is returned by
// GET /v3/pay/transactions/out-trade-no/{out_trade_no}.
type QueryOrderResponse struct {
	AppID          string  `json:"appid,omitempty"`
	MchID          string  `json:"mchid,omitempty"`
	OutTradeNo     string  `json:"out_trade_no"`
	TradeState     string  `json:"trade_state"`
	TradeStateDesc string  `json:"trade_state_desc,omitempty"`
	SuccessTime    *string `json:"success_time"` // RFC 3339 with +08:00, SUCCESS only
}

// ProcessorError is the error body returned by the processor.
type ProcessorError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
