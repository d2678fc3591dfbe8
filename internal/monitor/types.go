package monitor

import (
	"time"

	"swap-engine/internal/order"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOrderAccepted    EventType = "order_accepted"
	EventQuoteSelected    EventType = "quote_selected"
	EventExecution        EventType = "execution"
	EventPermanentFailure EventType = "permanent_failure"
	EventError            EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderAcceptedPayload 记录新订单的受理。
type OrderAcceptedPayload struct {
	OrderID string        `json:"orderId"`
	Request order.Request `json:"request"`
}

// QuoteSelectedPayload 记录路由阶段选中的报价。
type QuoteSelectedPayload struct {
	OrderID string      `json:"orderId"`
	Quote   order.Quote `json:"quote"`
	Attempt int         `json:"attempt"`
}

// ExecutionPayload 记录订单的成交结果。
type ExecutionPayload struct {
	OrderID       string      `json:"orderId"`
	Quote         order.Quote `json:"quote"`
	TxHash        string      `json:"txHash"`
	ExecutedPrice float64     `json:"executedPrice"`
	Slippage      float64     `json:"slippage"`
	Attempt       int         `json:"attempt"`
}

// PermanentFailurePayload 记录重试耗尽后的永久失败。
type PermanentFailurePayload struct {
	OrderID  string `json:"orderId"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
