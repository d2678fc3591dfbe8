package order

import "time"

// Status 表示订单在执行管线中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// IsTerminal 判断状态是否为终态。failed 只有在重试耗尽后才是终态，
// 该判断由 Record.Final 结合状态共同给出。
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Request 为调用方提交的兑换请求。
type Request struct {
	TokenIn     string  `json:"tokenIn"`
	TokenOut    string  `json:"tokenOut"`
	Amount      float64 `json:"amount"`
	MaxSlippage float64 `json:"maxSlippage,omitempty"`
}

// Quote 为单个交易场所给出的报价。
type Quote struct {
	Dex   string  `json:"dex"`
	Price float64 `json:"price"`
	Fee   float64 `json:"fee"`
}

// OutputAfterFee 计算扣除手续费后的有效产出。
func (q Quote) OutputAfterFee(amount float64) float64 {
	return (amount - amount*q.Fee) * q.Price
}

// Record 为订单的持久化记录，durable store 是唯一权威来源。
type Record struct {
	OrderID       string
	TokenIn       string
	TokenOut      string
	Amount        float64
	MaxSlippage   float64
	Status        Status
	Quote         *Quote
	ExecutedPrice float64
	TxHash        string
	Slippage      float64
	Attempts      int
	Final         bool
	ErrorMessage  string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal 判断记录是否已进入不可变终态。
func (r Record) Terminal() bool {
	if r.Status == StatusConfirmed {
		return true
	}
	return r.Status == StatusFailed && r.Final
}

// Progress 为某一时刻的进度快照，仅保留最新一份，不保留历史。
type Progress struct {
	OrderID   string                 `json:"orderId"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
