package venue

import (
	"context"
	"time"

	"swap-engine/internal/order"
)

// ExecutionRequest 描述提交给交易场所的兑换请求。
type ExecutionRequest struct {
	TokenIn   string
	TokenOut  string
	Amount    float64
	Timestamp time.Time
}

// ExecutionResult 为场所返回的成交结果。
type ExecutionResult struct {
	TxHash        string
	ExecutedPrice float64
}

// Adapter 抽象单个交易场所：既是报价来源也是执行目标。
// 调用可能缓慢也可能失败，上层必须自行加超时并处理错误。
type Adapter interface {
	// Name 返回场所名称（dex 标识）。
	Name() string
	// Quote 返回指定数量的报价，fee 为成交前按输入扣除的比例。
	Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (order.Quote, error)
	// Execute 按此前报价的场所执行兑换。
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}
