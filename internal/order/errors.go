package order

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoQuote 表示所有交易场所均未返回可用报价。
	ErrNoQuote = errors.New("order: 所有交易场所报价均失败")
	// ErrTerminal 表示订单已处于终态，记录不可再变更。
	ErrTerminal = errors.New("order: 订单已处于终态")
)

// SlippageError 表示成交价相对报价的滑点超出允许范围。
// 按现行语义与基础设施错误同等对待：消耗一次尝试，剩余次数内继续重试。
type SlippageError struct {
	Actual  float64
	Allowed float64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("order: 滑点超限: 实际滑点 %.2f%% 超过允许的 %.2f%%", e.Actual*100, e.Allowed*100)
}

// AdapterError 表示交易场所调用本身失败。
type AdapterError struct {
	Venue string
	Op    string
	Err   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("order: 交易场所 %s 调用 %s 失败: %v", e.Venue, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否可重试。现行语义下超时、场所调用失败与滑点超限
// 一律重试，只有上下文取消与终态错误明确不可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTerminal) {
		return false
	}
	return true
}

// IsTimeout 判断错误是否由调用超时引起。
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
