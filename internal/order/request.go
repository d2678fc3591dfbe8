package order

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxSlippage 为未显式指定时的最大可接受滑点。
const DefaultMaxSlippage = 0.05

// Normalize 整理请求字段并填充默认滑点。
func (r *Request) Normalize() {
	r.TokenIn = strings.ToUpper(strings.TrimSpace(r.TokenIn))
	r.TokenOut = strings.ToUpper(strings.TrimSpace(r.TokenOut))
	if r.MaxSlippage <= 0 {
		r.MaxSlippage = DefaultMaxSlippage
	}
}

// Validate 校验请求是否可以进入管线。
func (r Request) Validate() error {
	if r.TokenIn == "" {
		return errors.New("order: tokenIn 不能为空")
	}
	if r.TokenOut == "" {
		return errors.New("order: tokenOut 不能为空")
	}
	if r.TokenIn == r.TokenOut {
		return fmt.Errorf("order: tokenIn 与 tokenOut 不能相同: %s", r.TokenIn)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("order: amount 必须大于0, 当前为 %v", r.Amount)
	}
	if r.MaxSlippage < 0 {
		return fmt.Errorf("order: maxSlippage 不能为负, 当前为 %v", r.MaxSlippage)
	}
	return nil
}
