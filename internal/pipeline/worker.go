package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swap-engine/internal/broadcast"
	"swap-engine/internal/cache"
	"swap-engine/internal/monitor"
	"swap-engine/internal/order"
	"swap-engine/internal/queue"
	"swap-engine/internal/store"
	"swap-engine/internal/venue"
)

// Config 控制管线各阶段的超时与重试上限。
type Config struct {
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
	MaxAttempts    int
}

type orderStore interface {
	UpdateStatus(ctx context.Context, orderID string, status order.Status, fields store.UpdateFields) error
}

// Worker 驱动单个订单任务走完 routing → building → submitted → confirmed
// 状态机。每次状态迁移都会写缓存、写持久化存储并广播进度；
// 持久化存储为权威记录，缓存与广播均为尽力而为。
type Worker struct {
	cfg     Config
	venues  []venue.Adapter
	orders  orderStore
	active  *cache.ActiveOrders
	bcast   *broadcast.Broadcaster
	monitor *monitor.Service
	logger  *zap.Logger
}

// NewWorker 创建管线执行器。venues 的顺序即报价平局时的优先顺序。
func NewWorker(
	cfg Config,
	venues []venue.Adapter,
	orders orderStore,
	active *cache.ActiveOrders,
	bcast *broadcast.Broadcaster,
	mon *monitor.Service,
	logger *zap.Logger,
) (*Worker, error) {
	if len(venues) == 0 {
		return nil, errors.New("pipeline: 至少需要一个交易场所")
	}
	if orders == nil {
		return nil, errors.New("pipeline: 订单存储不能为空")
	}
	if active == nil {
		return nil, errors.New("pipeline: 活跃订单缓存不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 10 * time.Second
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	return &Worker{
		cfg:     cfg,
		venues:  venues,
		orders:  orders,
		active:  active,
		bcast:   bcast,
		monitor: mon,
		logger:  logger,
	}, nil
}

// Process 执行一次完整的管线尝试。任何错误都会先落库为 failed 进度，
// 再上抛给调度器决定重试或永久失败。每次重试从 routing 重新开始，
// 上一次尝试已获取的报价会被丢弃重取。
func (w *Worker) Process(ctx context.Context, job queue.Job) error {
	attempt := job.AttemptsMade + 1
	req := job.Request

	if err := w.runAttempt(ctx, job.OrderID, req, attempt); err != nil {
		w.recordFailure(ctx, job.OrderID, attempt, err)
		return err
	}

	return nil
}

func (w *Worker) runAttempt(ctx context.Context, orderID string, req order.Request, attempt int) error {
	// ROUTING：并发向全部场所询价，按扣费后有效产出选择最优。
	quote, err := w.route(ctx, orderID, req, attempt)
	if err != nil {
		return err
	}

	// BUILDING：纯观察性阶段，提交前的最后一次进度提示。
	w.transition(ctx, orderID, order.Progress{
		OrderID: orderID,
		Status:  order.StatusBuilding,
		Message: fmt.Sprintf("正在构建 %s 兑换交易", quote.Dex),
	}, store.UpdateFields{})

	// SUBMITTED：紧接着就会发起执行调用。
	w.transition(ctx, orderID, order.Progress{
		OrderID: orderID,
		Status:  order.StatusSubmitted,
		Message: fmt.Sprintf("交易已提交至 %s", quote.Dex),
		Data: map[string]interface{}{
			"dex": quote.Dex,
		},
	}, store.UpdateFields{})

	result, err := w.execute(ctx, quote.Dex, req)
	if err != nil {
		return err
	}

	slippage, err := w.checkSlippage(quote, result.ExecutedPrice, req.MaxSlippage)
	if err != nil {
		return err
	}

	// CONFIRMED：落库成交信息并清理缓存条目与历史错误信息。
	empty := ""
	w.transition(ctx, orderID, order.Progress{
		OrderID: orderID,
		Status:  order.StatusConfirmed,
		Message: fmt.Sprintf("兑换完成，成交价 %.6f", result.ExecutedPrice),
		Data: map[string]interface{}{
			"txHash":        result.TxHash,
			"executedPrice": result.ExecutedPrice,
			"slippage":      slippage,
		},
	}, store.UpdateFields{
		TxHash:        &result.TxHash,
		ExecutedPrice: &result.ExecutedPrice,
		Slippage:      &slippage,
		Attempts:      &attempt,
		ErrorMessage:  &empty,
		FailureReason: &empty,
	})

	w.active.Remove(orderID)

	if w.monitor != nil {
		w.monitor.RecordExecution(ctx, orderID, quote, result.TxHash, result.ExecutedPrice, slippage, attempt)
	}

	w.logger.Info("订单执行完成",
		zap.String("order_id", orderID),
		zap.String("dex", quote.Dex),
		zap.String("tx_hash", result.TxHash),
		zap.Float64("executed_price", result.ExecutedPrice),
		zap.Float64("slippage", slippage),
		zap.Int("attempts", attempt),
	)

	return nil
}

// route 并发获取全部场所报价并选出最优。只要有一个场所成功即可继续，
// 全部失败视为可重试错误。
func (w *Worker) route(ctx context.Context, orderID string, req order.Request, attempt int) (order.Quote, error) {
	quoteCtx, cancel := context.WithTimeout(ctx, w.cfg.QuoteTimeout)
	defer cancel()

	quotes := make([]*order.Quote, len(w.venues))
	failures := make([]error, len(w.venues))

	group, groupCtx := errgroup.WithContext(quoteCtx)
	for i, v := range w.venues {
		group.Go(func() error {
			q, err := v.Quote(groupCtx, req.TokenIn, req.TokenOut, req.Amount)
			if err != nil {
				failures[i] = &order.AdapterError{Venue: v.Name(), Op: "quote", Err: err}
				return nil
			}
			quotes[i] = &q
			return nil
		})
	}
	_ = group.Wait()

	// 平局时保持稳定：靠前配置的场所优先。
	var best *order.Quote
	for _, q := range quotes {
		if q == nil {
			continue
		}
		if best == nil || q.OutputAfterFee(req.Amount) > best.OutputAfterFee(req.Amount) {
			best = q
		}
	}

	if best == nil {
		combined := multierr.Combine(failures...)
		return order.Quote{}, fmt.Errorf("%w: %v", order.ErrNoQuote, combined)
	}

	w.transition(ctx, orderID, order.Progress{
		OrderID: orderID,
		Status:  order.StatusRouting,
		Message: fmt.Sprintf("已选择最优报价: %s", best.Dex),
		Data: map[string]interface{}{
			"dex":            best.Dex,
			"price":          best.Price,
			"fee":            best.Fee,
			"outputAfterFee": best.OutputAfterFee(req.Amount),
		},
	}, store.UpdateFields{
		QuoteDex:   &best.Dex,
		QuotePrice: &best.Price,
		QuoteFee:   &best.Fee,
		Attempts:   &attempt,
	})

	if w.monitor != nil {
		w.monitor.RecordQuote(ctx, orderID, *best, attempt)
	}

	return *best, nil
}

// execute 按选定场所执行兑换，调用受执行超时约束。
func (w *Worker) execute(ctx context.Context, dex string, req order.Request) (venue.ExecutionResult, error) {
	target, err := w.venueByName(dex)
	if err != nil {
		return venue.ExecutionResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecuteTimeout)
	defer cancel()

	result, err := target.Execute(execCtx, venue.ExecutionRequest{
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return venue.ExecutionResult{}, &order.AdapterError{Venue: dex, Op: "execute", Err: err}
	}

	return result, nil
}

// checkSlippage 仅在成交价对调用方更差时计算并检查滑点；
// 价格改善无条件放行。
func (w *Worker) checkSlippage(quote order.Quote, executedPrice, maxSlippage float64) (float64, error) {
	if executedPrice <= quote.Price {
		return 0, nil
	}

	slippage := (executedPrice - quote.Price) / quote.Price
	if slippage > maxSlippage {
		return slippage, &order.SlippageError{Actual: slippage, Allowed: maxSlippage}
	}

	return slippage, nil
}

// recordFailure 将本次尝试的失败写入缓存与存储并广播，
// 末次尝试失败时清理缓存条目。
func (w *Worker) recordFailure(ctx context.Context, orderID string, attempt int, cause error) {
	willRetry := attempt < w.cfg.MaxAttempts && order.IsRetryable(cause)
	message := cause.Error()

	w.transition(ctx, orderID, order.Progress{
		OrderID: orderID,
		Status:  order.StatusFailed,
		Message: message,
		Data: map[string]interface{}{
			"error":     message,
			"willRetry": willRetry,
			"attempt":   attempt,
		},
	}, store.UpdateFields{
		ErrorMessage: &message,
		Attempts:     &attempt,
	})

	if !willRetry {
		w.active.Remove(orderID)
	}

	w.logger.Warn("管线尝试失败",
		zap.String("order_id", orderID),
		zap.Int("attempt", attempt),
		zap.Bool("will_retry", willRetry),
		zap.Error(cause),
	)
}

// transition 将一次状态迁移依次写入缓存、持久化存储并广播。
// 存储写入失败只记录日志：记录会在下一次迁移时再次写入，
// 崩溃间隙的不一致以持久化存储为准恢复。
func (w *Worker) transition(ctx context.Context, orderID string, progress order.Progress, fields store.UpdateFields) {
	if progress.Timestamp.IsZero() {
		progress.Timestamp = time.Now().UTC()
	}

	w.active.Put(cache.Entry{
		OrderID:  orderID,
		Status:   progress.Status,
		Progress: progress,
	})

	if err := w.orders.UpdateStatus(ctx, orderID, progress.Status, fields); err != nil {
		w.logger.Error("状态落库失败",
			zap.String("order_id", orderID),
			zap.String("status", string(progress.Status)),
			zap.Error(err),
		)
	}

	if w.bcast != nil {
		w.bcast.Publish(orderID, progress)
	}
}

func (w *Worker) venueByName(name string) (venue.Adapter, error) {
	for _, v := range w.venues {
		if v.Name() == name {
			return v, nil
		}
	}
	return nil, fmt.Errorf("pipeline: 未知的交易场所 %s", name)
}
