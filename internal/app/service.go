package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swap-engine/internal/broadcast"
	"swap-engine/internal/cache"
	"swap-engine/internal/monitor"
	"swap-engine/internal/order"
	"swap-engine/internal/queue"
	"swap-engine/internal/store"
)

// OrderService 是订单受理与查询的门面：校验请求、建立持久化记录、
// 播种缓存并将任务交给调度器。
type OrderService struct {
	orders             *store.Orders
	active             *cache.ActiveOrders
	bcast              *broadcast.Broadcaster
	scheduler          *queue.Scheduler
	monitor            *monitor.Service
	defaultMaxSlippage float64
	logger             *zap.Logger
}

// NewOrderService 组装订单服务。
func NewOrderService(
	orders *store.Orders,
	active *cache.ActiveOrders,
	bcast *broadcast.Broadcaster,
	scheduler *queue.Scheduler,
	mon *monitor.Service,
	defaultMaxSlippage float64,
	logger *zap.Logger,
) (*OrderService, error) {
	if orders == nil {
		return nil, errors.New("app: 订单存储不能为空")
	}
	if active == nil {
		return nil, errors.New("app: 活跃订单缓存不能为空")
	}
	if scheduler == nil {
		return nil, errors.New("app: 调度器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMaxSlippage <= 0 {
		defaultMaxSlippage = order.DefaultMaxSlippage
	}

	return &OrderService{
		orders:             orders,
		active:             active,
		bcast:              bcast,
		scheduler:          scheduler,
		monitor:            mon,
		defaultMaxSlippage: defaultMaxSlippage,
		logger:             logger,
	}, nil
}

// Submit 受理一笔兑换订单。orderID 为空时由系统生成；
// 同一订单已有任务在途时返回 queue.ErrDuplicateJob。
func (s *OrderService) Submit(ctx context.Context, orderID string, req order.Request) (string, error) {
	if req.MaxSlippage <= 0 {
		req.MaxSlippage = s.defaultMaxSlippage
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", err
	}

	if orderID == "" {
		orderID = uuid.NewString()
	}

	now := time.Now().UTC()
	rec := order.Record{
		OrderID:     orderID,
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		Amount:      req.Amount,
		MaxSlippage: req.MaxSlippage,
		Status:      order.StatusPending,
		Attempts:    1,
		CreatedAt:   now,
	}

	if err := s.orders.Create(ctx, rec); err != nil {
		return "", err
	}

	progress := order.Progress{
		OrderID:   orderID,
		Status:    order.StatusPending,
		Message:   "订单已受理，等待调度",
		Timestamp: now,
	}
	s.active.Put(cache.Entry{
		OrderID:   orderID,
		Status:    order.StatusPending,
		Progress:  progress,
		CreatedAt: now,
	})
	if s.bcast != nil {
		s.bcast.Publish(orderID, progress)
	}

	if err := s.scheduler.Submit(orderID, req); err != nil {
		return "", err
	}

	if s.monitor != nil {
		s.monitor.RecordAccepted(ctx, orderID, req)
	}

	s.logger.Info("订单已入队",
		zap.String("order_id", orderID),
		zap.String("pair", req.TokenIn+"/"+req.TokenOut),
		zap.Float64("amount", req.Amount),
	)

	return orderID, nil
}

// Get 读取订单记录。持久化存储是权威来源；缓存缺失不构成错误。
func (s *OrderService) Get(ctx context.Context, orderID string) (order.Record, bool, error) {
	return s.orders.Get(ctx, orderID)
}

// Live 返回订单的实时缓存投影，仅供加速查询，可能缺失。
func (s *OrderService) Live(orderID string) (cache.Entry, bool) {
	return s.active.Get(orderID)
}

// Active 枚举当前全部在途订单的缓存投影。
func (s *OrderService) Active() []cache.Entry {
	return s.active.List()
}

// Recent 按更新时间倒序返回最近订单记录。
func (s *OrderService) Recent(ctx context.Context, limit int) ([]order.Record, error) {
	return s.orders.ListRecent(ctx, limit)
}

// Subscribe 为订单登记一个进度监听者。
func (s *OrderService) Subscribe(orderID string, listener broadcast.Listener) {
	if s.bcast != nil {
		s.bcast.Subscribe(orderID, listener)
	}
}

// Unsubscribe 移除进度监听者。
func (s *OrderService) Unsubscribe(orderID, listenerID string) {
	if s.bcast != nil {
		s.bcast.Unsubscribe(orderID, listenerID)
	}
}

// Stats 返回调度器队列计数。
func (s *OrderService) Stats() queue.Stats {
	return s.scheduler.Stats()
}

// handlePermanentFailure 在重试耗尽后写入终态记录并清理缓存与订阅登记。
// 对订单致命，对引擎无害。
func (s *OrderService) handlePermanentFailure(ctx context.Context, job queue.Job, attempts int, cause error) {
	reason := fmt.Sprintf("重试 %d 次后仍然失败: %v", attempts, cause)
	final := true

	if err := s.orders.UpdateStatus(ctx, job.OrderID, order.StatusFailed, store.UpdateFields{
		FailureReason: &reason,
		Attempts:      &attempts,
		Final:         &final,
	}); err != nil {
		s.logger.Error("写入永久失败记录失败",
			zap.String("order_id", job.OrderID),
			zap.Error(err),
		)
	}

	s.active.Remove(job.OrderID)
	if s.bcast != nil {
		s.bcast.Clear(job.OrderID)
	}
	if s.monitor != nil {
		s.monitor.RecordPermanentFailure(ctx, job.OrderID, attempts, cause)
	}
}
