package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swap-engine/internal/broadcast"
	"swap-engine/internal/cache"
	"swap-engine/internal/config"
	"swap-engine/internal/monitor"
	"swap-engine/internal/pipeline"
	"swap-engine/internal/queue"
	"swap-engine/internal/store"
	"swap-engine/internal/venue"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装全部组件并阻塞运行，收到退出信号后排空调度器再返回。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("兑换引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("venues", len(a.cfg.Venues)),
		zap.Int("max_concurrent", a.cfg.Queue.MaxConcurrent),
	)

	orders, err := store.NewOrders(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化订单存储失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	active := cache.NewActiveOrders(a.cfg.Cache)
	broadcaster := broadcast.NewBroadcaster(active, orders, a.cfg.Cache, a.logger)

	venues := make([]venue.Adapter, 0, len(a.cfg.Venues))
	for _, vc := range a.cfg.Venues {
		venues = append(venues, venue.NewMock(vc, a.logger))
	}

	worker, err := pipeline.NewWorker(pipeline.Config{
		QuoteTimeout:   a.cfg.Pipeline.QuoteTimeout,
		ExecuteTimeout: a.cfg.Pipeline.ExecuteTimeout,
		MaxAttempts:    a.cfg.Queue.MaxAttempts,
	}, venues, orders, active, broadcaster, monitorSvc, a.logger)
	if err != nil {
		return fmt.Errorf("初始化管线执行器失败: %w", err)
	}

	var service *OrderService

	scheduler, err := queue.NewScheduler(a.cfg.Queue, worker.Process,
		func(ctx context.Context, job queue.Job, attempts int, cause error) {
			service.handlePermanentFailure(ctx, job, attempts, cause)
		}, a.logger)
	if err != nil {
		return fmt.Errorf("初始化调度器失败: %w", err)
	}

	service, err = NewOrderService(orders, active, broadcaster, scheduler, monitorSvc,
		a.cfg.Pipeline.DefaultMaxSlippage, a.logger)
	if err != nil {
		return fmt.Errorf("初始化订单服务失败: %w", err)
	}

	if err := startOpsServer(ctx, service, monitorSvc, a.cfg.Server.Port, a.logger); err != nil {
		return fmt.Errorf("启动运维接口失败: %w", err)
	}

	<-ctx.Done()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在排空任务")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Close(drainCtx); err != nil {
		a.logger.Warn("调度器排空未完成", zap.Error(err))
	}

	return nil
}
