package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"swap-engine/internal/config"
	"swap-engine/internal/order"
)

var (
	// ErrDuplicateJob 表示同一订单已有任务在排队或执行，幂等入队直接拒绝。
	ErrDuplicateJob = errors.New("queue: 该订单已有任务在处理中")
	// ErrClosed 表示调度器已停止接收新任务。
	ErrClosed = errors.New("queue: 调度器已关闭")
)

// Job 为一次订单处理任务，orderId 同时作为去重键。
type Job struct {
	OrderID string
	Request order.Request
	// AttemptsMade 为本次运行前已完成的尝试次数，当前尝试序号为 AttemptsMade+1。
	AttemptsMade int
}

// Handler 执行单次任务尝试，返回错误则由调度器决定重试或永久失败。
type Handler func(ctx context.Context, job Job) error

// FailureHandler 在重试耗尽或遇到不可重试错误时被调用，
// 负责终态落库与缓存、订阅登记的清理。对订单致命，对引擎无害。
type FailureHandler func(ctx context.Context, job Job, attempts int, err error)

// Stats 为调度器内部队列的计数快照。
type Stats struct {
	Waiting   int   `json:"waiting"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int   `json:"delayed"`
}

// Scheduler 负责订单任务的准入、限流、并发控制与重试。
// 每个订单同一时间至多存在一个任务，任务内的重试共享同一身份。
type Scheduler struct {
	cfg       config.QueueConfig
	handler   Handler
	onFailure FailureHandler
	logger    *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	inflight  map[string]struct{}
	waiting   int
	active    int
	delayed   int
	completed int64
	failed    int64
	closed    bool
}

// NewScheduler 创建调度器。handler 不能为空，failureHandler 可以为空。
func NewScheduler(cfg config.QueueConfig, handler Handler, onFailure FailureHandler, logger *zap.Logger) (*Scheduler, error) {
	if handler == nil {
		return nil, errors.New("queue: handler 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.OrdersPerMinute <= 0 {
		cfg.OrdersPerMinute = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	// 令牌桶在滚动一分钟内最多放行 突发额度+每分钟预算 次启动，
	// 突发额度压到预算的十分之一，使实际上限贴近配置值。
	burst := cfg.OrdersPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	return &Scheduler{
		cfg:       cfg,
		handler:   handler,
		onFailure: onFailure,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.OrdersPerMinute)/60.0), burst),
		baseCtx:   ctx,
		cancel:    cancel,
		inflight:  make(map[string]struct{}),
	}, nil
}

// Submit 将订单任务入队。同一订单已有在途任务时返回 ErrDuplicateJob。
func (s *Scheduler) Submit(orderID string, req order.Request) error {
	if orderID == "" {
		return errors.New("queue: orderID 不能为空")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, exists := s.inflight[orderID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("queue: 订单 %s 重复提交: %w", orderID, ErrDuplicateJob)
	}
	s.inflight[orderID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(Job{OrderID: orderID, Request: req})

	return nil
}

// Stats 返回各状态的任务计数。
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Waiting:   s.waiting,
		Active:    s.active,
		Completed: s.completed,
		Failed:    s.failed,
		Delayed:   s.delayed,
	}
}

// Close 停止接收新任务并等待在途任务完成；ctx 超时后强制取消剩余任务。
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("调度器排空超时，强制取消剩余任务")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) run(job Job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, job.OrderID)
		s.mu.Unlock()
	}()

	ctx := s.baseCtx
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		job.AttemptsMade = attempt - 1

		if err := s.admit(ctx); err != nil {
			s.logger.Warn("任务在准入阶段被取消",
				zap.String("order_id", job.OrderID),
				zap.Error(err),
			)
			return
		}

		start := time.Now()
		err := s.execute(ctx, job)
		latency := time.Since(start)

		if err == nil {
			s.mu.Lock()
			s.completed++
			s.mu.Unlock()
			if attempt > 1 {
				s.logger.Info("任务重试后成功",
					zap.String("order_id", job.OrderID),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return
		}

		lastErr = err

		if ctx.Err() != nil {
			s.logger.Warn("任务因调度器关闭而中止",
				zap.String("order_id", job.OrderID),
				zap.Int("attempt", attempt),
			)
			return
		}

		if !order.IsRetryable(err) || attempt >= s.cfg.MaxAttempts {
			s.permanentFailure(ctx, job, attempt, err)
			return
		}

		wait := s.backoff(attempt)
		s.logger.Warn("任务执行失败，等待重试",
			zap.String("order_id", job.OrderID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		s.mu.Lock()
		s.delayed++
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.delayed--
			s.mu.Unlock()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		s.delayed--
		s.mu.Unlock()
	}

	// 理论上循环内已覆盖全部出口，此处仅防御计数配置被改小的情况。
	if lastErr != nil {
		s.permanentFailure(ctx, job, s.cfg.MaxAttempts, lastErr)
	}
}

// admit 先通过吞吐限流，再竞争并发额度。
func (s *Scheduler) admit(ctx context.Context) error {
	if !s.limiter.Allow() {
		s.mu.Lock()
		s.delayed++
		s.mu.Unlock()

		err := s.limiter.Wait(ctx)

		s.mu.Lock()
		s.delayed--
		s.mu.Unlock()

		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.waiting++
	s.mu.Unlock()

	err := s.sem.Acquire(ctx, 1)

	s.mu.Lock()
	s.waiting--
	s.mu.Unlock()

	return err
}

// execute 占用一个并发额度执行单次尝试。
func (s *Scheduler) execute(ctx context.Context, job Job) error {
	defer s.sem.Release(1)

	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	return s.handler(ctx, job)
}

func (s *Scheduler) permanentFailure(ctx context.Context, job Job, attempts int, err error) {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()

	s.logger.Error("任务重试耗尽，标记为永久失败",
		zap.String("order_id", job.OrderID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	if s.onFailure != nil {
		s.onFailure(ctx, job, attempts, err)
	}
}

// backoff 计算第 attempt 次失败后的等待时长，指数增长并封顶。
func (s *Scheduler) backoff(attempt int) time.Duration {
	wait := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if wait > s.cfg.BackoffMax {
		wait = s.cfg.BackoffMax
	}
	return wait
}
