package venue

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"swap-engine/internal/config"
	"swap-engine/internal/order"
)

// Mock 模拟一个交易场所：报价与成交价围绕基准价随机抖动，
// 并按配置概率注入延迟与失败，用于在无真实链上依赖的情况下驱动管线。
type Mock struct {
	cfg    config.VenueConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock 根据配置构造模拟场所。seed 为0时使用当前时间。
func NewMock(cfg config.VenueConfig, logger *zap.Logger) *Mock {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Mock{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Name 返回场所名称。
func (m *Mock) Name() string {
	return m.cfg.Name
}

// Quote 返回围绕基准价抖动后的报价。
func (m *Mock) Quote(ctx context.Context, tokenIn, tokenOut string, amount float64) (order.Quote, error) {
	if err := m.simulateCall(ctx, "quote"); err != nil {
		return order.Quote{}, err
	}

	price := m.jitteredPrice()
	m.logger.Debug("场所返回报价",
		zap.String("venue", m.cfg.Name),
		zap.String("pair", tokenIn+"/"+tokenOut),
		zap.Float64("price", price),
		zap.Float64("fee", m.cfg.Fee),
	)

	return order.Quote{
		Dex:   m.cfg.Name,
		Price: price,
		Fee:   m.cfg.Fee,
	}, nil
}

// Execute 模拟成交，返回交易哈希与实际成交价。
func (m *Mock) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if err := m.simulateCall(ctx, "execute"); err != nil {
		return ExecutionResult{}, err
	}

	result := ExecutionResult{
		TxHash:        m.randomTxHash(),
		ExecutedPrice: m.jitteredPrice(),
	}

	m.logger.Debug("场所完成成交",
		zap.String("venue", m.cfg.Name),
		zap.String("tx_hash", result.TxHash),
		zap.Float64("executed_price", result.ExecutedPrice),
	)

	return result, nil
}

// simulateCall 注入模拟延迟与按概率出现的调用失败。
func (m *Mock) simulateCall(ctx context.Context, op string) error {
	delay := m.randomLatency()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if m.cfg.FailureRate > 0 && m.randomFloat() < m.cfg.FailureRate {
		return fmt.Errorf("venue: %s 模拟调用失败 (%s)", m.cfg.Name, op)
	}

	return nil
}

func (m *Mock) randomLatency() time.Duration {
	min := m.cfg.MinLatency
	max := m.cfg.MaxLatency
	if max <= min {
		return min
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return min + time.Duration(m.rng.Int63n(int64(max-min)))
}

func (m *Mock) jitteredPrice() float64 {
	jitter := m.cfg.PriceJitter
	if jitter <= 0 {
		return m.cfg.BasePrice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := (m.rng.Float64()*2 - 1) * jitter
	return m.cfg.BasePrice * (1 + offset)
}

func (m *Mock) randomFloat() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *Mock) randomTxHash() string {
	buf := make([]byte, 32)
	m.mu.Lock()
	m.rng.Read(buf)
	m.mu.Unlock()
	return "0x" + hex.EncodeToString(buf)
}

var _ Adapter = (*Mock)(nil)
