package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swap-engine/internal/order"
	"swap-engine/internal/store"
)

// Service 负责持久化管线运行事件，仅用于运维观察，
// 管线正确性不依赖任何事件是否写入成功。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS pipeline_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_type ON pipeline_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordAccepted 记录订单受理。
func (s *Service) RecordAccepted(ctx context.Context, orderID string, req order.Request) {
	if err := s.Record(ctx, Event{
		Type:      EventOrderAccepted,
		Timestamp: time.Now().UTC(),
		Payload:   OrderAcceptedPayload{OrderID: orderID, Request: req},
	}); err != nil {
		s.logger.Warn("记录订单受理事件失败", zap.Error(err))
	}
}

// RecordQuote 记录路由阶段选中的报价。
func (s *Service) RecordQuote(ctx context.Context, orderID string, quote order.Quote, attempt int) {
	if err := s.Record(ctx, Event{
		Type:      EventQuoteSelected,
		Timestamp: time.Now().UTC(),
		Payload:   QuoteSelectedPayload{OrderID: orderID, Quote: quote, Attempt: attempt},
	}); err != nil {
		s.logger.Warn("记录报价事件失败", zap.Error(err))
	}
}

// RecordExecution 记录订单成交。
func (s *Service) RecordExecution(ctx context.Context, orderID string, quote order.Quote, txHash string, executedPrice, slippage float64, attempt int) {
	if err := s.Record(ctx, Event{
		Type:      EventExecution,
		Timestamp: time.Now().UTC(),
		Payload: ExecutionPayload{
			OrderID:       orderID,
			Quote:         quote,
			TxHash:        txHash,
			ExecutedPrice: executedPrice,
			Slippage:      slippage,
			Attempt:       attempt,
		},
	}); err != nil {
		s.logger.Warn("记录成交事件失败", zap.Error(err))
	}
}

// RecordPermanentFailure 记录重试耗尽后的永久失败。
func (s *Service) RecordPermanentFailure(ctx context.Context, orderID string, attempts int, cause error) {
	payload := PermanentFailurePayload{
		OrderID:  orderID,
		Attempts: attempts,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if err := s.Record(ctx, Event{
		Type:      EventPermanentFailure,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		s.logger.Warn("记录永久失败事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM pipeline_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
