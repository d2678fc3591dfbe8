package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"swap-engine/internal/order"
)

// UpdateFields 描述一次状态更新时可选写入的字段，nil 表示不修改。
type UpdateFields struct {
	QuoteDex      *string
	QuotePrice    *float64
	QuoteFee      *float64
	TxHash        *string
	ExecutedPrice *float64
	Slippage      *float64
	ErrorMessage  *string
	FailureReason *string
	Attempts      *int
	Final         *bool
}

// Orders 负责订单记录的持久化，durable store 是订单的唯一权威记录。
type Orders struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewOrders 创建订单仓库并初始化表结构。
func NewOrders(store *Store, logger *zap.Logger) (*Orders, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orders{
		db:     store.DB(),
		logger: logger,
	}

	if err := o.initSchema(); err != nil {
		return nil, err
	}

	return o, nil
}

func (o *Orders) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS swap_orders (
			order_id TEXT PRIMARY KEY,
			token_in TEXT NOT NULL,
			token_out TEXT NOT NULL,
			amount REAL NOT NULL,
			max_slippage REAL NOT NULL,
			status TEXT NOT NULL,
			quote_dex TEXT NOT NULL DEFAULT '',
			quote_price REAL NOT NULL DEFAULT 0,
			quote_fee REAL NOT NULL DEFAULT 0,
			executed_price REAL NOT NULL DEFAULT 0,
			tx_hash TEXT NOT NULL DEFAULT '',
			slippage REAL NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 1,
			final INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_swap_orders_status ON swap_orders(status);`,
		`CREATE INDEX IF NOT EXISTS idx_swap_orders_updated ON swap_orders(updated_at);`,
	}

	for _, stmt := range schema {
		if _, err := o.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化订单表失败: %w", err)
		}
	}

	return nil
}

// Create 写入一条初始状态为 pending 的订单记录。
func (o *Orders) Create(ctx context.Context, rec order.Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = order.StatusPending
	}
	if rec.Attempts <= 0 {
		rec.Attempts = 1
	}

	_, err := o.db.ExecContext(ctx,
		`INSERT INTO swap_orders
			(order_id, token_in, token_out, amount, max_slippage, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OrderID, rec.TokenIn, rec.TokenOut, rec.Amount, rec.MaxSlippage,
		string(rec.Status), rec.Attempts,
		rec.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 创建订单记录失败: %w", err)
	}

	return nil
}

// UpdateStatus 更新订单状态并按需写入部分字段。已进入终态的记录不可再变更。
func (o *Orders) UpdateStatus(ctx context.Context, orderID string, status order.Status, fields UpdateFields) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(status), time.Now().UTC().Format(time.RFC3339Nano)}

	appendSet := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if fields.QuoteDex != nil {
		appendSet("quote_dex", *fields.QuoteDex)
	}
	if fields.QuotePrice != nil {
		appendSet("quote_price", *fields.QuotePrice)
	}
	if fields.QuoteFee != nil {
		appendSet("quote_fee", *fields.QuoteFee)
	}
	if fields.TxHash != nil {
		appendSet("tx_hash", *fields.TxHash)
	}
	if fields.ExecutedPrice != nil {
		appendSet("executed_price", *fields.ExecutedPrice)
	}
	if fields.Slippage != nil {
		appendSet("slippage", *fields.Slippage)
	}
	if fields.ErrorMessage != nil {
		appendSet("error_message", *fields.ErrorMessage)
	}
	if fields.FailureReason != nil {
		appendSet("failure_reason", *fields.FailureReason)
	}
	if fields.Attempts != nil {
		appendSet("attempts", *fields.Attempts)
	}
	if fields.Final != nil {
		final := 0
		if *fields.Final {
			final = 1
		}
		appendSet("final", final)
	}

	query := fmt.Sprintf(
		`UPDATE swap_orders SET %s
		 WHERE order_id = ?
		   AND status != 'confirmed'
		   AND NOT (status = 'failed' AND final = 1)`,
		strings.Join(sets, ", "),
	)
	args = append(args, orderID)

	result, err := o.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: 更新订单状态失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		if _, found, getErr := o.Get(ctx, orderID); getErr == nil && found {
			o.logger.Warn("拒绝修改终态订单",
				zap.String("order_id", orderID),
				zap.String("status", string(status)),
			)
			return fmt.Errorf("store: 订单 %s 更新被拒绝: %w", orderID, order.ErrTerminal)
		}
		return fmt.Errorf("store: 订单 %s 不存在", orderID)
	}

	return nil
}

// Get 读取单条订单记录。
func (o *Orders) Get(ctx context.Context, orderID string) (order.Record, bool, error) {
	row := o.db.QueryRowContext(ctx,
		selectColumns+` FROM swap_orders WHERE order_id = ?`, orderID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Record{}, false, nil
	}
	if err != nil {
		return order.Record{}, false, fmt.Errorf("store: 读取订单失败: %w", err)
	}

	return rec, true, nil
}

// ListRecent 按更新时间倒序列出最近的订单记录。
func (o *Orders) ListRecent(ctx context.Context, limit int) ([]order.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := o.db.QueryContext(ctx,
		selectColumns+` FROM swap_orders ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询订单列表失败: %w", err)
	}
	defer rows.Close()

	records := make([]order.Record, 0, limit)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: 解析订单记录失败: %w", scanErr)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取订单列表失败: %w", err)
	}

	return records, nil
}

const selectColumns = `SELECT order_id, token_in, token_out, amount, max_slippage, status,
	quote_dex, quote_price, quote_fee, executed_price, tx_hash, slippage,
	attempts, final, error_message, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (order.Record, error) {
	var (
		rec       order.Record
		status    string
		quote     order.Quote
		final     int
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&rec.OrderID, &rec.TokenIn, &rec.TokenOut, &rec.Amount, &rec.MaxSlippage, &status,
		&quote.Dex, &quote.Price, &quote.Fee, &rec.ExecutedPrice, &rec.TxHash, &rec.Slippage,
		&rec.Attempts, &final, &rec.ErrorMessage, &rec.FailureReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return order.Record{}, err
	}

	rec.Status = order.Status(status)
	rec.Final = final == 1
	if quote.Dex != "" {
		rec.Quote = &quote
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		rec.CreatedAt = ts
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		rec.UpdatedAt = ts
	}

	return rec, nil
}
