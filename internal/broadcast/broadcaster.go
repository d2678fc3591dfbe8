package broadcast

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"swap-engine/internal/cache"
	"swap-engine/internal/config"
	"swap-engine/internal/order"
)

// Update 为推送给监听者的线格式消息。
type Update struct {
	Type      string                 `json:"type"`
	OrderID   string                 `json:"orderId"`
	Status    order.Status           `json:"status"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Listener 抽象一个订阅了订单进度的连接。
// Send 失败表示监听者已断开，广播器会静默清理其登记。
type Listener interface {
	ID() string
	Send(update Update) error
}

// recordSource 提供订单的持久化记录，
// 缓存条目被清理后补发终态快照时使用。
type recordSource interface {
	Get(ctx context.Context, orderID string) (order.Record, bool, error)
}

// Broadcaster 将订单进度扇出给所有订阅该订单的监听者。
// 登记表仅存于本进程内存：广播者与连接持有者必须在同一进程，
// 跨进程部署需要改走共享的发布订阅通道。
// 登记条目与活跃订单缓存遵循相同的 TTL 纪律，防止被遗弃的订阅泄漏。
type Broadcaster struct {
	active  *cache.ActiveOrders
	records recordSource
	logger  *zap.Logger

	mu  sync.Mutex
	reg *gocache.Cache
}

// NewBroadcaster 创建广播器。新订阅者连接时先用 active 补发最近快照，
// 缓存未命中再回落到 records 合成快照。
func NewBroadcaster(active *cache.ActiveOrders, records recordSource, cfg config.CacheConfig, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &Broadcaster{
		active:  active,
		records: records,
		logger:  logger,
		reg:     gocache.New(ttl, cleanup),
	}
}

// Subscribe 登记监听者并立即补发最近一次状态，保证晚到的订阅者
// 不会停留在无状态：优先使用缓存快照，缓存条目已被终态清理时
// 从持久化记录合成（订单已确认或永久失败后缓存必然缺失）。
func (b *Broadcaster) Subscribe(orderID string, listener Listener) {
	if orderID == "" || listener == nil {
		return
	}

	b.mu.Lock()
	set := b.listeners(orderID)
	set[listener.ID()] = listener
	b.reg.Set(orderID, set, gocache.DefaultExpiration)
	b.mu.Unlock()

	if b.active != nil {
		if entry, found := b.active.Get(orderID); found {
			b.replay(orderID, listener, updateFromProgress(entry.Progress))
			return
		}
	}

	if b.records != nil {
		rec, found, err := b.records.Get(context.Background(), orderID)
		if err != nil {
			b.logger.Warn("读取订单记录用于补发失败",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
			return
		}
		if found {
			b.replay(orderID, listener, updateFromRecord(rec))
		}
	}
}

// replay 向单个监听者补发一份快照，发送失败即移除登记。
func (b *Broadcaster) replay(orderID string, listener Listener, update Update) {
	if err := listener.Send(update); err != nil {
		b.logger.Debug("补发快照失败，移除监听者",
			zap.String("order_id", orderID),
			zap.String("listener_id", listener.ID()),
			zap.Error(err),
		)
		b.Unsubscribe(orderID, listener.ID())
	}
}

// Unsubscribe 移除监听者登记，连接断开或出错时调用。
func (b *Broadcaster) Unsubscribe(orderID, listenerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.listeners(orderID)
	if len(set) == 0 {
		return
	}
	delete(set, listenerID)
	if len(set) == 0 {
		b.reg.Delete(orderID)
		return
	}
	b.reg.Set(orderID, set, gocache.DefaultExpiration)
}

// Publish 将进度快照投递给当前登记的全部监听者。
// 投递为尽力而为、至多一次；发送失败只清理登记，绝不上抛为管线错误。
func (b *Broadcaster) Publish(orderID string, progress order.Progress) {
	b.mu.Lock()
	set := b.listeners(orderID)
	targets := make([]Listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	if len(set) > 0 {
		// 每次推送视为一次写入，刷新登记的 TTL。
		b.reg.Set(orderID, set, gocache.DefaultExpiration)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	update := updateFromProgress(progress)
	for _, listener := range targets {
		if err := listener.Send(update); err != nil {
			b.logger.Debug("监听者投递失败，清理登记",
				zap.String("order_id", orderID),
				zap.String("listener_id", listener.ID()),
				zap.Error(err),
			)
			b.Unsubscribe(orderID, listener.ID())
		}
	}
}

// Clear 移除某订单的全部监听者登记，订单永久失败清理时使用。
func (b *Broadcaster) Clear(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reg.Delete(orderID)
}

// ListenerCount 返回某订单当前登记的监听者数量。
func (b *Broadcaster) ListenerCount(orderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners(orderID))
}

// listeners 返回订单当前的监听者集合，调用方必须持有 b.mu。
func (b *Broadcaster) listeners(orderID string) map[string]Listener {
	raw, ok := b.reg.Get(orderID)
	if !ok {
		return make(map[string]Listener)
	}
	set, ok := raw.(map[string]Listener)
	if !ok {
		return make(map[string]Listener)
	}
	return set
}

// updateFromRecord 由持久化记录合成线格式快照，数据段按状态携带
// 成交信息或失败信息，与管线广播的同状态消息保持一致。
func updateFromRecord(rec order.Record) Update {
	var data map[string]interface{}
	switch rec.Status {
	case order.StatusConfirmed:
		data = map[string]interface{}{
			"txHash":        rec.TxHash,
			"executedPrice": rec.ExecutedPrice,
			"slippage":      rec.Slippage,
		}
	case order.StatusFailed:
		data = map[string]interface{}{
			"error":   rec.ErrorMessage,
			"attempt": rec.Attempts,
		}
		if rec.FailureReason != "" {
			data["failureReason"] = rec.FailureReason
		}
	}

	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return Update{
		Type:      "order_update",
		OrderID:   rec.OrderID,
		Status:    rec.Status,
		Data:      data,
		Timestamp: ts,
	}
}

func updateFromProgress(progress order.Progress) Update {
	ts := progress.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Update{
		Type:      "order_update",
		OrderID:   progress.OrderID,
		Status:    progress.Status,
		Data:      progress.Data,
		Timestamp: ts,
	}
}
