package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"swap-engine/internal/config"
	"swap-engine/internal/order"
)

// Entry 为活跃订单在缓存中的投影。
type Entry struct {
	OrderID   string         `json:"orderId"`
	Status    order.Status   `json:"status"`
	Progress  order.Progress `json:"progress"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ActiveOrders 维护在途订单的短时投影。缓存仅为加速实时查询的
// 辅助手段：条目缺失不构成错误，读方必须回落到持久化存储。
// 终态订单由管线显式删除，被遗弃的条目依赖 TTL 过期回收。
type ActiveOrders struct {
	inner *gocache.Cache
}

// NewActiveOrders 根据配置创建活跃订单缓存。
func NewActiveOrders(cfg config.CacheConfig) *ActiveOrders {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	return &ActiveOrders{
		inner: gocache.New(ttl, cleanup),
	}
}

// Put 写入或覆盖条目，每次写入都会刷新 TTL。
func (a *ActiveOrders) Put(entry Entry) {
	if entry.CreatedAt.IsZero() {
		if existing, ok := a.Get(entry.OrderID); ok {
			entry.CreatedAt = existing.CreatedAt
		} else {
			entry.CreatedAt = time.Now().UTC()
		}
	}
	a.inner.Set(entry.OrderID, entry, gocache.DefaultExpiration)
}

// Get 读取条目，不存在或已过期返回 false。
func (a *ActiveOrders) Get(orderID string) (Entry, bool) {
	raw, ok := a.inner.Get(orderID)
	if !ok {
		return Entry{}, false
	}
	entry, ok := raw.(Entry)
	return entry, ok
}

// Remove 显式删除条目，订单进入终态时由管线调用。
func (a *ActiveOrders) Remove(orderID string) {
	a.inner.Delete(orderID)
}

// List 枚举当前全部未过期条目，仅用于运维观察，不参与正确性判断。
func (a *ActiveOrders) List() []Entry {
	items := a.inner.Items()
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if entry, ok := item.Object.(Entry); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Len 返回当前条目数量。
func (a *ActiveOrders) Len() int {
	return a.inner.ItemCount()
}
