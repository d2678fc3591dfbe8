package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swap-engine/internal/cache"
	"swap-engine/internal/config"
	"swap-engine/internal/order"
)

// fakeListener 记录收到的全部推送，failSend 置位后 Send 固定报错。
type fakeListener struct {
	id string

	mu       sync.Mutex
	received []Update
	failSend bool
}

func (f *fakeListener) ID() string { return f.id }

func (f *fakeListener) Send(update Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("connection closed")
	}
	f.received = append(f.received, update)
	return nil
}

func (f *fakeListener) updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Update, len(f.received))
	copy(out, f.received)
	return out
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{TTL: time.Minute, CleanupInterval: time.Minute}
}

func progressAt(orderID string, status order.Status) order.Progress {
	return order.Progress{
		OrderID:   orderID,
		Status:    status,
		Message:   "test",
		Timestamp: time.Now().UTC(),
	}
}

func TestBroadcasterFanout(t *testing.T) {
	b := NewBroadcaster(nil, nil, testCacheConfig(), nil)

	l1 := &fakeListener{id: "l1"}
	l2 := &fakeListener{id: "l2"}
	b.Subscribe("ord-1", l1)
	b.Subscribe("ord-1", l2)

	other := &fakeListener{id: "l3"}
	b.Subscribe("ord-2", other)

	b.Publish("ord-1", progressAt("ord-1", order.StatusRouting))

	for _, l := range []*fakeListener{l1, l2} {
		got := l.updates()
		if len(got) != 1 {
			t.Fatalf("listener %s: expected 1 update, got %d", l.id, len(got))
		}
		if got[0].Type != "order_update" {
			t.Errorf("unexpected update type: %s", got[0].Type)
		}
		if got[0].OrderID != "ord-1" || got[0].Status != order.StatusRouting {
			t.Errorf("unexpected update: %+v", got[0])
		}
	}

	if got := other.updates(); len(got) != 0 {
		t.Errorf("listener on other order must not receive updates, got %d", len(got))
	}
}

func TestBroadcasterLateSubscriberGetsSnapshot(t *testing.T) {
	active := cache.NewActiveOrders(testCacheConfig())
	b := NewBroadcaster(active, nil, testCacheConfig(), nil)

	active.Put(cache.Entry{
		OrderID:  "ord-late",
		Status:   order.StatusBuilding,
		Progress: progressAt("ord-late", order.StatusBuilding),
	})

	l := &fakeListener{id: "late"}
	b.Subscribe("ord-late", l)

	got := l.updates()
	if len(got) != 1 {
		t.Fatalf("expected snapshot replay, got %d updates", len(got))
	}
	if got[0].Status != order.StatusBuilding {
		t.Errorf("expected building snapshot, got %s", got[0].Status)
	}
}

func TestBroadcasterSubscribeWithoutSnapshot(t *testing.T) {
	active := cache.NewActiveOrders(testCacheConfig())
	b := NewBroadcaster(active, nil, testCacheConfig(), nil)

	l := &fakeListener{id: "fresh"}
	b.Subscribe("ord-none", l)

	if got := l.updates(); len(got) != 0 {
		t.Errorf("expected no replay for unknown order, got %d updates", len(got))
	}
	if got := b.ListenerCount("ord-none"); got != 1 {
		t.Errorf("expected listener to be registered, got count %d", got)
	}
}

func TestBroadcasterPrunesDeadListeners(t *testing.T) {
	b := NewBroadcaster(nil, nil, testCacheConfig(), nil)

	dead := &fakeListener{id: "dead", failSend: true}
	alive := &fakeListener{id: "alive"}
	b.Subscribe("ord-p", dead)
	b.Subscribe("ord-p", alive)

	b.Publish("ord-p", progressAt("ord-p", order.StatusSubmitted))

	if got := b.ListenerCount("ord-p"); got != 1 {
		t.Errorf("expected dead listener to be pruned, count %d", got)
	}
	if got := alive.updates(); len(got) != 1 {
		t.Errorf("healthy listener must still receive the update, got %d", len(got))
	}

	// 后续推送不再尝试已清理的监听者。
	b.Publish("ord-p", progressAt("ord-p", order.StatusConfirmed))
	if got := alive.updates(); len(got) != 2 {
		t.Errorf("expected 2 updates for healthy listener, got %d", len(got))
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil, nil, testCacheConfig(), nil)

	l := &fakeListener{id: "l"}
	b.Subscribe("ord-u", l)
	b.Unsubscribe("ord-u", "l")

	b.Publish("ord-u", progressAt("ord-u", order.StatusRouting))

	if got := l.updates(); len(got) != 0 {
		t.Errorf("unsubscribed listener must not receive updates, got %d", len(got))
	}
	if got := b.ListenerCount("ord-u"); got != 0 {
		t.Errorf("expected empty registration, got %d", got)
	}
}

func TestBroadcasterClear(t *testing.T) {
	b := NewBroadcaster(nil, nil, testCacheConfig(), nil)

	b.Subscribe("ord-c", &fakeListener{id: "a"})
	b.Subscribe("ord-c", &fakeListener{id: "b"})
	if got := b.ListenerCount("ord-c"); got != 2 {
		t.Fatalf("expected 2 listeners before clear, got %d", got)
	}

	b.Clear("ord-c")
	if got := b.ListenerCount("ord-c"); got != 0 {
		t.Errorf("expected 0 listeners after clear, got %d", got)
	}
}

func TestBroadcasterRegistrationExpires(t *testing.T) {
	cfg := config.CacheConfig{TTL: 40 * time.Millisecond, CleanupInterval: 20 * time.Millisecond}
	b := NewBroadcaster(nil, nil, cfg, nil)

	b.Subscribe("ord-ttl", &fakeListener{id: "l"})
	time.Sleep(100 * time.Millisecond)

	if got := b.ListenerCount("ord-ttl"); got != 0 {
		t.Errorf("expected registration to expire, got %d listeners", got)
	}
}

// fakeRecords 以内存 map 模拟持久化订单记录。
type fakeRecords struct {
	records map[string]order.Record
	err     error
}

func (f *fakeRecords) Get(ctx context.Context, orderID string) (order.Record, bool, error) {
	if f.err != nil {
		return order.Record{}, false, f.err
	}
	rec, ok := f.records[orderID]
	return rec, ok, nil
}

func TestBroadcasterLateSubscriberAfterConfirmed(t *testing.T) {
	active := cache.NewActiveOrders(testCacheConfig())
	records := &fakeRecords{records: map[string]order.Record{
		"ord-done": {
			OrderID:       "ord-done",
			Status:        order.StatusConfirmed,
			TxHash:        "0xfinal",
			ExecutedPrice: 1.01,
			Slippage:      0.01,
			Attempts:      1,
			UpdatedAt:     time.Now().UTC(),
		},
	}}
	b := NewBroadcaster(active, records, testCacheConfig(), nil)

	// 确认时缓存条目已被管线清理，补发必须走持久化记录。
	l := &fakeListener{id: "late"}
	b.Subscribe("ord-done", l)

	got := l.updates()
	if len(got) != 1 {
		t.Fatalf("expected terminal snapshot replay, got %d updates", len(got))
	}
	if got[0].Status != order.StatusConfirmed {
		t.Errorf("expected confirmed snapshot, got %s", got[0].Status)
	}
	if got[0].Data["txHash"] != "0xfinal" {
		t.Errorf("expected tx hash in snapshot data, got %+v", got[0].Data)
	}
}

func TestBroadcasterLateSubscriberAfterFinalFailure(t *testing.T) {
	records := &fakeRecords{records: map[string]order.Record{
		"ord-dead": {
			OrderID:       "ord-dead",
			Status:        order.StatusFailed,
			Final:         true,
			Attempts:      3,
			ErrorMessage:  "venue unavailable",
			FailureReason: "重试 3 次后仍然失败",
			UpdatedAt:     time.Now().UTC(),
		},
	}}
	b := NewBroadcaster(nil, records, testCacheConfig(), nil)

	l := &fakeListener{id: "late"}
	b.Subscribe("ord-dead", l)

	got := l.updates()
	if len(got) != 1 {
		t.Fatalf("expected failure snapshot replay, got %d updates", len(got))
	}
	if got[0].Status != order.StatusFailed {
		t.Errorf("expected failed snapshot, got %s", got[0].Status)
	}
	if got[0].Data["failureReason"] != "重试 3 次后仍然失败" {
		t.Errorf("expected failure reason in snapshot data, got %+v", got[0].Data)
	}
}

func TestBroadcasterCacheSnapshotWinsOverRecord(t *testing.T) {
	active := cache.NewActiveOrders(testCacheConfig())
	active.Put(cache.Entry{
		OrderID:  "ord-mid",
		Status:   order.StatusSubmitted,
		Progress: progressAt("ord-mid", order.StatusSubmitted),
	})
	records := &fakeRecords{records: map[string]order.Record{
		"ord-mid": {OrderID: "ord-mid", Status: order.StatusRouting},
	}}
	b := NewBroadcaster(active, records, testCacheConfig(), nil)

	l := &fakeListener{id: "l"}
	b.Subscribe("ord-mid", l)

	got := l.updates()
	if len(got) != 1 {
		t.Fatalf("expected a single snapshot, got %d", len(got))
	}
	if got[0].Status != order.StatusSubmitted {
		t.Errorf("cache snapshot must take precedence, got %s", got[0].Status)
	}
}

func TestBroadcasterUnknownOrderReplaysNothing(t *testing.T) {
	records := &fakeRecords{records: map[string]order.Record{}}
	b := NewBroadcaster(nil, records, testCacheConfig(), nil)

	l := &fakeListener{id: "l"}
	b.Subscribe("ord-nope", l)

	if got := l.updates(); len(got) != 0 {
		t.Errorf("expected no replay for unknown order, got %d updates", len(got))
	}
	if got := b.ListenerCount("ord-nope"); got != 1 {
		t.Errorf("listener must still be registered for future updates, got %d", got)
	}
}
