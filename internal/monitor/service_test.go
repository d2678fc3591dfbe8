package monitor

import (
	"context"
	"encoding/json"
	"testing"

	"swap-engine/internal/config"
	"swap-engine/internal/order"
	"swap-engine/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	s, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(s, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestRecordAndListEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordAccepted(ctx, "ord-1", order.Request{TokenIn: "ETH", TokenOut: "USDC", Amount: 100})
	svc.RecordQuote(ctx, "ord-1", order.Quote{Dex: "uniswap", Price: 1.0, Fee: 0.003}, 1)
	svc.RecordExecution(ctx, "ord-1", order.Quote{Dex: "uniswap", Price: 1.0, Fee: 0.003}, "0xabc", 1.01, 0.01, 1)

	events, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	// 倒序返回，最新事件在前。
	if events[0].Type != EventExecution {
		t.Errorf("expected execution event first, got %s", events[0].Type)
	}

	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", events[0].Payload)
	}
	var payload ExecutionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.OrderID != "ord-1" || payload.TxHash != "0xabc" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestListEventsFiltersByType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordAccepted(ctx, "ord-1", order.Request{TokenIn: "ETH", TokenOut: "USDC", Amount: 1})
	svc.RecordPermanentFailure(ctx, "ord-1", 3, context.DeadlineExceeded)
	svc.RecordPermanentFailure(ctx, "ord-2", 3, nil)

	events, err := svc.ListEvents(ctx, EventPermanentFailure, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 failure events, got %d", len(events))
	}
	for _, e := range events {
		if e.Type != EventPermanentFailure {
			t.Errorf("unexpected event type: %s", e.Type)
		}
	}
}

func TestListEventsHonorsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordError(ctx, "boom", nil, nil)
	}

	events, err := svc.ListEvents(ctx, EventError, 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}
