package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"swap-engine/internal/config"
	"swap-engine/internal/order"
)

func newTestOrders(t *testing.T) *Orders {
	t.Helper()

	s, err := NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	orders, err := NewOrders(s, nil)
	if err != nil {
		t.Fatalf("NewOrders returned error: %v", err)
	}
	return orders
}

func baseRecord(id string) order.Record {
	return order.Record{
		OrderID:     id,
		TokenIn:     "ETH",
		TokenOut:    "USDC",
		Amount:      100,
		MaxSlippage: 0.05,
	}
}

func TestOrdersCreateAndGet(t *testing.T) {
	orders := newTestOrders(t)
	ctx := context.Background()

	if err := orders.Create(ctx, baseRecord("ord-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rec, found, err := orders.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !found {
		t.Fatal("expected record to exist")
	}
	if rec.Status != order.StatusPending {
		t.Errorf("expected initial status pending, got %s", rec.Status)
	}
	if rec.Attempts != 1 {
		t.Errorf("expected attempts to start at 1, got %d", rec.Attempts)
	}
	if rec.Quote != nil {
		t.Errorf("expected no quote before routing, got %+v", rec.Quote)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestOrdersGetMissing(t *testing.T) {
	orders := newTestOrders(t)

	_, found, err := orders.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if found {
		t.Error("expected record to be absent")
	}
}

func TestOrdersUpdateStatusPartialFields(t *testing.T) {
	orders := newTestOrders(t)
	ctx := context.Background()

	if err := orders.Create(ctx, baseRecord("ord-2")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	dex := "sushiswap"
	price := 0.99
	fee := 0.002
	if err := orders.UpdateStatus(ctx, "ord-2", order.StatusRouting, UpdateFields{
		QuoteDex:   &dex,
		QuotePrice: &price,
		QuoteFee:   &fee,
	}); err != nil {
		t.Fatalf("UpdateStatus returned error: %v", err)
	}

	rec, _, err := orders.Get(ctx, "ord-2")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if rec.Status != order.StatusRouting {
		t.Errorf("expected status routing, got %s", rec.Status)
	}
	if rec.Quote == nil {
		t.Fatal("expected quote to be persisted")
	}
	if rec.Quote.Dex != "sushiswap" || rec.Quote.Price != 0.99 || rec.Quote.Fee != 0.002 {
		t.Errorf("unexpected quote: %+v", rec.Quote)
	}

	// 未指定的字段保持原值。
	if rec.Amount != 100 {
		t.Errorf("amount must be untouched, got %v", rec.Amount)
	}
}

func TestOrdersConfirmedIsImmutable(t *testing.T) {
	orders := newTestOrders(t)
	ctx := context.Background()

	if err := orders.Create(ctx, baseRecord("ord-3")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	tx := "0xabc"
	execPrice := 1.01
	if err := orders.UpdateStatus(ctx, "ord-3", order.StatusConfirmed, UpdateFields{
		TxHash:        &tx,
		ExecutedPrice: &execPrice,
	}); err != nil {
		t.Fatalf("confirm returned error: %v", err)
	}

	msg := "late failure"
	err := orders.UpdateStatus(ctx, "ord-3", order.StatusFailed, UpdateFields{ErrorMessage: &msg})
	if err == nil {
		t.Fatal("expected update on confirmed record to be rejected")
	}
	if !errors.Is(err, order.ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}

	rec, _, _ := orders.Get(ctx, "ord-3")
	if rec.Status != order.StatusConfirmed || rec.TxHash != "0xabc" {
		t.Errorf("terminal record mutated: %+v", rec)
	}
}

func TestOrdersFinalFailedIsImmutable(t *testing.T) {
	orders := newTestOrders(t)
	ctx := context.Background()

	if err := orders.Create(ctx, baseRecord("ord-4")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	reason := "重试 3 次后仍然失败"
	attempts := 3
	final := true
	if err := orders.UpdateStatus(ctx, "ord-4", order.StatusFailed, UpdateFields{
		FailureReason: &reason,
		Attempts:      &attempts,
		Final:         &final,
	}); err != nil {
		t.Fatalf("final failure write returned error: %v", err)
	}

	rec, _, _ := orders.Get(ctx, "ord-4")
	if !rec.Terminal() {
		t.Fatal("expected record to be terminal after final failure")
	}
	if rec.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", rec.Attempts)
	}
	if !strings.Contains(rec.FailureReason, "重试") {
		t.Errorf("unexpected failure reason: %q", rec.FailureReason)
	}

	status := order.StatusRouting
	if err := orders.UpdateStatus(ctx, "ord-4", status, UpdateFields{}); err == nil {
		t.Error("expected update on final failed record to be rejected")
	}
}

func TestOrdersNonFinalFailedStaysMutable(t *testing.T) {
	orders := newTestOrders(t)
	ctx := context.Background()

	if err := orders.Create(ctx, baseRecord("ord-5")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	msg := "quote timeout"
	if err := orders.UpdateStatus(ctx, "ord-5", order.StatusFailed, UpdateFields{ErrorMessage: &msg}); err != nil {
		t.Fatalf("retryable failure write returned error: %v", err)
	}

	// 下一次尝试可以继续推进状态。
	if err := orders.UpdateStatus(ctx, "ord-5", order.StatusRouting, UpdateFields{}); err != nil {
		t.Fatalf("expected non-final failed record to accept updates: %v", err)
	}
}

func TestOrdersUpdateMissing(t *testing.T) {
	orders := newTestOrders(t)

	err := orders.UpdateStatus(context.Background(), "ghost", order.StatusRouting, UpdateFields{})
	if err == nil {
		t.Fatal("expected error for unknown order id")
	}
	if !strings.Contains(err.Error(), "不存在") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOrdersListRecent(t *testing.T) {
	orders := newTestOrders(t)
	ctx := context.Background()

	for _, id := range []string{"ord-a", "ord-b", "ord-c"} {
		if err := orders.Create(ctx, baseRecord(id)); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	records, err := orders.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].OrderID != "ord-c" {
		t.Errorf("expected most recent first, got %s", records[0].OrderID)
	}
}
