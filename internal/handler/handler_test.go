package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sam044/falcon-exchange/internal/orderbook"
	"github.com/sam044/falcon-exchange/internal/types"
)

func newTestHandler(t *testing.T) (*Handler, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := NewHandler(client, &Config{
		OrderStream: "exchange:orders",
		EventStream: "exchange:events",
		Group:       "matching-group",
		Consumer:    "matching-1",
		DedupeTTL:   time.Minute,
	})
	return h, mr
}

func TestToOrderTranslatesFields(t *testing.T) {
	msg := &OrderMessage{
		OrderID:   1,
		Symbol:    "BTCUSDT",
		Side:      "SELL",
		OrderType: "MARKET",
		Price:     0,
		Qty:       50,
	}
	order, err := toOrder(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Side != orderbook.SideSell || order.Type != orderbook.OrderTypeMarket || order.Quantity != 50 {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestToOrderRejectsInvalidSide(t *testing.T) {
	msg := &OrderMessage{OrderID: 1, Symbol: "BTCUSDT", Side: "SIDEWAYS", OrderType: "LIMIT", Qty: 1}
	if _, err := toOrder(msg); err == nil {
		t.Fatal("expected error for invalid side")
	}
}

func TestBuildOrderUsesGivenIDNotOrderID(t *testing.T) {
	msg := &OrderMessage{
		OrderID:        1,
		ReplaceOrderID: 2,
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		OrderType:      "LIMIT",
		Price:          15000,
		Qty:            10,
	}
	order, err := buildOrder(msg, msg.ReplaceOrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.ID != 2 {
		t.Fatalf("expected replacement order to carry ReplaceOrderID=2, got %d", order.ID)
	}
}

func TestProcessMessageRoutesReplace(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	eng := h.getOrCreateEngine(ctx, "BTCUSDT")
	eng.Submit(orderbook.NewOrder(1, "BTCUSDT", orderbook.SideBuy, orderbook.OrderTypeLimit, 15000, 10, time.Now().UnixNano()))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bids, _, ok := h.GetDepth("BTCUSDT", 10); ok && len(bids) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	replaceMsg := OrderMessage{
		Type:           "REPLACE",
		OrderID:        1,
		ReplaceOrderID: 2,
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		OrderType:      "LIMIT",
		Price:          15100,
		Qty:            20,
	}
	payload, err := json.Marshal(replaceMsg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.processMessage(ctx, redis.XMessage{ID: "1-1", Values: map[string]interface{}{"data": string(payload)}})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bids, _, ok := h.GetDepth("BTCUSDT", 10); ok && len(bids) == 1 && bids[0].Price == 15100 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	bids, _, ok := h.GetDepth("BTCUSDT", 10)
	if !ok || len(bids) != 1 || bids[0].Price != 15100 || bids[0].Quantity != 20 {
		t.Fatalf("expected replaced order at price=15100 qty=20, got bids=%v", bids)
	}

	h.ResetEngines("")
}

func TestOpenOrderToOrderMapsLimitBuyAndStartsNew(t *testing.T) {
	oo := &types.OpenOrder{
		OrderID: 7, Symbol: "BTCUSDT", Side: "BUY", OrderType: "LIMIT",
		Price: 15000, LeavesQty: 100, ArrivalTimestamp: 1000,
	}
	order := openOrderToOrder(oo)
	if order.Side != orderbook.SideBuy || order.Type != orderbook.OrderTypeLimit {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.Status() != orderbook.StatusNew {
		t.Fatalf("expected recovered order to start NEW, got %v", order.Status())
	}
}

func TestShouldProcessDedupesByOrderID(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	msg := &OrderMessage{Type: "NEW", OrderID: 42}

	if !h.shouldProcess(ctx, msg) {
		t.Fatal("expected first occurrence to be processed")
	}
	if h.shouldProcess(ctx, msg) {
		t.Fatal("expected duplicate to be suppressed")
	}
}

func TestShouldProcessSkipsWhenOrderIDMissing(t *testing.T) {
	h, _ := newTestHandler(t)
	msg := &OrderMessage{Type: "NEW", OrderID: 0}
	if !h.shouldProcess(context.Background(), msg) {
		t.Fatal("expected messages without an order id to always be processed")
	}
}

func TestGetOrCreateEngineIsIdempotent(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	e1 := h.getOrCreateEngine(ctx, "BTCUSDT")
	e2 := h.getOrCreateEngine(ctx, "BTCUSDT")
	if e1 != e2 {
		t.Fatal("expected the same engine instance to be reused for a symbol")
	}
	h.ResetEngines("")
}

func TestGetDepthReflectsEngineState(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	eng := h.getOrCreateEngine(ctx, "BTCUSDT")
	eng.Submit(orderbook.NewOrder(1, "BTCUSDT", orderbook.SideBuy, orderbook.OrderTypeLimit, 15000, 100, time.Now().UnixNano()))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bids, _, ok := h.GetDepth("BTCUSDT", 10); ok && len(bids) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	bids, asks, ok := h.GetDepth("BTCUSDT", 10)
	if !ok || len(bids) != 1 || len(asks) != 0 {
		t.Fatalf("expected 1 bid level and 0 ask levels, got bids=%v asks=%v ok=%v", bids, asks, ok)
	}

	h.ResetEngines("")
}

func TestResetEnginesRemovesEntryAndStopsForwarder(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	h.getOrCreateEngine(ctx, "BTCUSDT")
	h.getOrCreateEngine(ctx, "ETHUSDT")

	if n := h.ResetEngines("BTCUSDT"); n != 1 {
		t.Fatalf("expected 1 engine reset, got %d", n)
	}
	if _, _, ok := h.GetDepth("BTCUSDT", 5); ok {
		t.Fatal("expected BTCUSDT engine to be gone")
	}
	if n := h.ResetEngines(""); n != 1 {
		t.Fatalf("expected remaining 1 engine reset, got %d", n)
	}

	done := make(chan struct{})
	go func() {
		h.forwardWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected forwarding goroutines to exit after reset")
	}
}
