package orderbook

import "testing"

func TestSideConstants(t *testing.T) {
	if SideBuy != 1 {
		t.Fatalf("expected SideBuy=1, got %d", SideBuy)
	}
	if SideSell != 2 {
		t.Fatalf("expected SideSell=2, got %d", SideSell)
	}
}

func TestNewOrderBook(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	if ob == nil {
		t.Fatal("expected non-nil orderbook")
	}
	if ob.Symbol() != "BTCUSDT" {
		t.Fatalf("expected Symbol=BTCUSDT, got %s", ob.Symbol())
	}
}

func TestOrderLifecycle(t *testing.T) {
	o := NewOrder(1, "BTCUSDT", SideBuy, OrderTypeLimit, 50000, 100, 1000)
	if o.Status() != StatusNew {
		t.Fatalf("expected StatusNew, got %v", o.Status())
	}
	if !o.IsActive() {
		t.Fatal("expected new order to be active")
	}
	if o.Remaining() != 100 {
		t.Fatalf("expected remaining=100, got %d", o.Remaining())
	}

	o.Fill(40)
	status, filled := o.Snapshot()
	if status != StatusPartiallyFilled || filled != 40 {
		t.Fatalf("expected PARTIALLY_FILLED/40, got %v/%d", status, filled)
	}
	if o.Remaining() != 60 {
		t.Fatalf("expected remaining=60, got %d", o.Remaining())
	}

	o.Fill(60)
	status, filled = o.Snapshot()
	if status != StatusFilled || filled != 100 {
		t.Fatalf("expected FILLED/100, got %v/%d", status, filled)
	}
	if o.IsActive() {
		t.Fatal("expected filled order to be inactive")
	}
}

func TestInsertPriceAscendingAndDescending(t *testing.T) {
	prices := []int64{}
	prices = insertPrice(prices, 100, false)
	prices = insertPrice(prices, 50, false)
	prices = insertPrice(prices, 150, false)

	expected := []int64{50, 100, 150}
	for i, p := range expected {
		if prices[i] != p {
			t.Errorf("asc[%d]: expected %d, got %d", i, p, prices[i])
		}
	}

	prices = []int64{}
	prices = insertPrice(prices, 100, true)
	prices = insertPrice(prices, 50, true)
	prices = insertPrice(prices, 150, true)

	expected = []int64{150, 100, 50}
	for i, p := range expected {
		if prices[i] != p {
			t.Errorf("desc[%d]: expected %d, got %d", i, p, prices[i])
		}
	}
}

func TestRemovePrice(t *testing.T) {
	prices := []int64{50, 100, 150, 200}

	result := removePrice(prices, 100)
	if len(result) != 3 {
		t.Errorf("expected len 3, got %d", len(result))
	}

	result = removePrice([]int64{50, 150}, 100)
	if len(result) != 2 {
		t.Error("should not change when price not found")
	}

	result = removePrice([]int64{}, 100)
	if len(result) != 0 {
		t.Error("empty slice should remain empty")
	}
}

func TestAddAssignsSequenceNumbers(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	o1 := NewOrder(1, "BTCUSDT", SideBuy, OrderTypeLimit, 15000, 100, 1000)
	o2 := NewOrder(2, "BTCUSDT", SideBuy, OrderTypeLimit, 15000, 100, 1001)

	if !ob.Add(o1) || !ob.Add(o2) {
		t.Fatal("expected both adds to succeed")
	}
	if o1.SequenceNumber == 0 || o2.SequenceNumber <= o1.SequenceNumber {
		t.Fatalf("expected strictly increasing sequence numbers, got %d, %d", o1.SequenceNumber, o2.SequenceNumber)
	}
}

func TestAddRejectsSymbolMismatch(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	o := NewOrder(1, "ETHUSDT", SideBuy, OrderTypeLimit, 15000, 100, 1000)
	if ob.Add(o) {
		t.Fatal("expected add to fail on symbol mismatch")
	}
}

func TestBestBidAndAsk(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	ob.Add(NewOrder(1, "BTCUSDT", SideBuy, OrderTypeLimit, 14990, 100, 1000))
	ob.Add(NewOrder(2, "BTCUSDT", SideBuy, OrderTypeLimit, 15000, 100, 1001))
	ob.Add(NewOrder(3, "BTCUSDT", SideSell, OrderTypeLimit, 15100, 100, 1002))
	ob.Add(NewOrder(4, "BTCUSDT", SideSell, OrderTypeLimit, 15050, 100, 1003))

	price, qty, ok := ob.BestBid()
	if !ok || price != 15000 || qty != 100 {
		t.Fatalf("expected best bid 15000/100, got %d/%d ok=%v", price, qty, ok)
	}

	price, qty, ok = ob.BestAsk()
	if !ok || price != 15050 || qty != 100 {
		t.Fatalf("expected best ask 15050/100, got %d/%d ok=%v", price, qty, ok)
	}
}

func TestCancel(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	o := NewOrder(1, "BTCUSDT", SideBuy, OrderTypeLimit, 15000, 100, 1000)
	ob.Add(o)

	cancelled, ok := ob.Cancel(1)
	if !ok || cancelled.Status() != StatusCancelled {
		t.Fatalf("expected successful cancel, got ok=%v status=%v", ok, cancelled.Status())
	}
	if ob.BidLevels() != 0 {
		t.Fatalf("expected empty book after cancel, got %d levels", ob.BidLevels())
	}

	if _, ok := ob.Cancel(1); ok {
		t.Fatal("expected second cancel of same id to fail")
	}
}

func TestBidDepth(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	prices := []int64{15000, 14990, 14980, 14970, 14960}
	for i, p := range prices {
		ob.Add(NewOrder(uint64(i+1), "BTCUSDT", SideBuy, OrderTypeLimit, p, 100, int64(1000+i)))
	}

	depth := ob.BidDepth(3)
	if len(depth) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(depth))
	}
	expected := []int64{15000, 14990, 14980}
	for i, p := range expected {
		if depth[i].Price != p || depth[i].Quantity != 100 || depth[i].OrderCount != 1 {
			t.Errorf("level %d: expected price=%d qty=100 count=1, got price=%d qty=%d count=%d",
				i, p, depth[i].Price, depth[i].Quantity, depth[i].OrderCount)
		}
	}
}

func TestSpreadAndMidPrice(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	ob.Add(NewOrder(1, "BTCUSDT", SideBuy, OrderTypeLimit, 15000, 100, 1000))
	ob.Add(NewOrder(2, "BTCUSDT", SideSell, OrderTypeLimit, 15100, 100, 1001))

	spread, ok := ob.Spread()
	if !ok || spread != 100 {
		t.Fatalf("expected spread=100, got %d ok=%v", spread, ok)
	}
	mid, ok := ob.MidPrice()
	if !ok || mid != 15050 {
		t.Fatalf("expected mid=15050, got %d ok=%v", mid, ok)
	}
}

func TestTopOfBookEmptySides(t *testing.T) {
	ob := NewOrderBook("BTCUSDT")
	top := ob.TopOfBook()
	if top.HasBid || top.HasAsk {
		t.Fatal("expected empty top of book")
	}

	if _, ok := ob.Spread(); ok {
		t.Fatal("expected no spread when one side is empty")
	}
}
