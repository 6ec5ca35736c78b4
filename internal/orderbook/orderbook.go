package orderbook

import "sync/atomic"

// DepthLevel 是某一档位的快照：价格、总量、挂单数。
type DepthLevel struct {
	Price      int64
	Quantity   int64
	OrderCount int
}

// TopOfBook 是最优买卖价及其档位总量的快照。
type TopOfBook struct {
	BidPrice    int64
	BidQuantity int64
	HasBid      bool
	AskPrice    int64
	AskQuantity int64
	HasAsk      bool
}

// location 记录一个挂单所在的方向与价格，用于 O(1) 撤单查找。
type location struct {
	side  Side
	price int64
}

// OrderBook 维护某一 symbol 的买卖双盘。
//
// 买盘按价格降序排列（最优买价最高），卖盘按价格升序排列（最优卖价最低）。
// bidPrices/askPrices 是按序维护的价格缓存，配合 map 实现 O(1) 最优价访问，
// insert/remove 价格键本身是 O(n)（n 为该侧不同价格档位数），这在真实工作负载下
// 可接受，因为档位内订单churn远高于价格键churn。
type OrderBook struct {
	symbol string

	bids map[int64]*PriceLevel
	asks map[int64]*PriceLevel

	bidPrices []int64 // 降序
	askPrices []int64 // 升序

	locations map[uint64]location

	seq atomic.Uint64
}

// NewOrderBook 创建一个空订单簿。
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol:    symbol,
		bids:      make(map[int64]*PriceLevel),
		asks:      make(map[int64]*PriceLevel),
		locations: make(map[uint64]location),
	}
}

// Symbol 返回该订单簿归属的交易对。
func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

func (ob *OrderBook) sideMaps(side Side) (map[int64]*PriceLevel, *[]int64) {
	if side == SideBuy {
		return ob.bids, &ob.bidPrices
	}
	return ob.asks, &ob.askPrices
}

// Add 把订单加入订单簿，分配序列号，定位或创建对应档位。
// 如果订单的 symbol 与订单簿不符，返回 false 且不做任何修改。
func (ob *OrderBook) Add(o *Order) bool {
	if o.Symbol != ob.symbol {
		return false
	}

	o.SequenceNumber = ob.seq.Add(1)

	levels, prices := ob.sideMaps(o.Side)
	level, ok := levels[o.Price]
	if !ok {
		level = newPriceLevel(o.Price, o.Side)
		levels[o.Price] = level
		*prices = insertPrice(*prices, o.Price, o.Side == SideBuy)
	}
	level.add(o)
	ob.locations[o.ID] = location{side: o.Side, price: o.Price}
	return true
}

// Remove 从订单簿中移除某一具体订单（已知其方向与价格），档位为空时一并摘除。
func (ob *OrderBook) Remove(o *Order) bool {
	return ob.removeByID(o.Side, o.Price, o.ID) != nil
}

func (ob *OrderBook) removeByID(side Side, price int64, orderID uint64) *Order {
	levels, prices := ob.sideMaps(side)
	level, ok := levels[price]
	if !ok {
		return nil
	}
	removed := level.remove(orderID)
	if removed == nil {
		return nil
	}
	delete(ob.locations, orderID)
	if level.empty() {
		delete(levels, price)
		*prices = removePrice(*prices, price)
	}
	return removed
}

// Cancel 按 id 查找并撤销一个挂单：若存在且处于活跃状态，置为 CANCELLED、
// 从档位摘除，档位为空则一并删除；否则返回 false，不做任何修改。
func (ob *OrderBook) Cancel(orderID uint64) (*Order, bool) {
	loc, ok := ob.locations[orderID]
	if !ok {
		return nil, false
	}
	levels, _ := ob.sideMaps(loc.side)
	level := levels[loc.price]
	if level == nil {
		return nil, false
	}
	elem, ok := level.byID[orderID]
	if !ok {
		return nil, false
	}
	o := elem.Value.(*Order)
	if !o.IsActive() {
		return nil, false
	}
	o.Cancel()
	ob.removeByID(loc.side, loc.price, orderID)
	return o, true
}

// BestBidLevel 返回最优买档（可写），买盘为空时返回 nil。只供撮合路径使用。
func (ob *OrderBook) BestBidLevel() *PriceLevel {
	if len(ob.bidPrices) == 0 {
		return nil
	}
	return ob.bids[ob.bidPrices[0]]
}

// BestAskLevel 返回最优卖档（可写），卖盘为空时返回 nil。只供撮合路径使用。
func (ob *OrderBook) BestAskLevel() *PriceLevel {
	if len(ob.askPrices) == 0 {
		return nil
	}
	return ob.asks[ob.askPrices[0]]
}

// RemoveLevelIfEmpty 在撮合路径摘除档位内最后一个活跃订单后调用，
// 让价格键与缓存保持 "没有空档位" 的不变式。
func (ob *OrderBook) RemoveLevelIfEmpty(side Side, price int64) {
	levels, prices := ob.sideMaps(side)
	level, ok := levels[price]
	if !ok || !level.empty() {
		return
	}
	delete(levels, price)
	*prices = removePrice(*prices, price)
}

// DropOrderIndex 撮合路径摘除一个已完全成交的挂单后，清理其撤单索引。
func (ob *OrderBook) DropOrderIndex(orderID uint64) {
	delete(ob.locations, orderID)
}

// BestBid 返回最优买价与该档总量；买盘为空时 ok=false。
func (ob *OrderBook) BestBid() (price, quantity int64, ok bool) {
	level := ob.BestBidLevel()
	if level == nil {
		return 0, 0, false
	}
	return level.price(), level.totalQuantity(), true
}

// BestAsk 返回最优卖价与该档总量；卖盘为空时 ok=false。
func (ob *OrderBook) BestAsk() (price, quantity int64, ok bool) {
	level := ob.BestAskLevel()
	if level == nil {
		return 0, 0, false
	}
	return level.price(), level.totalQuantity(), true
}

// Spread 返回 ask - bid，双边都存在时才有意义。
func (ob *OrderBook) Spread() (int64, bool) {
	bid, _, hasBid := ob.BestBid()
	ask, _, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}
	return ask - bid, true
}

// MidPrice 返回 (bid+ask)/2，双边都存在时才有意义；结果是整数除法，向零截断到 tick。
func (ob *OrderBook) MidPrice() (int64, bool) {
	bid, _, hasBid := ob.BestBid()
	ask, _, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// TopOfBook 返回最优买卖价及其档位总量。
func (ob *OrderBook) TopOfBook() TopOfBook {
	var top TopOfBook
	if price, qty, ok := ob.BestBid(); ok {
		top.BidPrice, top.BidQuantity, top.HasBid = price, qty, true
	}
	if price, qty, ok := ob.BestAsk(); ok {
		top.AskPrice, top.AskQuantity, top.HasAsk = price, qty, true
	}
	return top
}

// BidDepth 返回买盘从最优价向外最多 k 档的快照。
func (ob *OrderBook) BidDepth(k int) []DepthLevel {
	return depthFrom(ob.bids, ob.bidPrices, k)
}

// AskDepth 返回卖盘从最优价向外最多 k 档的快照。
func (ob *OrderBook) AskDepth(k int) []DepthLevel {
	return depthFrom(ob.asks, ob.askPrices, k)
}

func depthFrom(levels map[int64]*PriceLevel, prices []int64, k int) []DepthLevel {
	if k > len(prices) {
		k = len(prices)
	}
	if k <= 0 {
		return nil
	}
	out := make([]DepthLevel, 0, k)
	for i := 0; i < k; i++ {
		level := levels[prices[i]]
		out = append(out, DepthLevel{
			Price:      level.price(),
			Quantity:   level.totalQuantity(),
			OrderCount: level.count(),
		})
	}
	return out
}

// BidLevels 返回买盘当前的价格档位数。
func (ob *OrderBook) BidLevels() int {
	return len(ob.bidPrices)
}

// AskLevels 返回卖盘当前的价格档位数。
func (ob *OrderBook) AskLevels() int {
	return len(ob.askPrices)
}

// insertPrice 把 price 插入已排序的价格切片，保持升序或降序。
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := 0
	for i < len(prices) {
		if descending {
			if price > prices[i] {
				break
			}
		} else {
			if price < prices[i] {
				break
			}
		}
		i++
	}

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 从价格切片中移除 price，不存在时原样返回。
func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}
