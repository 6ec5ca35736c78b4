// Package engine 实现撮合引擎：拥有订单簿，在专属 worker 上消费事件队列，
// 按价格-时间优先原则撮合，通过回调同步地把成交和订单状态变化通知给调用方。
package engine

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sam044/falcon-exchange/internal/metrics"
	"github.com/sam044/falcon-exchange/internal/orderbook"
	"github.com/sam044/falcon-exchange/internal/ringbuffer"
)

// EventType 标识事件队列里携带的命令种类。
type EventType int

const (
	EventNewOrder EventType = iota + 1
	EventCancelOrder
	EventReplaceOrder
	EventShutdown
)

// Event 是从生产者流向撮合 worker 的命令，tag 为 Type，其余字段按 tag 解释。
type Event struct {
	Type EventType

	// NEW_ORDER、REPLACE_ORDER 的替换单都使用 Order。
	Order *orderbook.Order

	// CANCEL_ORDER 的目标、REPLACE_ORDER 要撤销的旧单 id。
	CancelOrderID uint64
}

// Trade 是一次撮合产生的不可变成交记录。
type Trade struct {
	TradeID     uint64
	Symbol      string
	BuyOrderID  uint64
	SellOrderID uint64
	Price       int64
	Quantity    int64
	Timestamp   int64
}

// Statistics 是引擎的累计计数器快照。
type Statistics struct {
	OrdersProcessed uint64
	TradesExecuted  uint64
	OrdersCancelled uint64
}

// TradeCallback 在撮合 worker 上同步调用，每次成交调用一次。
type TradeCallback func(Trade)

// OrderUpdateCallback 在撮合 worker 上同步调用，每个新订单事件（包括改单事件
// 里的替换单）处理结束后调用一次，反映该订单在本事件中的终态；撤单事件不触发它。
type OrderUpdateCallback func(*orderbook.Order)

const defaultQueueCapacity = 1 << 16 // 65536，2 的幂

// Engine 撮合引擎：构造后拥有一个空订单簿，初始未运行。
type Engine struct {
	symbol string
	book   *orderbook.OrderBook
	queue  *ringbuffer.Queue[Event]

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	tradeSeq atomic.Uint64

	ordersProcessed atomic.Uint64
	tradesExecuted  atomic.Uint64
	ordersCancelled atomic.Uint64

	// 回调、tradeIDFunc 只能在 Start 之前设置一次；之后只在 worker 线程上读取，
	// 不再需要同步。
	tradeCallback       TradeCallback
	orderUpdateCallback OrderUpdateCallback
	tradeIDFunc         func() uint64
}

// NewEngine 创建一个给定 symbol 的撮合引擎，队列容量使用默认值（必须是 2 的幂）。
func NewEngine(symbol string) *Engine {
	return NewEngineWithCapacity(symbol, defaultQueueCapacity)
}

// NewEngineWithCapacity 创建一个给定 symbol、给定事件队列容量的撮合引擎。
func NewEngineWithCapacity(symbol string, queueCapacity int) *Engine {
	return &Engine{
		symbol: symbol,
		book:   orderbook.NewOrderBook(symbol),
		queue:  ringbuffer.New[Event](queueCapacity),
	}
}

// Symbol 返回该引擎撮合的交易对。
func (e *Engine) Symbol() string {
	return e.symbol
}

// SetTradeCallback 设置成交回调，必须在 Start 之前调用。
func (e *Engine) SetTradeCallback(fn TradeCallback) {
	e.tradeCallback = fn
}

// SetOrderUpdateCallback 设置订单状态回调，必须在 Start 之前调用。
func (e *Engine) SetOrderUpdateCallback(fn OrderUpdateCallback) {
	e.orderUpdateCallback = fn
}

// SetTradeIDFunc 设置 TradeID 的来源，必须在 Start 之前调用。不设置时退化为
// 引擎自带的进程内原子计数器（tradeSeq），足以保证单个引擎实例内部唯一，
// 但不足以保证跨进程唯一——分配给多个 worker 的 symbol 之间会有 TradeID 冲突。
func (e *Engine) SetTradeIDFunc(fn func() uint64) {
	e.tradeIDFunc = fn
}

// Book 返回订单簿的只读引用，供行情发布者等协作者使用。
// 引擎运行期间并发读取本身就是有竞态的——调用方要么只在引擎停止时读取，
// 要么接受最终一致性。
func (e *Engine) Book() *orderbook.OrderBook {
	return e.book
}

// Statistics 返回累计计数器的快照。
func (e *Engine) Statistics() Statistics {
	return Statistics{
		OrdersProcessed: e.ordersProcessed.Load(),
		TradesExecuted:  e.tradesExecuted.Load(),
		OrdersCancelled: e.ordersCancelled.Load(),
	}
}

// Start 启动唯一的撮合 worker；幂等。
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.running.Store(true)
		e.wg.Add(1)
		go e.run()
	})
}

// Stop 让 worker 退出并等待其结束；幂等。
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if !e.running.Load() {
			return
		}
		e.running.Store(false)
		// 确保 worker 从空队列的等待中被唤醒：SHUTDOWN 本身是一个空操作，
		// 真正让它退出循环的是 running 变为 false。
		for !e.queue.Push(Event{Type: EventShutdown}) {
			runtime.Gosched()
		}
		e.wg.Wait()
	})
}

// Submit 提交一个新订单事件；symbol 不匹配或队列已满时返回 false。
func (e *Engine) Submit(o *orderbook.Order) bool {
	if o.Symbol != e.symbol {
		return false
	}
	return e.queue.Push(Event{Type: EventNewOrder, Order: o})
}

// Cancel 提交一个撤单事件；队列已满时返回 false。
func (e *Engine) Cancel(orderID uint64) bool {
	return e.queue.Push(Event{Type: EventCancelOrder, CancelOrderID: orderID})
}

// Replace 提交一个改单事件（撤销 oldID，随后处理 newOrder），两者作为同一个
// 事件投递，保证之间不会插入其他生产者的事件；队列已满时返回 false。
func (e *Engine) Replace(oldID uint64, newOrder *orderbook.Order) bool {
	if newOrder.Symbol != e.symbol {
		return false
	}
	return e.queue.Push(Event{Type: EventReplaceOrder, Order: newOrder, CancelOrderID: oldID})
}

// AddOrderDirect 把一个已经处于挂单状态的订单直接插入订单簿，不经过撮合、
// 不经过事件队列、不触发任何回调。只供启动恢复路径在 Start 之前使用：
// 恢复的订单本来就是彼此互不冲突的挂单（否则它们早就在上次停机前撮合掉了），
// 按原始到达顺序依次插入即可保持价格-时间优先不变式。
func (e *Engine) AddOrderDirect(o *orderbook.Order) bool {
	return e.book.Add(o)
}

func (e *Engine) run() {
	defer e.wg.Done()

	var idleSpins int
	for e.running.Load() || !e.queue.Empty() {
		event, ok := e.queue.Pop()
		if !ok {
			idleSpins++
			backoffIdle(idleSpins)
			continue
		}
		idleSpins = 0

		metrics.SetQueueDepth(e.symbol, float64(e.queue.Size()))
		start := time.Now()
		e.dispatch(event)
		metrics.ObserveMatchingLatency(time.Since(start))
		metrics.AddMatchingThroughput(1)
	}
}

// backoffIdle 实现撮合 worker 在队列空闲时的退避策略：先自旋让步几次
// （延迟最低，应对瞬时空闲），超过阈值后转为有上限的短睡眠，避免在真正
// 长时间空闲时持续占满一个核。是否用条件变量唤醒是策略选择，不是正确性
// 要求，这里选择了不需要额外同步原语的自适应退避。
func backoffIdle(spins int) {
	switch {
	case spins < 64:
		runtime.Gosched()
	case spins < 256:
		time.Sleep(10 * time.Microsecond)
	default:
		time.Sleep(200 * time.Microsecond)
	}
}

func (e *Engine) dispatch(event Event) {
	switch event.Type {
	case EventNewOrder:
		e.processNewOrder(event.Order)
	case EventCancelOrder:
		e.processCancel(event.CancelOrderID)
	case EventReplaceOrder:
		e.processCancel(event.CancelOrderID)
		e.processNewOrder(event.Order)
	case EventShutdown:
		// 留给 run() 的循环条件处理，这里什么都不做。
	}
}

func (e *Engine) processNewOrder(o *orderbook.Order) {
	e.ordersProcessed.Add(1)

	switch o.Type {
	case orderbook.OrderTypeMarket:
		e.matchMarketOrder(o)
	default:
		e.matchLimitOrder(o)
	}

	if e.orderUpdateCallback != nil {
		e.orderUpdateCallback(o)
	}
	e.reportDepth()
}

func (e *Engine) matchLimitOrder(o *orderbook.Order) {
	for o.IsActive() && e.canMatch(o) {
		if !e.tryMatch(o) {
			break
		}
	}
	if o.IsActive() && o.Remaining() > 0 {
		e.book.Add(o)
	}
}

func (e *Engine) matchMarketOrder(o *orderbook.Order) {
	for o.IsActive() {
		if !e.hasOpposingLiquidity(o.Side) {
			o.Reject()
			break
		}
		if !e.tryMatch(o) {
			o.Reject()
			break
		}
	}
	if o.Remaining() > 0 && o.Status() != orderbook.StatusRejected {
		o.Reject()
	}
}

func (e *Engine) hasOpposingLiquidity(side orderbook.Side) bool {
	if side == orderbook.SideBuy {
		return e.book.BestAskLevel() != nil
	}
	return e.book.BestBidLevel() != nil
}

// canMatch 判断限价单的价格是否已触及对手盘最优价格（可以成交）；对手盘为空或
// 价格未触及时返回 false。
// BUY: order.price >= best_ask；SELL: order.price <= best_bid。
func (e *Engine) canMatch(o *orderbook.Order) bool {
	if o.Side == orderbook.SideBuy {
		level := e.book.BestAskLevel()
		if level == nil {
			return false
		}
		return o.Price >= level.Price
	}
	level := e.book.BestBidLevel()
	if level == nil {
		return false
	}
	return o.Price <= level.Price
}

// tryMatch 执行一次撮合步骤：定位对手盘最优档，取出其最早订单，按被动方
// 价格成交 min(剩余量)，必要时把已完全成交的被动单从订单簿摘除。
// 返回 false 表示本次没有发生任何撮合（对手盘为空，或最优档的队首订单不活跃）。
func (e *Engine) tryMatch(incoming *orderbook.Order) bool {
	var level *orderbook.PriceLevel
	if incoming.Side == orderbook.SideBuy {
		level = e.book.BestAskLevel()
	} else {
		level = e.book.BestBidLevel()
	}
	if level == nil {
		return false
	}

	resting := level.Front()
	if resting == nil || !resting.IsActive() {
		return false
	}

	matchPrice := resting.Price
	matchQty := min64(incoming.Remaining(), resting.Remaining())

	incoming.Fill(matchQty)
	resting.Fill(matchQty)
	level.AdjustTotal(-matchQty)

	buyID, sellID := incoming.ID, resting.ID
	if incoming.Side == orderbook.SideSell {
		buyID, sellID = resting.ID, incoming.ID
	}

	trade := Trade{
		TradeID:     e.nextTradeID(),
		Symbol:      e.symbol,
		BuyOrderID:  buyID,
		SellOrderID: sellID,
		Price:       matchPrice,
		Quantity:    matchQty,
		Timestamp:   time.Now().UnixNano(),
	}
	e.tradesExecuted.Add(1)

	if !resting.IsActive() {
		level.RemoveFront()
		e.book.DropOrderIndex(resting.ID)
		e.book.RemoveLevelIfEmpty(resting.Side, resting.Price)
	}

	if e.tradeCallback != nil {
		e.tradeCallback(trade)
	}
	return true
}

func (e *Engine) nextTradeID() uint64 {
	if e.tradeIDFunc != nil {
		return e.tradeIDFunc()
	}
	return e.tradeSeq.Add(1)
}

func (e *Engine) processCancel(orderID uint64) {
	if _, ok := e.book.Cancel(orderID); ok {
		e.ordersCancelled.Add(1)
		e.reportDepth()
	}
}

// reportDepth 把当前订单簿两侧的档位数发布到 Prometheus，供容量规划和
// 异常检测（例如某一侧长期为零）使用。
func (e *Engine) reportDepth() {
	metrics.SetOrderbookDepth(e.symbol, "buy", float64(e.book.BidLevels()))
	metrics.SetOrderbookDepth(e.symbol, "sell", float64(e.book.AskLevels()))
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
