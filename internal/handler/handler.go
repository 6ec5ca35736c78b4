// Package handler 是撮合服务的入方向适配器：从 Redis Stream 消费订单命令，
// 分发给按 symbol 分区的撮合引擎，并把每个引擎产生的成交/状态变化事件转发
// 回一个输出 Stream。
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sam044/falcon-exchange/internal/engine"
	"github.com/sam044/falcon-exchange/internal/metrics"
	"github.com/sam044/falcon-exchange/internal/orderbook"
	"github.com/sam044/falcon-exchange/internal/platform/health"
	"github.com/sam044/falcon-exchange/internal/platform/logger"
	"github.com/sam044/falcon-exchange/internal/types"
)

// OrderLoader 从持久化存储加载启动恢复所需的挂单快照。
type OrderLoader interface {
	LoadOpenOrders(ctx context.Context, symbol string) ([]*types.OpenOrder, error)
	ListActiveSymbols(ctx context.Context) ([]string, error)
}

// OrderMessage 是从输入 Stream 反序列化出来的订单命令。REPLACE 用 OrderID
// 指向要撤销的旧单，ReplaceOrderID 是替换单自己的 id；NEW/CANCEL 不使用
// ReplaceOrderID。
type OrderMessage struct {
	Type           string `json:"type"` // NEW / CANCEL / REPLACE
	OrderID        uint64 `json:"orderId"`
	ReplaceOrderID uint64 `json:"replaceOrderId,omitempty"`
	ClientOrderID  string `json:"clientOrderId"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`      // BUY / SELL
	OrderType      string `json:"orderType"` // LIMIT / MARKET
	Price          int64  `json:"price"`
	Qty            int64  `json:"qty"`
}

// EventMessage 是发布到输出 Stream 的事件信封。
type EventMessage struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

const (
	defaultMaxStreamRetries = 10
	defaultClaimMinIdle     = 30 * time.Second
	defaultReadBlock        = 1000 * time.Millisecond
	defaultReadCount        = 100
)

// Config 配置一个 Handler 实例。
type Config struct {
	OrderStream string
	EventStream string
	Group       string
	Consumer    string
	DedupeTTL   time.Duration
	OrderLoader OrderLoader
	Logger      *logger.Logger

	// TradeIDFunc 为每个新建的引擎提供 TradeID 来源，通常是
	// snowflake.NextID，用于保证跨进程（多 symbol worker）唯一。
	// 为空时每个引擎退化为自己的进程内计数器。
	TradeIDFunc func() uint64
}

// engineEntry pairs an engine with the channel its callbacks push onto,
// so Stop/ResetEngines can close the channel and let forwardEvents exit.
type engineEntry struct {
	eng    *engine.Engine
	events chan EventMessage
}

// Handler 消费订单命令、驱动撮合引擎、发布产生的事件。
type Handler struct {
	redis *redis.Client
	log   *logger.Logger

	engines map[string]*engineEntry
	mu      sync.RWMutex

	orderStream string
	eventStream string
	group       string
	consumer    string
	dedupeTTL   time.Duration

	orderLoader OrderLoader
	tradeIDFunc func() uint64

	loop      health.LoopMonitor
	forwardWg sync.WaitGroup
}

// NewHandler 创建一个尚未启动的 Handler。
func NewHandler(redisClient *redis.Client, cfg *Config) *Handler {
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("matching", nil)
	}
	return &Handler{
		redis:       redisClient,
		log:         log,
		engines:     make(map[string]*engineEntry),
		orderStream: cfg.OrderStream,
		eventStream: cfg.EventStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		dedupeTTL:   dedupeTTL,
		orderLoader: cfg.OrderLoader,
		tradeIDFunc: cfg.TradeIDFunc,
	}
}

// Start 创建消费者组（若不存在）、恢复订单簿、启动消费循环。
func (h *Handler) Start(ctx context.Context) error {
	err := h.redis.XGroupCreateMkStream(ctx, h.orderStream, h.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	h.log.Info("recovering order books")
	if err := h.recoverOrderBooks(ctx); err != nil {
		h.log.WithError(err).Warn("recover order books warning")
	}
	h.log.Info("order book recovery completed")

	h.loop.Tick()
	go h.consumeLoop(ctx)
	return nil
}

func (h *Handler) recoverOrderBooks(ctx context.Context) error {
	if h.orderLoader == nil {
		return nil
	}
	symbols, err := h.orderLoader.ListActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("list active symbols: %w", err)
	}
	for _, symbol := range symbols {
		if err := h.recoverSymbol(ctx, symbol); err != nil {
			h.log.WithError(err).WithField("symbol", symbol).Warn("recover symbol error")
		}
	}
	return nil
}

func (h *Handler) recoverSymbol(ctx context.Context, symbol string) error {
	orders, err := h.orderLoader.LoadOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	eng := h.getOrCreateEngine(ctx, symbol)
	recovered := 0
	for _, oo := range orders {
		if oo == nil {
			continue
		}
		order := openOrderToOrder(oo)
		if !eng.AddOrderDirect(order) {
			h.log.WithField("symbol", symbol).WithField("orderID", oo.OrderID).Warn("add order direct rejected")
			continue
		}
		recovered++
	}
	h.log.Infof("recovered orders", map[string]interface{}{"symbol": symbol, "count": recovered})
	return nil
}

func openOrderToOrder(oo *types.OpenOrder) *orderbook.Order {
	side := orderbook.SideBuy
	if oo.Side == "SELL" {
		side = orderbook.SideSell
	}
	typ := orderbook.OrderTypeLimit
	if oo.OrderType == "MARKET" {
		typ = orderbook.OrderTypeMarket
	}
	return orderbook.NewOrder(oo.OrderID, oo.Symbol, side, typ, oo.Price, oo.LeavesQty, oo.ArrivalTimestamp)
}

// ConsumeLoopHealthy exposes the consume loop's liveness for /health checks.
func (h *Handler) ConsumeLoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return h.loop.Healthy(now, maxAge)
}

func (h *Handler) consumeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.loop.SetError(fmt.Errorf("panic: %v", r))
			h.log.Errorf("consumeLoop panic", map[string]interface{}{"panic": r, "stack": string(debug.Stack())})
		}
	}()

	pendingTicker := time.NewTicker(30 * time.Second)
	defer pendingTicker.Stop()

	if err := h.processPending(ctx); err != nil {
		h.loop.SetError(err)
		h.log.WithError(err).Warn("process pending error")
	}

	for {
		h.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := h.processPending(ctx); err != nil {
				h.loop.SetError(err)
				h.log.WithError(err).Warn("process pending error")
			}
			continue
		default:
		}

		results, err := h.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    h.group,
			Consumer: h.consumer,
			Streams:  []string{h.orderStream, ">"},
			Count:    defaultReadCount,
			Block:    defaultReadBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			h.loop.SetError(err)
			h.log.WithError(err).Warn("read stream error")
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				h.processMessage(ctx, msg)
			}
		}
	}
}

func (h *Handler) processMessage(ctx context.Context, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		h.ack(ctx, msg.ID)
		return
	}

	var orderMsg OrderMessage
	if err := json.Unmarshal([]byte(data), &orderMsg); err != nil {
		h.log.WithError(err).Warn("unmarshal message error")
		h.ack(ctx, msg.ID)
		return
	}

	if !h.shouldProcess(ctx, &orderMsg) {
		h.ack(ctx, msg.ID)
		return
	}

	eng := h.getOrCreateEngine(ctx, orderMsg.Symbol)

	switch orderMsg.Type {
	case "CANCEL":
		if !eng.Cancel(orderMsg.OrderID) {
			metrics.IncStreamError(h.orderStream, h.group)
			h.log.Warn("cancel command dropped: queue full")
			return
		}
	case "REPLACE":
		replacement, err := buildOrder(&orderMsg, orderMsg.ReplaceOrderID)
		if err != nil {
			h.log.WithError(err).Warn("invalid replace message")
			h.ack(ctx, msg.ID)
			return
		}
		if !eng.Replace(orderMsg.OrderID, replacement) {
			metrics.IncStreamError(h.orderStream, h.group)
			h.log.Warn("replace command dropped: queue full")
			return
		}
	default: // NEW
		order, err := toOrder(&orderMsg)
		if err != nil {
			h.log.WithError(err).Warn("invalid order message")
			h.ack(ctx, msg.ID)
			return
		}
		if !eng.Submit(order) {
			metrics.IncStreamError(h.orderStream, h.group)
			h.log.Warn("submit command dropped: queue full")
			return
		}
	}

	h.ack(ctx, msg.ID)
}

func toOrder(msg *OrderMessage) (*orderbook.Order, error) {
	return buildOrder(msg, msg.OrderID)
}

func buildOrder(msg *OrderMessage, id uint64) (*orderbook.Order, error) {
	var side orderbook.Side
	switch msg.Side {
	case "BUY":
		side = orderbook.SideBuy
	case "SELL":
		side = orderbook.SideSell
	default:
		return nil, fmt.Errorf("invalid side: %q", msg.Side)
	}

	var typ orderbook.OrderType
	switch msg.OrderType {
	case "LIMIT":
		typ = orderbook.OrderTypeLimit
	case "MARKET":
		typ = orderbook.OrderTypeMarket
	default:
		return nil, fmt.Errorf("unsupported order type: %q", msg.OrderType)
	}

	return orderbook.NewOrder(id, msg.Symbol, side, typ, msg.Price, msg.Qty, time.Now().UnixNano()), nil
}

func (h *Handler) shouldProcess(ctx context.Context, msg *OrderMessage) bool {
	if h.dedupeTTL <= 0 || msg == nil || msg.OrderID == 0 {
		return true
	}
	key := fmt.Sprintf("dedupe:%s:%d", strings.ToLower(msg.Type), msg.OrderID)
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := h.redis.SetNX(timeoutCtx, key, "1", h.dedupeTTL).Result()
	if err != nil {
		h.log.WithError(err).Warn("dedupe check error")
		return true
	}
	return ok
}

func (h *Handler) processPending(ctx context.Context) error {
	if summary, err := h.redis.XPending(ctx, h.orderStream, h.group).Result(); err == nil {
		metrics.SetStreamPending(h.orderStream, h.group, summary.Count)
	}

	pending, err := h.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: h.orderStream,
		Group:  h.group,
		Start:  "-",
		End:    "+",
		Count:  defaultReadCount,
	}).Result()
	if err != nil {
		return err
	}

	var ids []string
	dlqIDs := make(map[string]int64)
	for _, entry := range pending {
		if entry.Idle >= defaultClaimMinIdle {
			ids = append(ids, entry.ID)
			if entry.RetryCount > defaultMaxStreamRetries {
				dlqIDs[entry.ID] = entry.RetryCount
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := h.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   h.orderStream,
		Group:    h.group,
		Consumer: h.consumer,
		MinIdle:  defaultClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		if retryCount, toDLQ := dlqIDs[msg.ID]; toDLQ {
			if err := h.sendToDLQ(ctx, &msg, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
				metrics.IncStreamError(h.orderStream, h.group)
				h.log.WithError(err).Warn("send dlq error")
				continue
			}
			metrics.IncStreamDLQ(h.orderStream, h.group)
			h.ack(ctx, msg.ID)
			continue
		}
		h.processMessage(ctx, msg)
	}
	return nil
}

func (h *Handler) sendToDLQ(ctx context.Context, msg *redis.XMessage, reason string) error {
	dlqStream := h.orderStream + ":dlq"
	_, err := h.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: dlqValues(h.orderStream, h.group, h.consumer, msg, reason),
	}).Result()
	return err
}

func dlqValues(stream, group, consumer string, msg *redis.XMessage, reason string) map[string]interface{} {
	return map[string]interface{}{
		"stream":   stream,
		"msgId":    msg.ID,
		"reason":   reason,
		"data":     msg.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    group,
		"consumer": consumer,
	}
}

// getOrCreateEngine returns the engine for symbol, creating and starting one
// (plus its event-forwarding goroutine) the first time it's needed.
func (h *Handler) getOrCreateEngine(ctx context.Context, symbol string) *engine.Engine {
	h.mu.RLock()
	entry, exists := h.engines[symbol]
	h.mu.RUnlock()
	if exists {
		return entry.eng
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if entry, exists = h.engines[symbol]; exists {
		return entry.eng
	}

	eng := engine.NewEngine(symbol)
	if h.tradeIDFunc != nil {
		eng.SetTradeIDFunc(h.tradeIDFunc)
	}
	events := make(chan EventMessage, 1024)
	eng.SetTradeCallback(func(t engine.Trade) {
		metrics.IncTradesCreated(t.Symbol)
		select {
		case events <- EventMessage{Type: "TRADE_CREATED", Symbol: t.Symbol, Timestamp: t.Timestamp, Data: t}:
		default:
			h.log.Warn("event forwarding channel full, dropping trade event")
		}
	})
	eng.SetOrderUpdateCallback(func(o *orderbook.Order) {
		status, filled := o.Snapshot()
		select {
		case events <- EventMessage{
			Type:      "ORDER_" + status.String(),
			Symbol:    o.Symbol,
			Timestamp: time.Now().UnixNano(),
			Data:      map[string]interface{}{"orderId": o.ID, "status": status.String(), "filledQty": filled},
		}:
		default:
			h.log.Warn("event forwarding channel full, dropping order update")
		}
	})
	eng.Start()

	h.forwardWg.Add(1)
	go h.forwardEvents(ctx, events)

	h.engines[symbol] = &engineEntry{eng: eng, events: events}
	return eng
}

func (h *Handler) forwardEvents(ctx context.Context, events <-chan EventMessage) {
	defer h.forwardWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.publishEvent(ctx, evt)
		}
	}
}

func (h *Handler) publishEvent(ctx context.Context, evt EventMessage) {
	payload, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).Warn("marshal event error")
		return
	}

	backoff := 200 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := h.redis.XAdd(sendCtx, &redis.XAddArgs{
			Stream: h.eventStream,
			Values: map[string]interface{}{"data": string(payload)},
		}).Result()
		cancel()
		if err == nil {
			return
		}
		h.log.WithError(err).Warn("publish event error")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (h *Handler) ack(ctx context.Context, id string) {
	if err := h.redis.XAck(ctx, h.orderStream, h.group, id).Err(); err != nil {
		h.log.WithError(err).WithField("msgId", id).Warn("ack message error")
	}
}

// GetDepth returns the current book depth for symbol, if that symbol's
// engine has been created yet.
func (h *Handler) GetDepth(symbol string, limit int) (bids, asks []orderbook.DepthLevel, ok bool) {
	h.mu.RLock()
	entry, exists := h.engines[symbol]
	h.mu.RUnlock()
	if !exists {
		return nil, nil, false
	}
	book := entry.eng.Book()
	return book.BidDepth(limit), book.AskDepth(limit), true
}

// ResetEngines stops and drops the engine(s) for symbol, or all engines if
// symbol is empty. Returns the number of engines reset. Intended for the
// internal reset endpoint used in integration tests.
func (h *Handler) ResetEngines(symbol string) int {
	h.mu.Lock()
	if symbol != "" {
		entry, ok := h.engines[symbol]
		if !ok {
			h.mu.Unlock()
			return 0
		}
		entry.eng.Stop()
		close(entry.events)
		delete(h.engines, symbol)
		h.mu.Unlock()
		return 1
	}

	count := 0
	for key, entry := range h.engines {
		entry.eng.Stop()
		close(entry.events)
		delete(h.engines, key)
		count++
	}
	h.mu.Unlock()
	return count
}

// Stop gracefully shuts down every engine and waits for forwarding goroutines
// to drain.
func (h *Handler) Stop() {
	h.log.Info("stopping handler")
	h.ResetEngines("")
	h.forwardWg.Wait()
	h.log.Info("handler stopped")
}
