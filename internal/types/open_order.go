// Package types 持有 matching 与其协作者（恢复加载器、消息处理器）之间
// 共享的数据结构，避免它们互相依赖对方的包。
package types

// OpenOrder 是一条处于挂单状态的订单快照，用于启动时从数据库重建订单簿。
type OpenOrder struct {
	OrderID          uint64
	ClientOrderID    string
	Symbol           string
	Side             string // BUY/SELL
	OrderType        string // LIMIT/MARKET
	Price            int64
	LeavesQty        int64 // 剩余（未成交）数量
	ArrivalTimestamp int64 // 纳秒时间戳，用于保持价格-时间优先
}
