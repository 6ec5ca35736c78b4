// Package orderbook 订单簿实现
package orderbook

import (
	"container/list"
	"sync/atomic"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// OrderType 订单类型
type OrderType int

const (
	OrderTypeLimit  OrderType = 1
	OrderTypeMarket OrderType = 2
)

// Status 订单状态，转换图为
// NEW -> {PARTIALLY_FILLED -> {FILLED, CANCELLED}, FILLED, CANCELLED, REJECTED}
type Status int

const (
	StatusNew             Status = 1
	StatusPartiallyFilled Status = 2
	StatusFilled          Status = 3
	StatusCancelled       Status = 4
	StatusRejected        Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// state 是 Order 的可变部分：{status, filled_quantity} 必须作为一对发布，
// 否则外部读者可能看到撮合线程写了一半的状态。通过 atomic.Pointer 整体替换
// 来避免这个撕裂窗口，发布端为 release，读取端为 acquire，两者都由
// sync/atomic 内建保证。
type state struct {
	status         Status
	filledQuantity int64
}

// Order 订单：价格/数量等字段在创建后不再改变，只有 state 会随着撮合推进而更新。
type Order struct {
	ID               uint64
	Symbol           string
	Side             Side
	Type             OrderType
	Price            int64 // 对 MARKET 单无意义
	Quantity         int64
	ArrivalTimestamp int64 // 纳秒时间戳
	SequenceNumber   uint64

	st atomic.Pointer[state]

	// element 是该订单在所在 PriceLevel 内部链表中的位置，仅由订单簿维护。
	element *list.Element
}

// NewOrder 创建一个处于 NEW 状态、未成交的订单。
func NewOrder(id uint64, symbol string, side Side, typ OrderType, price, quantity, arrivalTimestamp int64) *Order {
	o := &Order{
		ID:               id,
		Symbol:           symbol,
		Side:             side,
		Type:             typ,
		Price:            price,
		Quantity:         quantity,
		ArrivalTimestamp: arrivalTimestamp,
	}
	o.st.Store(&state{status: StatusNew, filledQuantity: 0})
	return o
}

// Snapshot 原子地读取一致的 {status, filled_quantity} 对。
func (o *Order) Snapshot() (Status, int64) {
	s := o.st.Load()
	return s.status, s.filledQuantity
}

// Status 返回当前状态。
func (o *Order) Status() Status {
	return o.st.Load().status
}

// FilledQuantity 返回当前已成交数量。
func (o *Order) FilledQuantity() int64 {
	return o.st.Load().filledQuantity
}

// Remaining 返回剩余数量：quantity - filled_quantity。
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity()
}

// IsActive 返回订单是否仍在 NEW 或 PARTIALLY_FILLED 状态。
func (o *Order) IsActive() bool {
	switch o.Status() {
	case StatusNew, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// setStatus 原子地替换整个状态快照（仅由撮合线程调用）。
func (o *Order) setStatus(status Status) {
	o.st.Store(&state{status: status, filledQuantity: o.FilledQuantity()})
}

// Cancel 把订单置为 CANCELLED，仅由订单簿在撤单成功时调用。
func (o *Order) Cancel() {
	o.setStatus(StatusCancelled)
}

// Reject 把订单置为 REJECTED，由撮合 worker 在市价单无法成交时调用。
func (o *Order) Reject() {
	o.setStatus(StatusRejected)
}

// Fill 记录一次成交，按剩余数量决定终态是 PARTIALLY_FILLED 还是 FILLED。
// 仅由撮合 worker 调用，结果通过一次原子替换整体发布。
func (o *Order) Fill(qty int64) {
	filled := o.FilledQuantity() + qty
	status := StatusPartiallyFilled
	if filled >= o.Quantity {
		status = StatusFilled
	}
	o.st.Store(&state{status: status, filledQuantity: filled})
}
