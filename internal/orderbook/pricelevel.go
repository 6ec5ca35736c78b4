package orderbook

import "container/list"

// PriceLevel 价格档位：同一价格、同一方向的订单按到达顺序排队（FIFO）。
type PriceLevel struct {
	Price int64
	side  Side

	orders *list.List // *Order，头部为最早到达的订单
	total  int64

	// byID 支持按 id 在档位内 O(1) 摘除，避免遍历链表。
	byID map[uint64]*list.Element
}

func newPriceLevel(price int64, side Side) *PriceLevel {
	return &PriceLevel{
		Price:  price,
		side:   side,
		orders: list.New(),
		byID:   make(map[uint64]*list.Element),
	}
}

// add 在档位尾部追加订单，累加剩余数量到 total。
func (l *PriceLevel) add(o *Order) {
	elem := l.orders.PushBack(o)
	o.element = elem
	l.byID[o.ID] = elem
	l.total += o.Remaining()
}

// remove 按 id 从档位摘除订单，返回被摘除的订单；不存在时返回 nil。
func (l *PriceLevel) remove(orderID uint64) *Order {
	elem, ok := l.byID[orderID]
	if !ok {
		return nil
	}
	o := elem.Value.(*Order)
	l.orders.Remove(elem)
	delete(l.byID, orderID)
	l.total -= o.Remaining()
	o.element = nil
	return o
}

// RemoveFront 摘除档位队首的订单，供撮合路径在已经拿到 Front() 的订单、
// 确认其已完全成交之后调用，避免再按 id 走一次 map 查找。
func (l *PriceLevel) RemoveFront() *Order {
	front := l.orders.Front()
	if front == nil {
		return nil
	}
	o := front.Value.(*Order)
	l.orders.Remove(front)
	delete(l.byID, o.ID)
	o.element = nil
	return o
}

// Front 返回档位内最早到达的订单，档位为空时返回 nil。
func (l *PriceLevel) Front() *Order {
	elem := l.orders.Front()
	if elem == nil {
		return nil
	}
	return elem.Value.(*Order)
}

// AdjustTotal 在撮合部分成交后调整档位总量（delta 通常为负）。
func (l *PriceLevel) AdjustTotal(delta int64) {
	l.total += delta
}

func (l *PriceLevel) count() int {
	return l.orders.Len()
}

func (l *PriceLevel) empty() bool {
	return l.orders.Len() == 0
}

func (l *PriceLevel) totalQuantity() int64 {
	return l.total
}

func (l *PriceLevel) price() int64 {
	return l.Price
}
