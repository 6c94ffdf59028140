package book

import "tradearena/internal/protocol"

// priceLevel holds every order resting at a single price, preserving
// arrival order. An empty level is never kept in a side's index.
type priceLevel struct {
	price  float64
	orders []*protocol.Order
}

func (l *priceLevel) totalQty() uint64 {
	var total uint64
	for _, o := range l.orders {
		total += o.RemainingQty
	}
	return total
}
