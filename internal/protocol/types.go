// Package protocol defines the exchange's wire-facing message variants and
// the domain value types they carry. JSON (de)serialization is a
// boundary-only concern: every type here is also used internally by the
// book, matching, ledger, and exchange packages, exactly as the value type
// they operate on, so there is one shape from ingress to emission.
package protocol

import "fmt"

// Side is an order or trade's direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// OrderType distinguishes resting-capable limit orders from immediate-or-
// reject market orders.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

func (t OrderType) Valid() bool {
	return t == Limit || t == Market
}

// Order is a resting or in-flight order. Price is meaningless for MARKET
// orders prior to matching; RemainingQty is mutated in place as the order
// is filled.
type Order struct {
	ID            uint64
	TraderID      string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Price         float64 // limit price; ignored for MARKET
	OriginalQty   uint64
	RemainingQty  uint64
	Sequence      uint64
	ClientOrderID string
}

func (o *Order) String() string {
	return fmt.Sprintf(
		"Order{id=%d trader=%s side=%s type=%s price=%.4f qty=%d/%d seq=%d}",
		o.ID, o.TraderID, o.Side, o.OrderType, o.Price, o.RemainingQty, o.OriginalQty, o.Sequence,
	)
}

// Trade is a single execution between a resting maker and an arriving
// taker. Price is always the maker's resting price.
type Trade struct {
	ID            uint64
	Symbol        string
	Price         float64
	Qty           uint64
	MakerOrderID  uint64
	TakerOrderID  uint64
	MakerTraderID string
	TakerTraderID string
	AggressorSide Side
	Sequence      uint64
}

func (t *Trade) String() string {
	return fmt.Sprintf(
		"Trade{id=%d price=%.4f qty=%d maker=%s taker=%s aggressor=%s seq=%d}",
		t.ID, t.Price, t.Qty, t.MakerTraderID, t.TakerTraderID, t.AggressorSide, t.Sequence,
	)
}

// PriceLevel is an aggregated (price, totalRemainingQty) pair as exposed by
// book snapshots.
type PriceLevel struct {
	Price float64
	Qty   uint64
}
