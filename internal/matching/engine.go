// Package matching implements a single-symbol FIFO matcher: self-match
// prevention, market vs. limit handling, and the monotonic
// order/trade/sequence counters. It is deterministic and single-threaded
// by construction; the exchange orchestrator is the only caller, and it
// never suspends mid-match.
package matching

import (
	"fmt"

	"tradearena/internal/book"
	"tradearena/internal/protocol"
)

// Result is what a single incoming order produced.
type Result struct {
	Order  *protocol.Order // the taker order, post-matching
	Trades []*protocol.Trade
	Rested bool
}

// Engine owns one symbol's order book plus the monotonic id/sequence
// counters used for every order and trade that passes through it.
type Engine struct {
	Symbol        string
	book          *book.Book
	nextOrderID   uint64
	nextTradeID   uint64
	nextSequence  uint64
	debug         bool
}

// New constructs a matching engine for symbol with a fresh, empty book.
func New(symbol string, debug bool) *Engine {
	return &Engine{
		Symbol:       symbol,
		book:         book.New(symbol, debug),
		nextOrderID:  1,
		nextTradeID:  1,
		nextSequence: 1,
		debug:        debug,
	}
}

// Book exposes the underlying order book for snapshotting and pre-trade
// book-state reads (best bid/ask for mark resolution, etc).
func (e *Engine) Book() *book.Book { return e.book }

func (e *Engine) allocateOrderID() uint64 {
	id := e.nextOrderID
	e.nextOrderID++
	return id
}

func (e *Engine) allocateTradeID() uint64 {
	id := e.nextTradeID
	e.nextTradeID++
	return id
}

func (e *Engine) allocateSequence() uint64 {
	seq := e.nextSequence
	e.nextSequence++
	return seq
}

// ExecuteLimit matches a new limit order against the book, resting any
// unmatched remainder unless doing so would leave the book crossed (only
// reachable when all crossing liquidity was self-owned and skipped by
// self-match prevention).
func (e *Engine) ExecuteLimit(traderID string, side protocol.Side, price float64, qty uint64, clientOrderID string) *Result {
	order := &protocol.Order{
		ID: e.allocateOrderID(), TraderID: traderID, Symbol: e.Symbol, Side: side,
		OrderType: protocol.Limit, Price: price, OriginalQty: qty, RemainingQty: qty,
		Sequence: e.allocateSequence(), ClientOrderID: clientOrderID,
	}

	trades := e.matchLoop(order, price, false)
	e.book.Compact()

	rested := false
	if order.RemainingQty > 0 && !e.book.HasCrossingOpposite(order.Side, order.Price) {
		e.book.AddResting(order)
		rested = true
	}

	e.book.Compact()
	e.assertUncrossed()
	if e.debug {
		e.book.Validate()
	}

	return &Result{Order: order, Trades: trades, Rested: rested}
}

// ExecuteMarket matches a new market order against the book with no price
// guard. Any non-zero remainder after matching is rejected — market
// orders are never rested. The caller (the orchestrator) decides what
// "rejected" means at the protocol level; this just reports it via
// Result.Order.RemainingQty > 0.
func (e *Engine) ExecuteMarket(traderID string, side protocol.Side, qty uint64, clientOrderID string) *Result {
	order := &protocol.Order{
		ID: e.allocateOrderID(), TraderID: traderID, Symbol: e.Symbol, Side: side,
		OrderType: protocol.Market, OriginalQty: qty, RemainingQty: qty,
		Sequence: e.allocateSequence(), ClientOrderID: clientOrderID,
	}

	trades := e.matchLoop(order, 0, true)
	e.book.Compact()
	e.assertUncrossed()
	if e.debug {
		e.book.Validate()
	}

	return &Result{Order: order, Trades: trades, Rested: false}
}

func (e *Engine) matchLoop(order *protocol.Order, limitPrice float64, marketOrder bool) []*protocol.Trade {
	var trades []*protocol.Trade
	for order.RemainingQty > 0 {
		maker, ok := e.book.NextMatchableOpposite(order.Side, limitPrice, order.TraderID, marketOrder)
		if !ok {
			break
		}

		fillQty := order.RemainingQty
		if maker.RemainingQty < fillQty {
			fillQty = maker.RemainingQty
		}
		maker.RemainingQty -= fillQty
		order.RemainingQty -= fillQty

		trades = append(trades, &protocol.Trade{
			ID: e.allocateTradeID(), Symbol: e.Symbol, Price: maker.Price, Qty: fillQty,
			MakerOrderID: maker.ID, TakerOrderID: order.ID,
			MakerTraderID: maker.TraderID, TakerTraderID: order.TraderID,
			AggressorSide: order.Side, Sequence: e.allocateSequence(),
		})

		if maker.RemainingQty == 0 {
			if err := e.book.RemoveOrder(maker); err != nil {
				panic(fmt.Sprintf("matching invariant violated: %v", err))
			}
		}

		if e.debug {
			e.book.Validate()
		}
	}
	return trades
}

func (e *Engine) assertUncrossed() {
	bestBid, bidOk := e.book.BestBid()
	bestAsk, askOk := e.book.BestAsk()
	if bidOk && askOk && !(bestBid < bestAsk) {
		panic(fmt.Sprintf("matching invariant violated: crossed book bestBid=%.4f bestAsk=%.4f", bestBid, bestAsk))
	}
}

// CancelByTrader removes every resting order owned by traderID. Returns
// whether the book changed.
func (e *Engine) CancelByTrader(traderID string) bool {
	return e.book.CancelByTrader(traderID)
}

// ClearBook removes all resting orders without touching the id/sequence
// counters (used at round boundaries).
func (e *Engine) ClearBook() {
	e.book.Clear()
}

// Reset zeroes all three monotonic counters and clears the book. Used at
// the start of a fresh session round.
func (e *Engine) Reset() {
	e.book.Clear()
	e.nextOrderID = 1
	e.nextTradeID = 1
	e.nextSequence = 1
}
