// Package book implements a per-symbol two-sided price ladder with
// price-time priority, self-match-prevention-aware matchable search,
// snapshotting, and bulk cancellation. It holds no locks of its own:
// exactly one goroutine (the exchange orchestrator's single-writer core)
// is ever allowed to call into a Book.
package book

import (
	"errors"
	"fmt"

	"github.com/tidwall/btree"

	"tradearena/internal/protocol"
)

var (
	ErrPriceLevelNotFound = errors.New("book: price level not found")
	ErrOrderNotFound      = errors.New("book: order not found at its price level")
)

// Book is a single symbol's live order book. Bids are indexed best-first
// descending (highest price first); asks are indexed best-first ascending
// (lowest price first). Every live price maps to a non-empty queue and
// vice versa — see Validate.
type Book struct {
	Symbol string
	bids   *btree.BTreeG[*priceLevel]
	asks   *btree.BTreeG[*priceLevel]
	debug  bool
}

// New constructs an empty book for symbol. debug enables Validate() calls
// after every mutating operation — intended for tests, not the hot path.
func New(symbol string, debug bool) *Book {
	return &Book{
		Symbol: symbol,
		bids:   btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price > b.price }),
		asks:   btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price < b.price }),
		debug:  debug,
	}
}

func (b *Book) treeFor(side protocol.Side) *btree.BTreeG[*priceLevel] {
	if side == protocol.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) oppositeTree(side protocol.Side) *btree.BTreeG[*priceLevel] {
	return b.treeFor(side.Opposite())
}

// BestBid returns the highest resting bid price, if any.
func (b *Book) BestBid() (float64, bool) {
	lvl, ok := b.bids.Min()
	if !ok {
		return 0, false
	}
	return lvl.price, true
}

// BestAsk returns the lowest resting ask price, if any.
func (b *Book) BestAsk() (float64, bool) {
	lvl, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return lvl.price, true
}

// AddResting places a limit order's unmatched remainder on the book. The
// caller is responsible for having already run matching; AddResting never
// matches.
func (b *Book) AddResting(order *protocol.Order) {
	tree := b.treeFor(order.Side)
	key := &priceLevel{price: order.Price}
	lvl, ok := tree.GetMut(key)
	if !ok {
		lvl = key
		tree.Set(lvl)
	}
	lvl.orders = append(lvl.orders, order)
	if b.debug {
		b.Validate()
	}
}

// PeekOppositeBest returns the head order of the opposite side's best price
// level without removing it or applying self-match prevention.
func (b *Book) PeekOppositeBest(side protocol.Side) (*protocol.Order, bool) {
	lvl, ok := b.oppositeTree(side).Min()
	if !ok || len(lvl.orders) == 0 {
		return nil, false
	}
	return lvl.orders[0], true
}

// NextMatchableOpposite returns the first order on the opposite side, in
// priority order, up to limitPrice, whose trader differs from
// takerTraderID (self-match prevention). Skipped same-trader orders are
// left exactly where they were — neither removed nor reordered. When
// marketOrder is true, limitPrice is ignored (a market order can walk the
// full depth of the opposite side).
func (b *Book) NextMatchableOpposite(side protocol.Side, limitPrice float64, takerTraderID string, marketOrder bool) (*protocol.Order, bool) {
	tree := b.oppositeTree(side)
	var found *protocol.Order
	tree.Scan(func(lvl *priceLevel) bool {
		if !marketOrder {
			if side == protocol.Buy && lvl.price > limitPrice {
				return false
			}
			if side == protocol.Sell && lvl.price < limitPrice {
				return false
			}
		}
		for _, o := range lvl.orders {
			if o.TraderID == takerTraderID {
				continue
			}
			found = o
			return false
		}
		return true
	})
	return found, found != nil
}

// PopOppositeBest removes and returns the head order of the opposite
// side's best price level, without regard to self-match prevention.
func (b *Book) PopOppositeBest(side protocol.Side) (*protocol.Order, bool) {
	tree := b.oppositeTree(side)
	lvl, ok := tree.Min()
	if !ok || len(lvl.orders) == 0 {
		return nil, false
	}
	order := lvl.orders[0]
	lvl.orders = lvl.orders[1:]
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	if b.debug {
		b.Validate()
	}
	return order, true
}

// RemoveOrder deletes a specific resting order from its price level,
// dropping the level if it becomes empty.
func (b *Book) RemoveOrder(order *protocol.Order) error {
	tree := b.treeFor(order.Side)
	lvl, ok := tree.GetMut(&priceLevel{price: order.Price})
	if !ok {
		return fmt.Errorf("%w: price=%.4f", ErrPriceLevelNotFound, order.Price)
	}
	idx := -1
	for i, o := range lvl.orders {
		if o.ID == order.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: order=%d", ErrOrderNotFound, order.ID)
	}
	lvl.orders = append(lvl.orders[:idx], lvl.orders[idx+1:]...)
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	if b.debug {
		b.Validate()
	}
	return nil
}

// CancelByTrader removes every resting order owned by traderID from both
// sides of the book. Returns whether the book changed.
func (b *Book) CancelByTrader(traderID string) bool {
	changed := b.cancelSide(b.bids, traderID)
	if b.cancelSide(b.asks, traderID) {
		changed = true
	}
	if b.debug {
		b.Validate()
	}
	return changed
}

func (b *Book) cancelSide(tree *btree.BTreeG[*priceLevel], traderID string) bool {
	var levels []*priceLevel
	tree.Scan(func(lvl *priceLevel) bool {
		levels = append(levels, lvl)
		return true
	})

	changed := false
	for _, lvl := range levels {
		kept := lvl.orders[:0:0]
		for _, o := range lvl.orders {
			if o.TraderID == traderID {
				changed = true
				continue
			}
			kept = append(kept, o)
		}
		lvl.orders = kept
		if len(lvl.orders) == 0 {
			tree.Delete(lvl)
		}
	}
	return changed
}

// Snapshot aggregates each side into depth (price, totalRemainingQty)
// levels, bids best-first descending and asks best-first ascending.
func (b *Book) Snapshot(depth int) (bids, asks []protocol.PriceLevel) {
	if depth < 0 {
		depth = 0
	}
	bids = collectLevels(b.bids, depth)
	asks = collectLevels(b.asks, depth)
	return bids, asks
}

func collectLevels(tree *btree.BTreeG[*priceLevel], depth int) []protocol.PriceLevel {
	var out []protocol.PriceLevel
	tree.Scan(func(lvl *priceLevel) bool {
		out = append(out, protocol.PriceLevel{Price: lvl.price, Qty: lvl.totalQty()})
		return depth == 0 || len(out) < depth
	})
	return out
}

// Compact drops zero-quantity orders and any price level left empty by
// doing so. The matching engine calls this after every execution before
// computing best prices or snapshots.
func (b *Book) Compact() {
	compactSide(b.bids)
	compactSide(b.asks)
	if b.debug {
		b.Validate()
	}
}

func compactSide(tree *btree.BTreeG[*priceLevel]) {
	var levels []*priceLevel
	tree.Scan(func(lvl *priceLevel) bool {
		levels = append(levels, lvl)
		return true
	})
	for _, lvl := range levels {
		kept := lvl.orders[:0:0]
		for _, o := range lvl.orders {
			if o.RemainingQty > 0 {
				kept = append(kept, o)
			}
		}
		lvl.orders = kept
		if len(lvl.orders) == 0 {
			tree.Delete(lvl)
		}
	}
}

// HasCrossingOpposite reports whether the opposite side still has resting
// liquidity that crosses limitPrice. The matching engine uses this to
// avoid resting a remainder that would leave the book crossed when all
// crossing liquidity was self-owned and skipped by SMP.
func (b *Book) HasCrossingOpposite(side protocol.Side, limitPrice float64) bool {
	if side == protocol.Buy {
		askPrice, ok := b.BestAsk()
		return ok && askPrice <= limitPrice
	}
	bidPrice, ok := b.BestBid()
	return ok && bidPrice >= limitPrice
}

// Clear removes every resting order and price level from both sides.
func (b *Book) Clear() {
	b.bids = btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price > b.price })
	b.asks = btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price < b.price })
}

// Validate asserts the book's structural invariants: no empty levels, no
// zero-quantity orders, FIFO sequence within each level, no duplicate
// prices, and an uncrossed book. It panics on violation rather than
// silently repairing; a breach is a bug, not a runtime condition.
func (b *Book) Validate() {
	validateSide(b.bids, protocol.Buy)
	validateSide(b.asks, protocol.Sell)

	bestBid, bidOk := b.BestBid()
	bestAsk, askOk := b.BestAsk()
	if bidOk && askOk && !(bestBid < bestAsk) {
		panic(fmt.Sprintf("book invariant violated: crossed book bestBid=%.4f bestAsk=%.4f", bestBid, bestAsk))
	}
}

func validateSide(tree *btree.BTreeG[*priceLevel], expectedSide protocol.Side) {
	var prices []float64
	tree.Scan(func(lvl *priceLevel) bool {
		if len(lvl.orders) == 0 {
			panic("book invariant violated: empty price level retained in index")
		}
		prices = append(prices, lvl.price)

		var lastSeq uint64
		first := true
		for _, o := range lvl.orders {
			if o.Side != expectedSide {
				panic("book invariant violated: order side does not match its book side")
			}
			if o.Price != lvl.price {
				panic("book invariant violated: order price does not match its level")
			}
			if o.RemainingQty == 0 {
				panic("book invariant violated: zero-quantity order retained in book")
			}
			if !first && o.Sequence <= lastSeq {
				panic("book invariant violated: FIFO sequence regression within a level")
			}
			lastSeq = o.Sequence
			first = false
		}
		return true
	})

	seen := make(map[float64]struct{}, len(prices))
	for _, p := range prices {
		if _, dup := seen[p]; dup {
			panic("book invariant violated: duplicate price in index")
		}
		seen[p] = struct{}{}
	}
}
