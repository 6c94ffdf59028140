package book_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradearena/internal/book"
	"tradearena/internal/protocol"
)

var seq uint64

func nextSeq() uint64 {
	seq++
	return seq
}

func restingOrder(id uint64, trader string, side protocol.Side, price float64, qty uint64) *protocol.Order {
	return &protocol.Order{
		ID: id, TraderID: trader, Symbol: "TEST", Side: side, OrderType: protocol.Limit,
		Price: price, OriginalQty: qty, RemainingQty: qty, Sequence: nextSeq(),
	}
}

func TestAddResting_AggregatesPerLevel(t *testing.T) {
	b := book.New("TEST", true)
	b.AddResting(restingOrder(1, "a", protocol.Buy, 99, 100))
	b.AddResting(restingOrder(2, "b", protocol.Buy, 99, 50))
	b.AddResting(restingOrder(3, "c", protocol.Sell, 100, 30))

	bids, asks := b.Snapshot(10)
	require.Len(t, bids, 1)
	assert.Equal(t, float64(99), bids[0].Price)
	assert.Equal(t, uint64(150), bids[0].Qty)
	require.Len(t, asks, 1)
	assert.Equal(t, float64(100), asks[0].Price)
}

func TestBestBidAsk_OrderedCorrectly(t *testing.T) {
	b := book.New("TEST", true)
	b.AddResting(restingOrder(1, "a", protocol.Buy, 98, 10))
	b.AddResting(restingOrder(2, "a", protocol.Buy, 99, 10))
	b.AddResting(restingOrder(3, "b", protocol.Sell, 102, 10))
	b.AddResting(restingOrder(4, "b", protocol.Sell, 101, 10))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, float64(99), bid)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, float64(101), ask)
}

func TestNextMatchableOpposite_SkipsSelfMatch(t *testing.T) {
	b := book.New("TEST", true)
	b.AddResting(restingOrder(1, "trader-a", protocol.Sell, 100, 5))
	b.AddResting(restingOrder(2, "trader-b", protocol.Sell, 100, 5))

	maker, ok := b.NextMatchableOpposite(protocol.Buy, 101, "trader-a", false)
	require.True(t, ok)
	assert.Equal(t, uint64(2), maker.ID)

	// The skipped self-owned order is untouched: still resting, still first
	// in the level.
	bids, asks := b.Snapshot(10)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.Equal(t, uint64(10), asks[0].Qty)
}

func TestNextMatchableOpposite_NoCrossWhenAllSelfOwned(t *testing.T) {
	b := book.New("TEST", true)
	b.AddResting(restingOrder(1, "trader-a", protocol.Sell, 100, 5))

	_, ok := b.NextMatchableOpposite(protocol.Buy, 101, "trader-a", false)
	assert.False(t, ok)
	assert.True(t, b.HasCrossingOpposite(protocol.Buy, 101))
}

func TestRemoveOrder_DropsEmptyLevel(t *testing.T) {
	b := book.New("TEST", true)
	o := restingOrder(1, "a", protocol.Buy, 99, 10)
	b.AddResting(o)
	require.NoError(t, b.RemoveOrder(o))

	bids, _ := b.Snapshot(10)
	assert.Empty(t, bids)
	_, ok := b.BestBid()
	assert.False(t, ok)
}

func TestCancelByTrader_RemovesAcrossBothSides(t *testing.T) {
	b := book.New("TEST", true)
	b.AddResting(restingOrder(1, "trader-a", protocol.Buy, 99, 10))
	b.AddResting(restingOrder(2, "trader-b", protocol.Buy, 99, 10))
	b.AddResting(restingOrder(3, "trader-a", protocol.Sell, 101, 5))

	changed := b.CancelByTrader("trader-a")
	assert.True(t, changed)

	bids, asks := b.Snapshot(10)
	require.Len(t, bids, 1)
	assert.Equal(t, uint64(10), bids[0].Qty)
	assert.Empty(t, asks)
}

func TestCompact_DropsZeroQtyOrdersAndEmptyLevels(t *testing.T) {
	b := book.New("TEST", false)
	o := restingOrder(1, "a", protocol.Buy, 99, 10)
	b.AddResting(o)
	o.RemainingQty = 0
	b.Compact()

	bids, _ := b.Snapshot(10)
	assert.Empty(t, bids)
}

func TestSnapshot_RespectsDepth(t *testing.T) {
	b := book.New("TEST", true)
	for i, price := range []float64{100, 101, 102, 103} {
		b.AddResting(restingOrder(uint64(i+1), "a", protocol.Sell, price, 1))
	}
	_, asks := b.Snapshot(2)
	assert.Len(t, asks, 2)
	assert.Equal(t, float64(100), asks[0].Price)
	assert.Equal(t, float64(101), asks[1].Price)
}
