package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tradearena/internal/ledger"
	"tradearena/internal/protocol"
)

// Buy 10@100, sell 5@110: half the long closes at a 50 profit, the rest
// keeps its 100 entry and carries 50 unrealized at a 110 mark.
func TestOpenLongThenPartialClose(t *testing.T) {
	l := ledger.New(10000)

	l.ApplyFill("trader-a", protocol.Buy, 100, 10)
	l.ApplyFill("trader-a", protocol.Sell, 110, 5)

	snap := l.TakeSnapshot("trader-a", 110)
	assert.Equal(t, int64(5), snap.Position)
	assert.Equal(t, -450.0, snap.Cash)
	assert.Equal(t, 100.0, snap.AvgEntryPrice)
	assert.Equal(t, 50.0, snap.RealizedPnl)
	assert.Equal(t, 50.0, snap.UnrealizedPnl)
	assert.Equal(t, 9600.0, snap.TotalEquity)
}

func TestAvgEntryZeroIffFlat(t *testing.T) {
	l := ledger.New(10000)
	l.ApplyFill("t", protocol.Buy, 100, 10)
	assert.NotZero(t, l.Position("t").AvgEntryPrice)

	l.ApplyFill("t", protocol.Sell, 105, 10)
	pos := l.Position("t")
	assert.Equal(t, int64(0), pos.Net)
	assert.Equal(t, 0.0, pos.AvgEntryPrice)
}

func TestSignCrossReopensAtTradePrice(t *testing.T) {
	l := ledger.New(10000)
	l.ApplyFill("t", protocol.Buy, 100, 10)
	// Sell 15: closes the 10 long, opens a fresh 5 short at 105.
	l.ApplyFill("t", protocol.Sell, 105, 15)

	pos := l.Position("t")
	assert.Equal(t, int64(-5), pos.Net)
	assert.Equal(t, 105.0, pos.AvgEntryPrice)
	assert.Equal(t, 50.0, pos.RealizedPnl)
}

func TestWeightedAverageEntryOnAdd(t *testing.T) {
	l := ledger.New(10000)
	l.ApplyFill("t", protocol.Buy, 100, 10)
	l.ApplyFill("t", protocol.Buy, 110, 10)

	pos := l.Position("t")
	assert.Equal(t, int64(20), pos.Net)
	assert.Equal(t, 105.0, pos.AvgEntryPrice)
}

func TestForceFlatten_ClosesEveryNonZeroPosition(t *testing.T) {
	l := ledger.New(10000)
	l.ApplyFill("a", protocol.Buy, 100, 10)
	l.ApplyFill("b", protocol.Sell, 100, 5)

	touched := l.ForceFlatten(105)
	assert.ElementsMatch(t, []string{"a", "b"}, touched)
	assert.Equal(t, int64(0), l.Position("a").Net)
	assert.Equal(t, int64(0), l.Position("b").Net)
	assert.Equal(t, 0.0, l.Position("a").AvgEntryPrice)
}

func TestLeaderboard_SortedByPnlDescThenTraderIDAsc(t *testing.T) {
	l := ledger.New(10000)
	l.ApplyFill("b", protocol.Buy, 100, 10)
	l.ApplyFill("b", protocol.Sell, 110, 10) // +100 realized

	l.ApplyFill("a", protocol.Buy, 100, 10)
	l.ApplyFill("a", protocol.Sell, 110, 10) // +100 realized, tie with b

	l.ApplyFill("c", protocol.Buy, 100, 10)
	l.ApplyFill("c", protocol.Sell, 90, 10) // -100 realized

	rows := l.Leaderboard(100)
	assert.Equal(t, []string{"a", "b", "c"}, []string{rows[0].TraderID, rows[1].TraderID, rows[2].TraderID})
}
