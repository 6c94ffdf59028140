// Package ledger implements per-trader position and PnL accounting:
// weighted-average entry price, realized PnL on closes, and cash tracking
// purely from execution notionals (no margin hold — that lives in
// internal/risk).
package ledger

import (
	"sort"

	"tradearena/internal/money"
	"tradearena/internal/protocol"
)

// Position is one trader's account state. AvgEntryPrice is 0 exactly when
// Net is 0.
type Position struct {
	TraderID      string
	Net           int64
	Cash          float64
	AvgEntryPrice float64
	RealizedPnl   float64
}

// Snapshot is a read-only view of a position plus its PnL at a given mark
// price, as emitted in position_update events.
type Snapshot struct {
	TraderID      string
	Position      int64
	Cash          float64
	AvgEntryPrice float64
	RealizedPnl   float64
	UnrealizedPnl float64
	TotalEquity   float64
	MarkPrice     float64
}

// Ledger tracks every trader's Position, keyed by trader id.
type Ledger struct {
	positions       map[string]*Position
	startingCapital float64
}

// New constructs an empty ledger. Every trader's equity is credited with
// startingCapital on top of its cash and unrealized PnL; cash itself only
// ever reflects execution notionals.
func New(startingCapital float64) *Ledger {
	return &Ledger{positions: make(map[string]*Position), startingCapital: startingCapital}
}

func (l *Ledger) ensure(traderID string) *Position {
	p, ok := l.positions[traderID]
	if !ok {
		p = &Position{TraderID: traderID}
		l.positions[traderID] = p
	}
	return p
}

// ApplyFill applies a single-sided fill to traderID's position: same-sign
// additions weight-average the entry price, reductions realize PnL on the
// closed quantity, and a sign crossing reopens the residual at the trade
// price.
func (l *Ledger) ApplyFill(traderID string, side protocol.Side, price float64, qty uint64) {
	pos := l.ensure(traderID)
	oldPos := pos.Net
	delta := int64(qty)
	if side == protocol.Sell {
		delta = -delta
	}
	newPos := oldPos + delta

	notional := price * float64(qty)
	if side == protocol.Buy {
		pos.Cash = money.Round(pos.Cash - notional)
	} else {
		pos.Cash = money.Round(pos.Cash + notional)
	}

	switch {
	case oldPos == 0:
		pos.Net = newPos
		if newPos != 0 {
			pos.AvgEntryPrice = money.Round(price)
		} else {
			pos.AvgEntryPrice = 0
		}

	case oldPos*delta > 0:
		// Same-sign addition: weighted-average the entry price.
		oldAbs := absInt64(oldPos)
		addAbs := absInt64(delta)
		totalAbs := oldAbs + addAbs
		weighted := (pos.AvgEntryPrice*float64(oldAbs) + price*float64(addAbs)) / float64(totalAbs)
		pos.Net = newPos
		pos.AvgEntryPrice = money.Round(weighted)

	default:
		// Reduction, close, or sign crossing.
		closeQty := minInt64(absInt64(oldPos), absInt64(delta))
		var realizedDelta float64
		if oldPos > 0 {
			realizedDelta = (price - pos.AvgEntryPrice) * float64(closeQty)
		} else {
			realizedDelta = (pos.AvgEntryPrice - price) * float64(closeQty)
		}
		pos.RealizedPnl = money.Round(pos.RealizedPnl + realizedDelta)

		pos.Net = newPos
		switch {
		case newPos == 0:
			pos.AvgEntryPrice = 0
		case oldPos*newPos < 0:
			// Crossed through zero; the residual opens at the trade price.
			pos.AvgEntryPrice = money.Round(price)
		}
		// Otherwise still same sign after a partial reduction: avg entry
		// price is unchanged.
	}
}

// UnrealizedPnl returns netPosition * (mark - avgEntryPrice), zero when
// flat.
func (l *Ledger) UnrealizedPnl(traderID string, mark float64) float64 {
	pos, ok := l.positions[traderID]
	if !ok || pos.Net == 0 {
		return 0
	}
	return money.Round(float64(pos.Net) * (mark - pos.AvgEntryPrice))
}

// Equity returns startingCapital + cash + unrealized PnL at mark. A
// never-traded trader is still credited startingCapital.
func (l *Ledger) Equity(traderID string, mark float64) float64 {
	pos, ok := l.positions[traderID]
	if !ok {
		return money.Round(l.startingCapital)
	}
	return money.Round(l.startingCapital + pos.Cash + l.UnrealizedPnl(traderID, mark))
}

// Position returns a copy of traderID's raw position state (zero value if
// never traded).
func (l *Ledger) Position(traderID string) Position {
	pos, ok := l.positions[traderID]
	if !ok {
		return Position{TraderID: traderID}
	}
	return *pos
}

// TakeSnapshot builds the full position_update payload for traderID at
// mark.
func (l *Ledger) TakeSnapshot(traderID string, mark float64) Snapshot {
	pos := l.Position(traderID)
	unrealized := l.UnrealizedPnl(traderID, mark)
	return Snapshot{
		TraderID:      pos.TraderID,
		Position:      pos.Net,
		Cash:          pos.Cash,
		AvgEntryPrice: pos.AvgEntryPrice,
		RealizedPnl:   pos.RealizedPnl,
		UnrealizedPnl: unrealized,
		TotalEquity:   money.Round(l.startingCapital + pos.Cash + unrealized),
		MarkPrice:     money.Round(mark),
	}
}

// ForceFlatten closes every non-zero position at mark by applying a fill
// on the opposite side, so realized accounting and cash updates flow
// through the same path as a normal trade. Returns the traders touched,
// sorted by trader id.
func (l *Ledger) ForceFlatten(mark float64) []string {
	var traderIDs []string
	for id, pos := range l.positions {
		if pos.Net != 0 {
			traderIDs = append(traderIDs, id)
		}
	}
	sort.Strings(traderIDs)

	closePrice := money.Round(mark)
	for _, id := range traderIDs {
		pos := l.positions[id]
		qty := absInt64(pos.Net)
		side := protocol.Sell
		if pos.Net < 0 {
			side = protocol.Buy
		}
		l.ApplyFill(id, side, closePrice, uint64(qty))
	}
	return traderIDs
}

// Leaderboard returns every trader's total PnL (realized + unrealized at
// mark), ranked descending by PnL with ties broken by trader id ascending.
func (l *Ledger) Leaderboard(mark float64) []Snapshot {
	ids := make([]string, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, l.TakeSnapshot(id, mark))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		totalI := rows[i].RealizedPnl + rows[i].UnrealizedPnl
		totalJ := rows[j].RealizedPnl + rows[j].UnrealizedPnl
		if totalI != totalJ {
			return totalI > totalJ
		}
		return rows[i].TraderID < rows[j].TraderID
	})
	return rows
}

// Reset clears every position, used at round boundaries.
func (l *Ledger) Reset() {
	l.positions = make(map[string]*Position)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
