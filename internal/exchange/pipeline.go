package exchange

import (
	"sort"
	"time"

	"tradearena/internal/ledger"
	"tradearena/internal/money"
	"tradearena/internal/protocol"
)

// SubmitOrder runs the full per-order pipeline — account checks, mark
// resolution, margin precheck, matching, ledger application, maintenance
// scan, liquidation — and returns the direct response owed to the
// submitting trader (order_accepted or order_rejected). Trades, book
// updates, position updates, and any liquidation chain they trigger are
// broadcast to event-stream subscribers as a side effect, not returned
// here.
func (o *Orchestrator) SubmitOrder(req protocol.OrderRequest) protocol.Event {
	var reply protocol.Event
	ok := o.enqueue(func() {
		reply = o.submitOrderLocked(req)
	})
	if !ok {
		return protocol.NewOrderRejected(protocol.ReasonExchangeShuttingDown, nil, req.TraderID, req.ClientOrderID)
	}
	return reply
}

func (o *Orchestrator) submitOrderLocked(req protocol.OrderRequest) protocol.Event {
	now := time.Now()

	if o.rejectAll {
		return protocol.NewOrderRejected(protocol.ReasonExchangeShuttingDown, nil, req.TraderID, req.ClientOrderID)
	}
	if !o.windowOpen {
		return protocol.NewOrderRejected(protocol.ReasonSessionInactive, nil, req.TraderID, req.ClientOrderID)
	}

	acct := o.ensureAccount(req.TraderID)
	if acct.bankrupt {
		return protocol.NewOrderRejected(protocol.ReasonAccountBankrupt, nil, req.TraderID, req.ClientOrderID)
	}
	if acct.frozen(now) {
		return protocol.NewOrderRejected(protocol.ReasonAccountFrozen, nil, req.TraderID, req.ClientOrderID)
	}

	mark := o.resolveMark()

	referencePrice := mark
	if req.OrderType == protocol.Limit {
		referencePrice = *req.Price
	}
	pos := o.ledger.Position(req.TraderID)
	equity := o.ledger.Equity(req.TraderID, mark)
	if ok, detail := o.risk.ValidateInitialMargin(pos, equity, req.Side, req.Qty, referencePrice); !ok {
		return protocol.NewOrderRejected(detail.Reason, detail.Details, req.TraderID, req.ClientOrderID)
	}

	var (
		orderID uint64
		trades  []*protocol.Trade
		rested  bool
	)
	switch req.OrderType {
	case protocol.Limit:
		result := o.engine.ExecuteLimit(req.TraderID, req.Side, *req.Price, req.Qty, req.ClientOrderID)
		orderID = result.Order.ID
		trades = result.Trades
		rested = result.Rested
	case protocol.Market:
		result := o.engine.ExecuteMarket(req.TraderID, req.Side, req.Qty, req.ClientOrderID)
		orderID = result.Order.ID
		trades = result.Trades
		if len(trades) == 0 {
			return protocol.NewOrderRejected(protocol.ReasonNoLiquidity, nil, req.TraderID, req.ClientOrderID)
		}
	}

	burst, touched := o.applyTradesAndBuildBurst(trades)
	if len(trades) == 0 && rested {
		// No fill, but the resting remainder changed the book.
		burst = append(burst, o.bookUpdateEvent())
	}
	o.broadcastLocked(burst)

	o.runMaintenanceScan(touched)

	return protocol.NewOrderAccepted(orderID, req.TraderID, req.ClientOrderID)
}

// applyTradesAndBuildBurst applies fills to the ledger, updates the
// last-trade mark, and assembles the burst in emission order: trades,
// then book_update, then position_updates sorted by trader id.
func (o *Orchestrator) applyTradesAndBuildBurst(trades []*protocol.Trade) ([]protocol.Event, []string) {
	if len(trades) == 0 {
		return nil, nil
	}

	touchedSet := make(map[string]struct{})
	burst := make([]protocol.Event, 0, len(trades)+2)

	for _, trade := range trades {
		o.ledger.ApplyFill(trade.MakerTraderID, oppositeOf(trade.AggressorSide), trade.Price, trade.Qty)
		o.ledger.ApplyFill(trade.TakerTraderID, trade.AggressorSide, trade.Price, trade.Qty)
		touchedSet[trade.MakerTraderID] = struct{}{}
		touchedSet[trade.TakerTraderID] = struct{}{}
		o.lastTrade = trade.Price
		o.hasLastTrade = true
		burst = append(burst, protocol.NewTradeEvent(trade))
	}

	burst = append(burst, o.bookUpdateEvent())

	mark := o.resolveMark()
	touched := sortedKeys(touchedSet)
	for _, traderID := range touched {
		burst = append(burst, o.positionUpdateEvent(traderID, mark))
	}

	return burst, touched
}

func (o *Orchestrator) bookUpdateEvent() protocol.Event {
	bids, asks := o.engine.Book().Snapshot(o.cfg.BookDepth)
	var bestBid, bestAsk *float64
	if b, ok := o.engine.Book().BestBid(); ok {
		bestBid = &b
	}
	if a, ok := o.engine.Book().BestAsk(); ok {
		bestAsk = &a
	}
	return protocol.NewBookUpdateEvent(bestBid, bestAsk, bids, asks)
}

func (o *Orchestrator) positionUpdateEvent(traderID string, mark float64) protocol.Event {
	snap := o.ledger.TakeSnapshot(traderID, mark)
	return protocol.NewPositionUpdateEvent(
		snap.TraderID, snap.Position, snap.Cash, snap.AvgEntryPrice,
		snap.RealizedPnl, snap.UnrealizedPnl, snap.TotalEquity, snap.MarkPrice,
	)
}

func oppositeOf(side protocol.Side) protocol.Side { return side.Opposite() }

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EndRound finalizes a round under the single-writer guard: resolve the
// session mark, silently clear the book, force-flatten every position
// through the ledger, emit the resulting position updates and the
// session_end ranking, then reset engine/ledger state (and account
// flags) for the next round.
func (o *Orchestrator) EndRound(round uint64) (mark float64, rankings []protocol.RankingRow) {
	o.enqueue(func() {
		mark, rankings = o.endRoundLocked(round)
	})
	return mark, rankings
}

func (o *Orchestrator) endRoundLocked(round uint64) (float64, []protocol.RankingRow) {
	mark := o.resolveMark()

	o.engine.ClearBook()

	touched := o.ledger.ForceFlatten(mark)
	var burst []protocol.Event
	for _, traderID := range touched {
		burst = append(burst, o.positionUpdateEvent(traderID, mark))
	}

	snapshots := o.ledger.Leaderboard(mark)
	rankings := toRankings(snapshots)
	burst = append(burst, protocol.NewSessionEndEvent(round, mark, rankings))
	o.broadcastLocked(burst)

	o.ledger.Reset()
	o.engine.Reset()
	o.accounts = make(map[string]*accountState)

	return mark, rankings
}

func toRankings(snapshots []ledger.Snapshot) []protocol.RankingRow {
	rankings := make([]protocol.RankingRow, len(snapshots))
	for i, snap := range snapshots {
		rankings[i] = protocol.RankingRow{
			Rank:     i + 1,
			TraderID: snap.TraderID,
			Pnl:      money.Round(snap.RealizedPnl + snap.UnrealizedPnl),
		}
	}
	return rankings
}
