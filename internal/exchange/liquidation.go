package exchange

import (
	"sort"
	"time"

	"tradearena/internal/protocol"
)

// runMaintenanceScan walks this cycle's touched traders in sorted order
// and drains anyone now breaching maintenance (excluding
// bankrupt/in-liquidation/in-cooldown traders) through the progressive
// liquidation loop in turn.
func (o *Orchestrator) runMaintenanceScan(touched []string) {
	now := time.Now()
	mark := o.resolveMark()

	for _, traderID := range touched {
		acct := o.ensureAccount(traderID)
		if acct.bankrupt || acct.inLiquidation || now.Before(acct.frozenUntil) {
			continue
		}
		pos := o.ledger.Position(traderID)
		equity := o.ledger.Equity(traderID, mark)
		if o.risk.MaintenanceBreached(pos, equity, mark) {
			o.runLiquidation(traderID)
		}
	}
}

// runLiquidation drives the progressive liquidation loop for a single
// trader, bounded by 2*|startingPos| iterations so a pathological fill
// pattern cannot spin forever. inLiquidation is cleared on every exit
// path, including early breaks.
func (o *Orchestrator) runLiquidation(traderID string) {
	acct := o.ensureAccount(traderID)
	startingAbs := absInt64(o.ledger.Position(traderID).Net)
	if startingAbs == 0 {
		return
	}

	acct.inLiquidation = true
	acct.frozenUntil = time.Now().Add(o.cfg.LiquidationCooldown())
	defer func() { acct.inLiquidation = false }()

	maxSteps := 2 * startingAbs
	for step := int64(0); step < maxSteps; step++ {
		mark := o.resolveMark()
		pos := o.ledger.Position(traderID)
		if pos.Net == 0 {
			return
		}
		equity := o.ledger.Equity(traderID, mark)
		if !o.risk.MaintenanceBreached(pos, equity, mark) {
			return
		}

		liqOrder, ok := o.risk.BuildLiquidationOrder(pos, equity, mark)
		if !ok {
			return
		}

		var burst []protocol.Event
		burst = append(burst, protocol.NewLiquidationEvent(traderID, "maintenance_margin_breach", liqOrder.Qty, liqOrder.Side))

		if o.engine.CancelByTrader(traderID) {
			burst = append(burst, o.bookUpdateEvent())
		}

		result := o.engine.ExecuteMarket(traderID, liqOrder.Side, liqOrder.Qty, "")
		if len(result.Trades) == 0 {
			o.broadcastLocked(burst)
			return
		}
		tradeBurst, touched := o.applyTradesAndBuildBurst(result.Trades)
		burst = append(burst, tradeBurst...)

		mark = o.resolveMark()
		pos = o.ledger.Position(traderID)
		equity = o.ledger.Equity(traderID, mark)
		stillBreached := pos.Net != 0 && o.risk.MaintenanceBreached(pos, equity, mark)

		if stillBreached {
			flattenSide := protocol.Sell
			if pos.Net < 0 {
				flattenSide = protocol.Buy
			}
			flattenResult := o.engine.ExecuteMarket(traderID, flattenSide, uint64(absInt64(pos.Net)), "")
			if len(flattenResult.Trades) > 0 {
				flattenBurst, flattenTouched := o.applyTradesAndBuildBurst(flattenResult.Trades)
				burst = append(burst, flattenBurst...)
				touched = mergeSorted(touched, flattenTouched)
			}

			mark = o.resolveMark()
			pos = o.ledger.Position(traderID)
			equity = o.ledger.Equity(traderID, mark)
			bankrupt := (pos.Net != 0 && o.risk.MaintenanceBreached(pos, equity, mark)) ||
				(pos.Net == 0 && equity < 0)
			if bankrupt {
				acct.bankrupt = true
				burst = append(burst, protocol.NewLiquidationEvent(traderID, "bankruptcy", uint64(absInt64(pos.Net)), protocol.Sell))
				o.broadcastLocked(burst)
				o.recursivelyScanOthers(touched, traderID)
				return
			}
		}

		o.broadcastLocked(burst)
		o.recursivelyScanOthers(touched, traderID)
	}
}

// recursivelyScanOthers re-checks maintenance for counterparties touched
// by a liquidation fill other than the trader already being liquidated,
// since their position changed too and they may now themselves breach.
func (o *Orchestrator) recursivelyScanOthers(touched []string, exclude string) {
	now := time.Now()
	mark := o.resolveMark()
	for _, traderID := range touched {
		if traderID == exclude {
			continue
		}
		acct := o.ensureAccount(traderID)
		if acct.bankrupt || acct.inLiquidation || now.Before(acct.frozenUntil) {
			continue
		}
		pos := o.ledger.Position(traderID)
		equity := o.ledger.Equity(traderID, mark)
		if o.risk.MaintenanceBreached(pos, equity, mark) {
			o.runLiquidation(traderID)
		}
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, s := range [][]string{a, b} {
		for _, v := range s {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				merged = append(merged, v)
			}
		}
	}
	sort.Strings(merged)
	return merged
}
