// Package risk implements the futures-style margin controller: pre-trade
// initial margin validation, maintenance-margin breach detection, and a
// deterministic liquidation-quantity calculator. It is pure with respect
// to exchange state — every method takes a position snapshot and mark
// price rather than reaching into the ledger itself.
package risk

import (
	"math"

	"tradearena/internal/ledger"
	"tradearena/internal/money"
	"tradearena/internal/protocol"
)

// Config holds the configured margin rates and starting capital.
type Config struct {
	StartingCapital       float64
	InitialMarginRate     float64
	MaintenanceMarginRate float64
}

// DefaultConfig returns the standard tournament parameters.
func DefaultConfig() Config {
	return Config{
		StartingCapital:       10000,
		InitialMarginRate:     0.20,
		MaintenanceMarginRate: 0.10,
	}
}

// Manager evaluates margin rules against ledger snapshots.
type Manager struct {
	cfg Config
}

// New constructs a margin manager with the given configuration.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// StartingCapital returns the configured per-trader starting balance, the
// value every trader's equity is credited with (see internal/ledger.New).
func (m *Manager) StartingCapital() float64 {
	return m.cfg.StartingCapital
}

// RejectionDetail is the {reason, details} pair attached to an
// order_rejected frame. Reason is always one of the wire-enumerated
// reject reasons.
type RejectionDetail struct {
	Reason  protocol.RejectReason
	Details map[string]any
}

// ValidateInitialMargin checks whether accepting an order would leave the
// trader under-margined. referencePrice is the order's limit price for
// LIMIT orders or the resolved mark price for MARKET orders.
func (m *Manager) ValidateInitialMargin(
	pos ledger.Position,
	equity float64,
	side protocol.Side,
	qty uint64,
	referencePrice float64,
) (ok bool, detail *RejectionDetail) {
	if referencePrice <= 0 {
		return false, &RejectionDetail{
			Reason: protocol.ReasonInvalidMessage,
			Details: map[string]any{
				"error":           "invalid_price_reference",
				"reference_price": referencePrice,
			},
		}
	}

	delta := int64(qty)
	if side == protocol.Sell {
		delta = -delta
	}
	projectedPos := pos.Net + delta
	required := money.Round(math.Abs(float64(projectedPos)*referencePrice) * m.cfg.InitialMarginRate)

	if equity+money.Epsilon < required {
		return false, &RejectionDetail{
			Reason: protocol.ReasonInitialMarginInsufficient,
			Details: map[string]any{
				"equity":          money.Round(equity),
				"required_margin": required,
			},
		}
	}
	return true, nil
}

// MaintenanceBreached reports whether a trader's equity has fallen below
// the maintenance margin requirement for their current position at mark.
// Always false when flat.
func (m *Manager) MaintenanceBreached(pos ledger.Position, equity, mark float64) bool {
	if pos.Net == 0 {
		return false
	}
	requirement := math.Abs(float64(pos.Net)*mark) * m.cfg.MaintenanceMarginRate
	return equity+money.Epsilon < requirement
}

// RequiredLiquidationQty computes the minimum quantity that must be
// liquidated to bring the trader back within maintenance margin:
//
//	targetAbs = floor(equity / (mark * maintenanceRate))
//	needed    = |pos| - targetAbs, clamped into [1, |pos|]
//
// Returns 0 when the position is not breached.
func (m *Manager) RequiredLiquidationQty(pos ledger.Position, equity, mark float64) uint64 {
	if !m.MaintenanceBreached(pos, equity, mark) {
		return 0
	}
	absPos := absInt64(pos.Net)

	if equity <= 0 || mark <= 0 {
		return uint64(absPos)
	}

	denominator := mark * m.cfg.MaintenanceMarginRate
	targetAbs := int64(math.Floor(equity / denominator))
	if targetAbs >= absPos {
		return 1
	}

	needed := absPos - targetAbs
	if needed < 1 {
		needed = 1
	}
	if needed > absPos {
		needed = absPos
	}
	return uint64(needed)
}

// LiquidationOrder is the MARKET order the orchestrator submits to the
// matching engine to reduce a breaching trader's exposure.
type LiquidationOrder struct {
	Side protocol.Side
	Qty  uint64
}

// BuildLiquidationOrder constructs the forced-reduction market order for a
// breaching trader. Side is SELL for a long position, BUY for a short.
func (m *Manager) BuildLiquidationOrder(pos ledger.Position, equity, mark float64) (LiquidationOrder, bool) {
	qty := m.RequiredLiquidationQty(pos, equity, mark)
	if qty == 0 {
		return LiquidationOrder{}, false
	}
	side := protocol.Sell
	if pos.Net < 0 {
		side = protocol.Buy
	}
	return LiquidationOrder{Side: side, Qty: qty}, true
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
