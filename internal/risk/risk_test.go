package risk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradearena/internal/ledger"
	"tradearena/internal/protocol"
	"tradearena/internal/risk"
)

// A flat trader buying 600@100 at a 0.20 initial margin rate needs 12000
// of equity against a starting 10000, so the order is rejected.
func TestInitialMarginReject(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	flat := ledger.Position{}
	equity := 10000.0

	ok, detail := m.ValidateInitialMargin(flat, equity, protocol.Buy, 600, 100)
	require.False(t, ok)
	require.NotNil(t, detail)
	assert.Equal(t, protocol.ReasonInitialMarginInsufficient, detail.Reason)
	assert.Equal(t, 10000.0, detail.Details["equity"])
	assert.Equal(t, 12000.0, detail.Details["required_margin"])
}

func TestInitialMarginAccept_WithinLimit(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	flat := ledger.Position{}
	ok, detail := m.ValidateInitialMargin(flat, 10000, protocol.Buy, 400, 100)
	assert.True(t, ok)
	assert.Nil(t, detail)
}

func TestMaintenanceBreached_FlatIsNeverBreached(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	assert.False(t, m.MaintenanceBreached(ledger.Position{}, 0, 100))
}

// Long 90 @ avg 100, mark 95, equity 550: maintenance requirement is
// 0.10*90*95 = 855, so the position is breached. The sustainable size is
// targetAbs = floor(550 / (95*0.10)) = 57, leaving 90-57 = 33 to
// liquidate.
func TestProgressiveLiquidationQty(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	pos := ledger.Position{TraderID: "t", Net: 90, AvgEntryPrice: 100}
	mark := 95.0
	equity := 550.0

	require.True(t, m.MaintenanceBreached(pos, equity, mark))
	qty := m.RequiredLiquidationQty(pos, equity, mark)
	assert.Equal(t, uint64(33), qty)

	order, ok := m.BuildLiquidationOrder(pos, equity, mark)
	require.True(t, ok)
	assert.Equal(t, protocol.Sell, order.Side)
	assert.Equal(t, uint64(33), order.Qty)
}

func TestRequiredLiquidationQty_ZeroEquityLiquidatesFully(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	pos := ledger.Position{Net: 50, AvgEntryPrice: 100}
	qty := m.RequiredLiquidationQty(pos, -10, 90)
	assert.Equal(t, uint64(50), qty)
}

func TestBuildLiquidationOrder_ShortPositionBuysBack(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	pos := ledger.Position{Net: -90, AvgEntryPrice: 100}
	order, ok := m.BuildLiquidationOrder(pos, 550, 95)
	require.True(t, ok)
	assert.Equal(t, protocol.Buy, order.Side)
}

func TestValidateInitialMargin_RejectsInvalidReferencePrice(t *testing.T) {
	m := risk.New(risk.DefaultConfig())
	ok, detail := m.ValidateInitialMargin(ledger.Position{}, 10000, protocol.Buy, 10, 0)
	require.False(t, ok)
	assert.Equal(t, protocol.ReasonInvalidMessage, detail.Reason)
	assert.Equal(t, "invalid_price_reference", detail.Details["error"])
}
