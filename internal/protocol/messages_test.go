package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradearena/internal/protocol"
)

func TestParseOrderRequest_ValidLimit(t *testing.T) {
	req, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"buy","order_type":"limit","price":100.5,"qty":10}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", req.TraderID)
	assert.Equal(t, protocol.Buy, req.Side)
	assert.Equal(t, protocol.Limit, req.OrderType)
	require.NotNil(t, req.Price)
	assert.Equal(t, 100.5, *req.Price)
	assert.Equal(t, uint64(10), req.Qty)
}

func TestParseOrderRequest_RoundsPriceAtInput(t *testing.T) {
	req, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"buy","order_type":"limit","price":100.12345,"qty":1}`))
	require.NoError(t, err)
	require.NotNil(t, req.Price)
	assert.Equal(t, 100.1235, *req.Price)
}

func TestParseOrderRequest_RejectsPriceRoundingToZero(t *testing.T) {
	_, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"buy","order_type":"limit","price":0.00001,"qty":1}`))
	require.Error(t, err)
}

func TestParseOrderRequest_MarketRejectsPrice(t *testing.T) {
	_, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"sell","order_type":"market","price":100,"qty":1}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestParseOrderRequest_LimitRequiresPrice(t *testing.T) {
	_, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"sell","order_type":"limit","qty":1}`))
	require.Error(t, err)
}

func TestParseOrderRequest_RejectsBadSide(t *testing.T) {
	_, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"up","order_type":"market","qty":1}`))
	require.Error(t, err)
}

func TestParseOrderRequest_RejectsZeroQty(t *testing.T) {
	_, err := protocol.ParseOrderRequest([]byte(`{"type":"order","trader_id":"t1","side":"buy","order_type":"market","qty":0}`))
	require.Error(t, err)
}

func TestParseOrderRequest_InvalidJSON(t *testing.T) {
	_, err := protocol.ParseOrderRequest([]byte(`not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestEventMarshalJSON_FlattensType(t *testing.T) {
	ev := protocol.NewOrderAccepted(5, "t1", "c1")
	raw, err := ev.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"order_accepted"`)
	assert.Contains(t, string(raw), `"order_id":5`)
}
