package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradearena/internal/money"
)

// ErrProtocol is returned when an inbound frame violates the schema. The
// caller turns this into an order_rejected{reason: invalid_message} frame;
// it never mutates exchange state.
var ErrProtocol = errors.New("protocol violation")

// ErrInvalidJSON marks frames that are not well-formed JSON at all. The
// error ParseOrderRequest returns for such a frame wraps both ErrInvalidJSON
// and ErrProtocol, so callers can pick invalid_json over invalid_message as
// the reject reason.
var ErrInvalidJSON = errors.New("invalid json")

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// NowMillis returns the current time as milliseconds since the Unix epoch,
// the timestamp unit every outbound frame uses.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// OrderRequest is the inbound "order" frame.
type OrderRequest struct {
	TraderID      string
	Side          Side
	OrderType     OrderType
	Price         *float64
	Qty           uint64
	ClientOrderID string
}

// wireOrderRequest mirrors the JSON wire shape of the inbound frame.
type wireOrderRequest struct {
	Type          string   `json:"type"`
	TraderID      string   `json:"trader_id"`
	Side          string   `json:"side"`
	OrderType     string   `json:"order_type"`
	Price         *float64 `json:"price,omitempty"`
	Qty           int64    `json:"qty"`
	ClientOrderID string   `json:"client_order_id,omitempty"`
}

// ParseOrderRequest decodes and validates a single inbound JSON frame.
func ParseOrderRequest(raw []byte) (OrderRequest, error) {
	var w wireOrderRequest
	if err := json.Unmarshal(raw, &w); err != nil {
		return OrderRequest{}, fmt.Errorf("%w: %w: %v", ErrInvalidJSON, ErrProtocol, err)
	}

	if w.Type != "order" {
		return OrderRequest{}, protocolErrorf("'type' must be 'order'")
	}
	if w.TraderID == "" {
		return OrderRequest{}, protocolErrorf("'trader_id' must be a non-empty string")
	}
	side := Side(w.Side)
	if !side.Valid() {
		return OrderRequest{}, protocolErrorf("'side' must be 'buy' or 'sell'")
	}
	orderType := OrderType(w.OrderType)
	if orderType == "" {
		orderType = Limit
	}
	if !orderType.Valid() {
		return OrderRequest{}, protocolErrorf("'order_type' must be 'limit' or 'market'")
	}
	if w.Qty < 1 {
		return OrderRequest{}, protocolErrorf("'qty' must be an integer >= 1")
	}

	switch orderType {
	case Limit:
		if w.Price == nil {
			return OrderRequest{}, protocolErrorf("'price' is required for limit orders")
		}
		// Prices are fixed to 4 decimals from the moment they enter.
		rounded := money.Round(*w.Price)
		if rounded <= 0 {
			return OrderRequest{}, protocolErrorf("'price' must be > 0")
		}
		w.Price = &rounded
	case Market:
		if w.Price != nil {
			return OrderRequest{}, protocolErrorf("'price' must be null/omitted for market orders")
		}
	}

	return OrderRequest{
		TraderID:      w.TraderID,
		Side:          side,
		OrderType:     orderType,
		Price:         w.Price,
		Qty:           uint64(w.Qty),
		ClientOrderID: w.ClientOrderID,
	}, nil
}

// RejectReason enumerates the reasons an order_rejected frame can carry.
type RejectReason string

const (
	ReasonInvalidJSON               RejectReason = "invalid_json"
	ReasonInvalidMessage            RejectReason = "invalid_message"
	ReasonInitialMarginInsufficient RejectReason = "initial_margin_insufficient"
	ReasonNoLiquidity               RejectReason = "no_liquidity"
	ReasonAccountFrozen             RejectReason = "account_frozen"
	ReasonAccountBankrupt           RejectReason = "account_bankrupt"
	ReasonExchangeShuttingDown      RejectReason = "exchange_shutting_down"
	ReasonSessionInactive           RejectReason = "session_inactive"
)

// Event is the exhaustive tagged union of outbound broadcast/response
// frames. Exactly one of the typed payload fields is non-nil, matching the
// field named by Type.
type Event struct {
	Type               string
	OrderAccepted      *OrderAcceptedEvent      `json:"order_accepted,omitempty"`
	OrderRejected      *OrderRejectedEvent      `json:"order_rejected,omitempty"`
	Trade              *TradeEvent              `json:"trade,omitempty"`
	BookUpdate         *BookUpdateEvent         `json:"book_update,omitempty"`
	PositionUpdate     *PositionUpdateEvent     `json:"position_update,omitempty"`
	Liquidation        *LiquidationEvent        `json:"liquidation,omitempty"`
	SessionStart       *SessionStartEvent       `json:"session_start,omitempty"`
	SessionEnd         *SessionEndEvent         `json:"session_end,omitempty"`
	TournamentComplete *TournamentCompleteEvent `json:"tournament_complete,omitempty"`
	Welcome            *WelcomeEvent            `json:"welcome,omitempty"`
}

type OrderAcceptedEvent struct {
	OrderID       uint64 `json:"order_id"`
	TraderID      string `json:"trader_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Timestamp     uint64 `json:"timestamp"`
}

type OrderRejectedEvent struct {
	Reason        RejectReason   `json:"reason"`
	Details       map[string]any `json:"details,omitempty"`
	TraderID      string         `json:"trader_id,omitempty"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
	Timestamp     uint64         `json:"timestamp"`
}

type TradeEvent struct {
	TradeID      uint64  `json:"trade_id"`
	Price        float64 `json:"price"`
	Qty          uint64  `json:"qty"`
	BuyTraderID  string  `json:"buy_trader_id"`
	SellTraderID string  `json:"sell_trader_id"`
	Timestamp    uint64  `json:"timestamp"`
}

type BookUpdateEvent struct {
	BestBid   *float64     `json:"best_bid"`
	BestAsk   *float64     `json:"best_ask"`
	Bids      [][2]float64 `json:"bids"`
	Asks      [][2]float64 `json:"asks"`
	Timestamp uint64       `json:"timestamp"`
}

type PositionUpdateEvent struct {
	TraderID      string  `json:"trader_id"`
	Position      int64   `json:"position"`
	Cash          float64 `json:"cash"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	RealizedPnl   float64 `json:"realized_pnl"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	TotalEquity   float64 `json:"total_equity"`
	MarkPrice     float64 `json:"mark_price"`
	Timestamp     uint64  `json:"timestamp"`
}

type LiquidationEvent struct {
	TraderID  string `json:"trader_id"`
	Reason    string `json:"reason"`
	Qty       uint64 `json:"qty"`
	Side      Side   `json:"side"`
	Timestamp uint64 `json:"timestamp"`
}

type SessionStartEvent struct {
	Round           uint64 `json:"round"`
	DurationSeconds uint64 `json:"duration_seconds"`
}

type RankingRow struct {
	Rank     int     `json:"rank"`
	TraderID string  `json:"trader_id"`
	Pnl      float64 `json:"pnl"`
}

type SessionEndEvent struct {
	Round     uint64       `json:"round"`
	MarkPrice float64      `json:"mark_price"`
	Rankings  []RankingRow `json:"rankings"`
}

type TournamentCompleteEvent struct {
	RoundsCompleted uint64       `json:"rounds_completed"`
	TotalRounds     uint64       `json:"total_rounds"`
	Rankings        []RankingRow `json:"rankings"`
}

type WelcomeEvent struct {
	TraderID                string `json:"trader_id"`
	Symbol                  string `json:"symbol"`
	SessionRound            uint64 `json:"session_round"`
	SessionActive           bool   `json:"session_active"`
	SessionDurationSeconds  uint64 `json:"session_duration_seconds"`
	SessionRemainingSeconds uint64 `json:"session_remaining_seconds"`
}

// MarshalJSON flattens Event into {"type": "...", ...fields of the active
// payload}, one JSON object per frame.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case "order_accepted":
		payload = e.OrderAccepted
	case "order_rejected":
		payload = e.OrderRejected
	case "trade":
		payload = e.Trade
	case "book_update":
		payload = e.BookUpdate
	case "position_update":
		payload = e.PositionUpdate
	case "liquidation":
		payload = e.Liquidation
	case "session_start":
		payload = e.SessionStart
	case "session_end":
		payload = e.SessionEnd
	case "tournament_complete":
		payload = e.TournamentComplete
	case "welcome":
		payload = e.Welcome
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	// Re-marshal the payload with "type" spliced into the same object.
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	out := map[string]json.RawMessage{"type": json.RawMessage(fmt.Sprintf("%q", e.Type))}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func NewOrderAccepted(orderID uint64, traderID, clientOrderID string) Event {
	return Event{Type: "order_accepted", OrderAccepted: &OrderAcceptedEvent{
		OrderID: orderID, TraderID: traderID, ClientOrderID: clientOrderID, Timestamp: NowMillis(),
	}}
}

func NewOrderRejected(reason RejectReason, details map[string]any, traderID, clientOrderID string) Event {
	return Event{Type: "order_rejected", OrderRejected: &OrderRejectedEvent{
		Reason: reason, Details: details, TraderID: traderID, ClientOrderID: clientOrderID, Timestamp: NowMillis(),
	}}
}

func NewTradeEvent(trade *Trade) Event {
	buyTrader, sellTrader := trade.MakerTraderID, trade.TakerTraderID
	if trade.AggressorSide == Buy {
		buyTrader, sellTrader = trade.TakerTraderID, trade.MakerTraderID
	}
	return Event{Type: "trade", Trade: &TradeEvent{
		TradeID: trade.ID, Price: money.Round(trade.Price), Qty: trade.Qty,
		BuyTraderID: buyTrader, SellTraderID: sellTrader, Timestamp: NowMillis(),
	}}
}

func NewLiquidationEvent(traderID, reason string, qty uint64, side Side) Event {
	return Event{Type: "liquidation", Liquidation: &LiquidationEvent{
		TraderID: traderID, Reason: reason, Qty: qty, Side: side, Timestamp: NowMillis(),
	}}
}

// NewBookUpdateEvent builds the book_update payload from pre-aggregated
// (price, qty) levels; bestBid/bestAsk are nil when that side is empty.
func NewBookUpdateEvent(bestBid, bestAsk *float64, bids, asks []PriceLevel) Event {
	return Event{Type: "book_update", BookUpdate: &BookUpdateEvent{
		BestBid:   roundedPrice(bestBid),
		BestAsk:   roundedPrice(bestAsk),
		Bids:      levelPairs(bids),
		Asks:      levelPairs(asks),
		Timestamp: NowMillis(),
	}}
}

func roundedPrice(p *float64) *float64 {
	if p == nil {
		return nil
	}
	r := money.Round(*p)
	return &r
}

func levelPairs(levels []PriceLevel) [][2]float64 {
	pairs := make([][2]float64, len(levels))
	for i, lvl := range levels {
		pairs[i] = [2]float64{money.Round(lvl.Price), float64(lvl.Qty)}
	}
	return pairs
}

// NewPositionUpdateEvent builds a position_update payload from a ledger
// snapshot's fields.
func NewPositionUpdateEvent(traderID string, position int64, cash, avgEntryPrice, realizedPnl, unrealizedPnl, totalEquity, markPrice float64) Event {
	return Event{Type: "position_update", PositionUpdate: &PositionUpdateEvent{
		TraderID:      traderID,
		Position:      position,
		Cash:          cash,
		AvgEntryPrice: avgEntryPrice,
		RealizedPnl:   realizedPnl,
		UnrealizedPnl: unrealizedPnl,
		TotalEquity:   totalEquity,
		MarkPrice:     markPrice,
		Timestamp:     NowMillis(),
	}}
}

func NewSessionStartEvent(round, durationSeconds uint64) Event {
	return Event{Type: "session_start", SessionStart: &SessionStartEvent{
		Round: round, DurationSeconds: durationSeconds,
	}}
}

func NewSessionEndEvent(round uint64, markPrice float64, rankings []RankingRow) Event {
	return Event{Type: "session_end", SessionEnd: &SessionEndEvent{
		Round: round, MarkPrice: markPrice, Rankings: rankings,
	}}
}

func NewTournamentCompleteEvent(roundsCompleted, totalRounds uint64, rankings []RankingRow) Event {
	return Event{Type: "tournament_complete", TournamentComplete: &TournamentCompleteEvent{
		RoundsCompleted: roundsCompleted, TotalRounds: totalRounds, Rankings: rankings,
	}}
}

func NewWelcomeEvent(traderID, symbol string, sessionRound uint64, sessionActive bool, durationSeconds, remainingSeconds uint64) Event {
	return Event{Type: "welcome", Welcome: &WelcomeEvent{
		TraderID:                traderID,
		Symbol:                  symbol,
		SessionRound:            sessionRound,
		SessionActive:           sessionActive,
		SessionDurationSeconds:  durationSeconds,
		SessionRemainingSeconds: remainingSeconds,
	}}
}
