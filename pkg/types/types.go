package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or signal.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing direction for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Regime classifies the recent behaviour of a symbol's price series.
type Regime string

const (
	RegimeTrendingUp     Regime = "trending_up"
	RegimeTrendingDown   Regime = "trending_down"
	RegimeRanging        Regime = "ranging"
	RegimeHighVolatility Regime = "high_volatility"
	RegimeUnknown        Regime = "unknown"
)

// TradeSource records how a closed trade entered the ledger.
type TradeSource string

const (
	SourceInternal   TradeSource = "internal"
	SourceReconciled TradeSource = "reconciled"
)

// AttributionKind distinguishes how a trade was linked to a strategy.
type AttributionKind string

const (
	AttributionKnown     AttributionKind = "known"
	AttributionRecovered AttributionKind = "recovered"
	AttributionUnknown   AttributionKind = "unknown"
)

// Attribution links a trade to the strategy that produced it, or records
// that no such link exists. StrategyID is only set for known attributions.
type Attribution struct {
	Kind       AttributionKind `json:"kind"`
	StrategyID string          `json:"strategyId,omitempty"`
}

func KnownStrategy(id string) Attribution {
	return Attribution{Kind: AttributionKnown, StrategyID: id}
}

func RecoveredAttribution() Attribution {
	return Attribution{Kind: AttributionRecovered}
}

func UnknownAttribution() Attribution {
	return Attribution{Kind: AttributionUnknown}
}

func (a Attribution) String() string {
	if a.Kind == AttributionKnown {
		return a.StrategyID
	}
	return string(a.Kind)
}

// Tick is a single market data point.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signal is a directional vote emitted by one strategy for one symbol.
// Strength is in (0, 1].
type Signal struct {
	StrategyID  string          `json:"strategyId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Strength    float64         `json:"strength"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
	TakeProfit  decimal.Decimal `json:"takeProfit"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// Decision is the aggregated outcome of one evaluation round. It names the
// largest single contributor as its StrategyID for attribution.
type Decision struct {
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Confidence   float64         `json:"confidence"`
	StrategyID   string          `json:"strategyId"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	Contributors []string        `json:"contributors"`
	DecidedAt    time.Time       `json:"decidedAt"`
}

// Position is a live leveraged position.
type Position struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	Quantity         decimal.Decimal `json:"quantity"`
	Notional         decimal.Decimal `json:"notional"`
	Margin           decimal.Decimal `json:"margin"`
	Leverage         decimal.Decimal `json:"leverage"`
	StopLoss         decimal.Decimal `json:"stopLoss"`
	TakeProfit       decimal.Decimal `json:"takeProfit"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	Attribution      Attribution     `json:"attribution"`
	OpenedAt         time.Time       `json:"openedAt"`
}

// UnrealizedPnL computes mark-to-market profit for the position. Leverage
// scales margin, not profit: PnL is quantity times price move.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// ClosedTrade is the immutable record of a completed round trip.
type ClosedTrade struct {
	ID                 string          `json:"id"`
	TradeID            string          `json:"tradeId,omitempty"`
	PositionID         string          `json:"positionId,omitempty"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	EntryPrice         decimal.Decimal `json:"entryPrice"`
	ExitPrice          decimal.Decimal `json:"exitPrice"`
	Quantity           decimal.Decimal `json:"quantity"`
	Leverage           decimal.Decimal `json:"leverage"`
	RealizedPnL        decimal.Decimal `json:"realizedPnl"`
	RealizedPnLPercent decimal.Decimal `json:"realizedPnlPercent"`
	Attribution        Attribution     `json:"attribution"`
	Source             TradeSource     `json:"source"`
	OpenedAt           time.Time       `json:"openedAt"`
	ClosedAt           time.Time       `json:"closedAt"`
}

// RawTrade is a trade record as reported by the exchange account history.
type RawTrade struct {
	TradeID     string          `json:"tradeId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RawPosition is an open position as reported by the exchange, used to seed
// local state on startup.
type RawPosition struct {
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	Quantity         decimal.Decimal `json:"quantity"`
	Leverage         decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
}

// OrderKind says why an order was emitted.
type OrderKind string

const (
	OrderEntry      OrderKind = "entry"
	OrderStopLoss   OrderKind = "stop_loss"
	OrderTakeProfit OrderKind = "take_profit"
)

// Order is an instruction handed to the exchange client. Reduce-only orders
// close existing exposure and are never blocked by the risk gates.
type Order struct {
	ID         string          `json:"id"`
	PositionID string          `json:"positionId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Kind       OrderKind       `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ReduceOnly bool            `json:"reduceOnly"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Fill reports an executed order.
type Fill struct {
	OrderID   string          `json:"orderId"`
	TradeID   string          `json:"tradeId"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// RiskState is a point-in-time snapshot of the risk manager.
type RiskState struct {
	Capital          decimal.Decimal `json:"capital"`
	DailyRealizedPnL decimal.Decimal `json:"dailyRealizedPnl"`
	BreakerTripped   bool            `json:"breakerTripped"`
	Halted           bool            `json:"halted"`
	OpenPositions    int             `json:"openPositions"`
	GrossExposure    decimal.Decimal `json:"grossExposure"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}
