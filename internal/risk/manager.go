// Package risk sizes entries and gates them through an ordered set of
// checks. Gates short-circuit: the first failing gate names the rejection
// and later gates never run. Risk-reducing exits bypass the gates entirely.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/internal/metrics"
	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Config tunes sizing and the gates.
type Config struct {
	Capital                 decimal.Decimal
	RiskPerTrade            decimal.Decimal // fraction of capital risked per entry
	DefaultLeverage         decimal.Decimal
	MaxLeverage             decimal.Decimal
	MaxOpenPositions        int
	MaxPositionSizeFraction decimal.Decimal // of leverage-adjusted capital
	DailyLossLimit          decimal.Decimal // fraction of day-start capital
	MaintenanceMarginRate   decimal.Decimal
	StaleFeedAfter          time.Duration
	RejectionLogSize        int
}

func DefaultConfig() *Config {
	return &Config{
		Capital:                 decimal.NewFromInt(1000),
		RiskPerTrade:            decimal.NewFromFloat(0.01),
		DefaultLeverage:         decimal.NewFromInt(5),
		MaxLeverage:             decimal.NewFromInt(10),
		MaxOpenPositions:        5,
		MaxPositionSizeFraction: decimal.NewFromFloat(0.5),
		DailyLossLimit:          decimal.NewFromFloat(0.05),
		MaintenanceMarginRate:   decimal.NewFromFloat(0.005),
		StaleFeedAfter:          90 * time.Second,
		RejectionLogSize:        256,
	}
}

type mark struct {
	price decimal.Decimal
	at    time.Time
}

// Manager owns the live position set for gating purposes and the daily
// loss breaker. All methods are safe for concurrent use.
type Manager struct {
	logger *zap.Logger
	config *Config

	mu              sync.RWMutex
	capital         decimal.Decimal
	dayStartCapital decimal.Decimal
	dailyRealized   decimal.Decimal
	dayAnchor       time.Time // UTC midnight of the current trading day
	breakerTripped  bool
	halted          bool
	haltReason      string

	positions  map[string]*types.Position
	marks      map[string]mark
	rejections []types.GateRejection

	now func() time.Time
}

func NewManager(logger *zap.Logger, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Manager{
		logger:          logger,
		config:          config,
		capital:         config.Capital,
		dayStartCapital: config.Capital,
		positions:       make(map[string]*types.Position),
		marks:           make(map[string]mark),
		rejections:      make([]types.GateRejection, 0, config.RejectionLogSize),
		now:             time.Now,
	}
	m.dayAnchor = utcMidnight(m.now())
	return m
}

// MarkTick records the latest observed price for a symbol. The stale-feed
// gate and exposure snapshots read from these marks.
func (m *Manager) MarkTick(tick types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.marks[tick.Symbol]
	if ok && !tick.Timestamp.After(cur.at) {
		return
	}
	m.marks[tick.Symbol] = mark{price: tick.Price, at: tick.Timestamp}
}

// Evaluate runs a decision through the gates and, on success, sizes the
// entry, reserves the position slot, and returns the order to submit. The
// position is live in the open set from this point; callers that fail to
// submit the order must CancelOpen it.
func (m *Manager) Evaluate(d *types.Decision, entry decimal.Decimal) (*types.Order, *types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDay(now)

	if m.halted {
		return nil, nil, m.reject(types.GateHalted, d.Symbol, "manager halted: "+m.haltReason, now)
	}

	mk, ok := m.marks[d.Symbol]
	if !ok || now.Sub(mk.at) > m.config.StaleFeedAfter {
		m.recordRejection(types.GateStaleFeed, d.Symbol, "price feed stale", now)
		return nil, nil, &types.UpstreamUnavailable{Source: "ticker:" + d.Symbol, LastSeen: mk.at}
	}

	if m.breakerTripped {
		return nil, nil, m.reject(types.GateDailyBreaker, d.Symbol,
			fmt.Sprintf("daily loss limit reached (%s today)", m.dailyRealized.StringFixed(2)), now)
	}

	if len(m.positions) >= m.config.MaxOpenPositions {
		return nil, nil, m.reject(types.GateMaxPositions, d.Symbol,
			fmt.Sprintf("%d positions already open", len(m.positions)), now)
	}

	for _, p := range m.positions {
		if p.Symbol == d.Symbol {
			return nil, nil, m.reject(types.GateSymbolExposure, d.Symbol, "position already open for symbol", now)
		}
	}

	stopDistance := entry.Sub(d.StopLoss).Abs()
	if stopDistance.IsZero() || entry.IsZero() {
		return nil, nil, m.reject(types.GateSizing, d.Symbol, "stop distance is zero", now)
	}

	riskAmount := m.capital.Mul(m.config.RiskPerTrade)
	quantity := riskAmount.Div(stopDistance)
	notional := quantity.Mul(entry)

	if quantity.LessThanOrEqual(decimal.Zero) {
		m.halted = true
		m.haltReason = "computed non-positive position size"
		m.logger.Error("halting on sizing invariant",
			zap.String("symbol", d.Symbol),
			zap.String("quantity", quantity.String()),
		)
		return nil, nil, &types.InvariantViolation{Component: "risk.sizing", Detail: "computed non-positive position size"}
	}

	leverage := m.config.DefaultLeverage
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}
	if leverage.GreaterThan(m.config.MaxLeverage) {
		leverage = m.config.MaxLeverage
	}

	maxNotional := m.capital.Mul(leverage).Mul(m.config.MaxPositionSizeFraction)
	if notional.GreaterThan(maxNotional) {
		return nil, nil, m.reject(types.GateSizing, d.Symbol,
			fmt.Sprintf("notional %s exceeds cap %s", notional.StringFixed(2), maxNotional.StringFixed(2)), now)
	}

	liq := liquidationPrice(entry, d.Side, leverage, m.config.MaintenanceMarginRate)
	if !stopInsideLiquidation(d.Side, d.StopLoss, liq) {
		return nil, nil, m.reject(types.GateLiquidation, d.Symbol,
			fmt.Sprintf("stop %s outside liquidation %s", d.StopLoss.StringFixed(4), liq.StringFixed(4)), now)
	}

	pos := &types.Position{
		ID:               uuid.New().String(),
		Symbol:           d.Symbol,
		Side:             d.Side,
		EntryPrice:       entry,
		Quantity:         quantity,
		Notional:         notional,
		Margin:           notional.Div(leverage),
		Leverage:         leverage,
		StopLoss:         d.StopLoss,
		TakeProfit:       d.TakeProfit,
		LiquidationPrice: liq,
		Attribution:      types.KnownStrategy(d.StrategyID),
		OpenedAt:         now,
	}
	m.positions[pos.ID] = pos
	metrics.OpenPositions.Set(float64(len(m.positions)))

	order := &types.Order{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Symbol:     d.Symbol,
		Side:       d.Side,
		Kind:       types.OrderEntry,
		Quantity:   quantity,
		Price:      entry,
		CreatedAt:  now,
	}

	m.logger.Info("entry approved",
		zap.String("symbol", d.Symbol),
		zap.String("side", string(d.Side)),
		zap.String("quantity", quantity.String()),
		zap.String("notional", notional.StringFixed(2)),
		zap.String("leverage", leverage.String()),
		zap.String("strategy", d.StrategyID),
	)
	return order, pos, nil
}

// CancelOpen releases a slot reserved by Evaluate when order submission
// failed. The close path must use ApplyClose instead.
func (m *Manager) CancelOpen(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[positionID]; ok {
		delete(m.positions, positionID)
		metrics.OpenPositions.Set(float64(len(m.positions)))
	}
}

// SeedPositions installs positions discovered on the exchange at startup.
// They count against every gate like locally opened ones.
func (m *Manager) SeedPositions(raws []types.RawPosition) []*types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeded := make([]*types.Position, 0, len(raws))
	for _, raw := range raws {
		lev := raw.Leverage
		if lev.LessThan(decimal.NewFromInt(1)) {
			lev = decimal.NewFromInt(1)
		}
		notional := raw.Quantity.Mul(raw.EntryPrice)
		pos := &types.Position{
			ID:               uuid.New().String(),
			Symbol:           raw.Symbol,
			Side:             raw.Side,
			EntryPrice:       raw.EntryPrice,
			Quantity:         raw.Quantity,
			Notional:         notional,
			Margin:           notional.Div(lev),
			Leverage:         lev,
			LiquidationPrice: raw.LiquidationPrice,
			Attribution:      types.UnknownAttribution(),
			OpenedAt:         m.now(),
		}
		if pos.LiquidationPrice.IsZero() {
			pos.LiquidationPrice = liquidationPrice(raw.EntryPrice, raw.Side, lev, m.config.MaintenanceMarginRate)
		}
		m.positions[pos.ID] = pos
		seeded = append(seeded, pos)
	}
	metrics.OpenPositions.Set(float64(len(m.positions)))
	return seeded
}

// CheckExits returns reduce-only orders for every position on symbol whose
// stop, target, or liquidation level the price has crossed. Exits run even
// while the breaker is tripped or the manager is halted.
func (m *Manager) CheckExits(symbol string, price decimal.Decimal) []*types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var orders []*types.Order
	for _, p := range m.positions {
		if p.Symbol != symbol {
			continue
		}
		kind, hit := exitHit(p, price)
		if !hit {
			continue
		}
		orders = append(orders, &types.Order{
			ID:         uuid.New().String(),
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side.Opposite(),
			Kind:       kind,
			Quantity:   p.Quantity,
			Price:      price,
			ReduceOnly: true,
			CreatedAt:  now,
		})
	}
	return orders
}

func exitHit(p *types.Position, price decimal.Decimal) (types.OrderKind, bool) {
	if p.Side == types.SideLong {
		if !p.LiquidationPrice.IsZero() && price.LessThanOrEqual(p.LiquidationPrice) {
			return types.OrderStopLoss, true
		}
		if !p.StopLoss.IsZero() && price.LessThanOrEqual(p.StopLoss) {
			return types.OrderStopLoss, true
		}
		if !p.TakeProfit.IsZero() && price.GreaterThanOrEqual(p.TakeProfit) {
			return types.OrderTakeProfit, true
		}
		return "", false
	}
	if !p.LiquidationPrice.IsZero() && price.GreaterThanOrEqual(p.LiquidationPrice) {
		return types.OrderStopLoss, true
	}
	if !p.StopLoss.IsZero() && price.GreaterThanOrEqual(p.StopLoss) {
		return types.OrderStopLoss, true
	}
	if !p.TakeProfit.IsZero() && price.LessThanOrEqual(p.TakeProfit) {
		return types.OrderTakeProfit, true
	}
	return "", false
}

// ApplyClose removes a position and folds its realized result into capital
// and the daily tally. It trips the breaker when the day's losses reach the
// configured fraction of day-start capital.
func (m *Manager) ApplyClose(positionID string, exitPrice decimal.Decimal, exitTime time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[positionID]
	if !ok {
		return decimal.Zero, fmt.Errorf("position %s not open", positionID)
	}
	delete(m.positions, positionID)

	m.rollDay(exitTime)

	pnl := p.UnrealizedPnL(exitPrice)
	m.capital = m.capital.Add(pnl)
	m.dailyRealized = m.dailyRealized.Add(pnl)

	lossLimit := m.dayStartCapital.Mul(m.config.DailyLossLimit).Neg()
	if !m.breakerTripped && m.dailyRealized.LessThanOrEqual(lossLimit) {
		m.breakerTripped = true
		m.logger.Warn("daily loss breaker tripped",
			zap.String("daily_realized", m.dailyRealized.StringFixed(2)),
			zap.String("limit", lossLimit.StringFixed(2)),
		)
	}

	metrics.OpenPositions.Set(float64(len(m.positions)))
	pnlFloat, _ := m.dailyRealized.Float64()
	metrics.DailyRealizedPnL.Set(pnlFloat)

	m.logger.Info("position closed",
		zap.String("position", positionID),
		zap.String("symbol", p.Symbol),
		zap.String("pnl", pnl.StringFixed(4)),
	)
	return pnl, nil
}

// rollDay resets the daily tally and breaker at the first event past UTC
// midnight. Caller holds the lock.
func (m *Manager) rollDay(now time.Time) {
	day := utcMidnight(now)
	if day.After(m.dayAnchor) {
		m.dayAnchor = day
		m.dailyRealized = decimal.Zero
		m.breakerTripped = false
		m.dayStartCapital = m.capital
		metrics.DailyRealizedPnL.Set(0)
		m.logger.Info("daily risk window reset", zap.Time("day", day))
	}
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// liquidationPrice approximates the isolated-margin liquidation level.
func liquidationPrice(entry decimal.Decimal, side types.Side, leverage, mmr decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(leverage)
	if side == types.SideLong {
		return entry.Mul(one.Sub(inv).Add(mmr))
	}
	return entry.Mul(one.Add(inv).Sub(mmr))
}

// stopInsideLiquidation requires the stop to trigger before the exchange
// would liquidate.
func stopInsideLiquidation(side types.Side, stop, liq decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if side == types.SideLong {
		return stop.GreaterThan(liq)
	}
	return stop.LessThan(liq)
}

func (m *Manager) reject(gate, symbol, reason string, now time.Time) *types.GateRejection {
	r := m.recordRejection(gate, symbol, reason, now)
	return r
}

// recordRejection appends to the bounded audit log. Caller holds the lock.
func (m *Manager) recordRejection(gate, symbol, reason string, now time.Time) *types.GateRejection {
	r := types.GateRejection{Gate: gate, Symbol: symbol, Reason: reason, Timestamp: now}
	m.rejections = append(m.rejections, r)
	if max := m.config.RejectionLogSize; max > 0 && len(m.rejections) > max {
		m.rejections = m.rejections[len(m.rejections)-max:]
	}
	metrics.GateRejections.WithLabelValues(gate).Inc()
	m.logger.Debug("entry rejected",
		zap.String("gate", gate),
		zap.String("symbol", symbol),
		zap.String("reason", reason),
	)
	return &r
}

// Rejections returns a copy of the recent rejection log, newest last.
func (m *Manager) Rejections() []types.GateRejection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.GateRejection, len(m.rejections))
	copy(out, m.rejections)
	return out
}

// OpenPositions returns copies of the live positions.
func (m *Manager) OpenPositions() []*types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// PositionView is a position joined with its latest mark for the read API.
type PositionView struct {
	types.Position
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// PositionViews returns the open positions marked to the latest tick per
// symbol. A position whose symbol has produced no tick yet is valued at
// entry with zero unrealized PnL.
func (m *Manager) PositionViews() []PositionView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PositionView, 0, len(m.positions))
	for _, p := range m.positions {
		v := PositionView{Position: *p, MarkPrice: p.EntryPrice, UnrealizedPnL: decimal.Zero}
		if mk, ok := m.marks[p.Symbol]; ok {
			v.MarkPrice = mk.price
			v.UnrealizedPnL = p.UnrealizedPnL(mk.price)
		}
		out = append(out, v)
	}
	return out
}

// Snapshot reports current capital, daily PnL, and gross exposure marked
// to the latest prices. Positions on symbols with no mark yet are valued
// at entry.
func (m *Manager) Snapshot() types.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exposure := decimal.Zero
	for _, p := range m.positions {
		price := p.EntryPrice
		if mk, ok := m.marks[p.Symbol]; ok {
			price = mk.price
		}
		exposure = exposure.Add(p.Quantity.Mul(price))
	}
	return types.RiskState{
		Capital:          m.capital,
		DailyRealizedPnL: m.dailyRealized,
		BreakerTripped:   m.breakerTripped,
		Halted:           m.halted,
		OpenPositions:    len(m.positions),
		GrossExposure:    exposure,
		UpdatedAt:        m.now(),
	}
}

// Halted reports whether an invariant violation has frozen new entries.
func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// ResetHalt clears a halt after operator review.
func (m *Manager) ResetHalt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		m.halted = false
		m.haltReason = ""
		m.logger.Info("halt cleared by operator")
	}
}
