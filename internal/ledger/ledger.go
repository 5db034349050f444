// Package ledger is the system of record for positions and closed trades.
// Startup reconciliation imports exchange history the bot did not witness,
// and read paths refuse to serve until that import has completed once.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/internal/metrics"
	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Config tunes reconciliation matching.
type Config struct {
	// MatchTolerance bounds the timestamp gap for matching an exchange
	// trade to an internally recorded close.
	MatchTolerance time.Duration
	// PnLEpsilon filters out dust entries from exchange history.
	PnLEpsilon decimal.Decimal
}

func DefaultConfig() *Config {
	return &Config{
		MatchTolerance: 5 * time.Second,
		PnLEpsilon:     decimal.NewFromFloat(0.01),
	}
}

// ReviewItem pairs an exchange record that could not be imported with the
// data gap that blocked it. Items wait for manual resolution.
type ReviewItem struct {
	Trade types.RawTrade      `json:"trade"`
	Gap   *types.DataGapError `json:"gap"`
}

// Ledger keeps open positions and the append-only closed trade history.
// An optional Store persists closed trades across restarts.
type Ledger struct {
	logger *zap.Logger
	config *Config
	store  *Store

	mu         sync.RWMutex
	open       map[string]*types.Position
	closed     []types.ClosedTrade
	tradeIDs   map[string]int // exchange trade id -> index into closed
	review     []ReviewItem
	reviewKeys map[string]struct{}

	ready       atomic.Bool
	reconciling atomic.Bool
}

func New(logger *zap.Logger, config *Config, store *Store) (*Ledger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	l := &Ledger{
		logger:     logger,
		config:     config,
		store:      store,
		open:       make(map[string]*types.Position),
		tradeIDs:   make(map[string]int),
		reviewKeys: make(map[string]struct{}),
	}
	if store != nil {
		trades, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("loading persisted trades: %w", err)
		}
		for _, tr := range trades {
			l.append(tr, false)
		}
		logger.Info("trade history loaded", zap.Int("trades", len(trades)))
	}
	return l, nil
}

// Ready reports whether startup reconciliation has completed.
func (l *Ledger) Ready() bool { return l.ready.Load() }

// MarkReady opens the read paths. Called once after the first reconcile.
func (l *Ledger) MarkReady() { l.ready.Store(true) }

// RecordOpen registers a position with the ledger. The ledger owns the
// position record from this point until RecordClose.
func (l *Ledger) RecordOpen(pos *types.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.open[pos.ID]; exists {
		return fmt.Errorf("position %s already recorded", pos.ID)
	}
	cp := *pos
	l.open[pos.ID] = &cp
	return nil
}

// DiscardOpen drops a position whose entry order never executed.
func (l *Ledger) DiscardOpen(positionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.open, positionID)
}

// RecordClose converts an open position into a closed trade. PnL is
// side-aware and scales with quantity, not leverage; the percentage is
// return on margin.
func (l *Ledger) RecordClose(positionID, tradeID string, exitPrice decimal.Decimal, exitTime time.Time) (types.ClosedTrade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.open[positionID]
	if !ok {
		return types.ClosedTrade{}, fmt.Errorf("position %s not found in ledger", positionID)
	}
	delete(l.open, positionID)

	pnl := pos.UnrealizedPnL(exitPrice)
	pct := decimal.Zero
	if pos.Margin.IsPositive() {
		pnl100 := pnl.Mul(decimal.NewFromInt(100))
		pct = pnl100.Div(pos.Margin)
	}

	trade := types.ClosedTrade{
		ID:                 uuid.New().String(),
		TradeID:            tradeID,
		PositionID:         pos.ID,
		Symbol:             pos.Symbol,
		Side:               pos.Side,
		EntryPrice:         pos.EntryPrice,
		ExitPrice:          exitPrice,
		Quantity:           pos.Quantity,
		Leverage:           pos.Leverage,
		RealizedPnL:        pnl,
		RealizedPnLPercent: pct,
		Attribution:        pos.Attribution,
		Source:             types.SourceInternal,
		OpenedAt:           pos.OpenedAt,
		ClosedAt:           exitTime,
	}
	l.append(trade, true)
	metrics.TradesRecorded.WithLabelValues(string(types.SourceInternal)).Inc()
	return trade, nil
}

// append adds a trade to the in-memory history and optionally persists it.
// Caller holds the lock.
func (l *Ledger) append(trade types.ClosedTrade, persist bool) {
	l.closed = append(l.closed, trade)
	if trade.TradeID != "" {
		l.tradeIDs[trade.TradeID] = len(l.closed) - 1
	}
	if persist && l.store != nil {
		if err := l.store.Append(trade); err != nil {
			l.logger.Error("persisting trade failed",
				zap.String("trade", trade.ID),
				zap.Error(err),
			)
		}
	}
}

// Reconcile imports exchange account history. It is idempotent and
// single-flight: concurrent calls return immediately, and re-running over
// the same input imports nothing new. The returned count is the number of
// trades synthesized from exchange records.
func (l *Ledger) Reconcile(raws []types.RawTrade) (int, error) {
	if !l.reconciling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer l.reconciling.Store(false)

	l.mu.Lock()
	defer l.mu.Unlock()

	imported := 0
	for _, raw := range raws {
		if raw.RealizedPnL.Abs().LessThan(l.config.PnLEpsilon) {
			continue
		}
		if raw.TradeID != "" {
			if _, seen := l.tradeIDs[raw.TradeID]; seen {
				continue
			}
		} else if l.seenReconciled(raw) {
			// Already synthesized on a previous run. Without an exchange
			// id the dedupe key is symbol + close time + exit price.
			continue
		}

		switch idx, n := l.matchInternal(raw); n {
		case 0:
			l.append(l.synthesize(raw), true)
			imported++
			metrics.TradesRecorded.WithLabelValues(string(types.SourceReconciled)).Inc()
		case 1:
			// The exchange confirms a trade we already booked; keep our
			// record and remember the exchange id for dedupe.
			if raw.TradeID != "" && l.closed[idx].TradeID == "" {
				l.closed[idx].TradeID = raw.TradeID
				l.tradeIDs[raw.TradeID] = idx
			}
		default:
			l.flagForReview(raw, n)
		}
	}

	if imported > 0 {
		metrics.ReconciledTrades.Add(float64(imported))
		l.logger.Info("reconciliation imported trades", zap.Int("imported", imported))
	}
	return imported, nil
}

// seenReconciled reports whether an id-less exchange record was already
// synthesized into the history: same symbol, close time within tolerance,
// identical exit price. Caller holds the lock.
func (l *Ledger) seenReconciled(raw types.RawTrade) bool {
	for i := range l.closed {
		tr := &l.closed[i]
		if tr.Source != types.SourceReconciled || tr.Symbol != raw.Symbol {
			continue
		}
		if !tr.ExitPrice.Equal(raw.Price) {
			continue
		}
		gap := tr.ClosedAt.Sub(raw.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap <= l.config.MatchTolerance {
			return true
		}
	}
	return false
}

// flagForReview records an ambiguous exchange record as a data gap, once.
// Caller holds the lock.
func (l *Ledger) flagForReview(raw types.RawTrade, candidates int) {
	key := raw.TradeID
	if key == "" {
		key = fmt.Sprintf("%s|%d|%s", raw.Symbol, raw.Timestamp.UnixNano(), raw.Price.String())
	}
	if _, seen := l.reviewKeys[key]; seen {
		return
	}
	l.reviewKeys[key] = struct{}{}

	gap := &types.DataGapError{
		Symbol: raw.Symbol,
		Detail: fmt.Sprintf("exchange trade matched %d internal closes within tolerance", candidates),
	}
	l.review = append(l.review, ReviewItem{Trade: raw, Gap: gap})
	l.logger.Warn("ambiguous reconciliation match, flagged for review",
		zap.String("trade_id", raw.TradeID),
		zap.String("symbol", raw.Symbol),
		zap.Int("candidates", candidates),
		zap.Error(gap),
	)
}

// matchInternal finds internally recorded closes that could be the same
// event as raw: same symbol, close time within tolerance. Returns the last
// candidate index and the candidate count. Caller holds the lock.
func (l *Ledger) matchInternal(raw types.RawTrade) (int, int) {
	idx, count := -1, 0
	for i := range l.closed {
		tr := &l.closed[i]
		if tr.Source != types.SourceInternal || tr.Symbol != raw.Symbol {
			continue
		}
		gap := tr.ClosedAt.Sub(raw.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap <= l.config.MatchTolerance {
			idx = i
			count++
		}
	}
	return idx, count
}

// synthesize builds a closed trade from an exchange record. The entry
// price is back-derived from realized PnL; attribution is recovered, never
// guessed.
func (l *Ledger) synthesize(raw types.RawTrade) types.ClosedTrade {
	entry := decimal.Zero
	if raw.Quantity.IsPositive() {
		perUnit := raw.RealizedPnL.Div(raw.Quantity)
		if raw.Side == types.SideLong {
			entry = raw.Price.Sub(perUnit)
		} else {
			entry = raw.Price.Add(perUnit)
		}
	}
	return types.ClosedTrade{
		ID:          uuid.New().String(),
		TradeID:     raw.TradeID,
		Symbol:      raw.Symbol,
		Side:        raw.Side,
		EntryPrice:  entry,
		ExitPrice:   raw.Price,
		Quantity:    raw.Quantity,
		RealizedPnL: raw.RealizedPnL,
		Attribution: types.RecoveredAttribution(),
		Source:      types.SourceReconciled,
		ClosedAt:    raw.Timestamp,
	}
}

// Trades returns a copy of the closed history, oldest first. Before the
// first reconcile completes it refuses with ErrNotReady.
func (l *Ledger) Trades() ([]types.ClosedTrade, error) {
	if !l.ready.Load() {
		return nil, types.ErrNotReady
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.ClosedTrade, len(l.closed))
	copy(out, l.closed)
	sortByClosedAt(out)
	return out, nil
}

// TradesByStrategy returns the closed trades attributed to one strategy,
// oldest first.
func (l *Ledger) TradesByStrategy(strategyID string) ([]types.ClosedTrade, error) {
	if !l.ready.Load() {
		return nil, types.ErrNotReady
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.ClosedTrade
	for _, tr := range l.closed {
		if tr.Attribution.Kind == types.AttributionKnown && tr.Attribution.StrategyID == strategyID {
			out = append(out, tr)
		}
	}
	sortByClosedAt(out)
	return out, nil
}

// sortByClosedAt orders trades oldest first. Reconciliation can interleave
// older exchange history after internally recorded closes, so append order
// is not chronological.
func sortByClosedAt(trades []types.ClosedTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ClosedAt.Before(trades[j].ClosedAt)
	})
}

// OpenPositions returns copies of the positions the ledger considers open.
func (l *Ledger) OpenPositions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, *p)
	}
	return out
}

// PendingReview returns exchange records that matched more than one
// internal trade and await manual resolution.
func (l *Ledger) PendingReview() []ReviewItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ReviewItem, len(l.review))
	copy(out, l.review)
	return out
}
