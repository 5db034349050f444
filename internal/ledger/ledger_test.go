package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

var closeTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(zap.NewNop(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func openPosition(id string) *types.Position {
	return &types.Position{
		ID:          id,
		Symbol:      "BTCUSDT",
		Side:        types.SideLong,
		EntryPrice:  decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(5),
		Notional:    decimal.NewFromInt(500),
		Margin:      decimal.NewFromInt(100),
		Leverage:    decimal.NewFromInt(5),
		Attribution: types.KnownStrategy("momentum"),
		OpenedAt:    closeTime.Add(-time.Hour),
	}
}

func TestOpenCloseRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	l.MarkReady()

	if err := l.RecordOpen(openPosition("p1")); err != nil {
		t.Fatalf("record open: %v", err)
	}
	if got := len(l.OpenPositions()); got != 1 {
		t.Fatalf("open positions: got %d want 1", got)
	}

	trade, err := l.RecordClose("p1", "ex-1", decimal.NewFromInt(104), closeTime)
	if err != nil {
		t.Fatalf("record close: %v", err)
	}

	if !trade.RealizedPnL.Equal(decimal.NewFromInt(20)) {
		t.Errorf("pnl: got %s want 20", trade.RealizedPnL)
	}
	// $20 on $100 margin is a 20% return; leverage scales margin, not
	// profit.
	if !trade.RealizedPnLPercent.Equal(decimal.NewFromInt(20)) {
		t.Errorf("pnl percent: got %s want 20", trade.RealizedPnLPercent)
	}
	if trade.Source != types.SourceInternal {
		t.Errorf("source: got %s want internal", trade.Source)
	}
	if got := len(l.OpenPositions()); got != 0 {
		t.Errorf("position should leave the open set, %d remain", got)
	}

	trades, err := l.Trades()
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("history: got %d trades want 1", len(trades))
	}
}

func TestShortCloseIsSideAware(t *testing.T) {
	l := newTestLedger(t)
	pos := openPosition("p1")
	pos.Side = types.SideShort
	l.RecordOpen(pos)

	trade, err := l.RecordClose("p1", "", decimal.NewFromInt(96), closeTime)
	if err != nil {
		t.Fatalf("record close: %v", err)
	}
	if !trade.RealizedPnL.Equal(decimal.NewFromInt(20)) {
		t.Errorf("short profit on a fall: got %s want 20", trade.RealizedPnL)
	}
}

func TestCloseUnknownPositionFails(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.RecordClose("ghost", "", decimal.NewFromInt(1), closeTime); err == nil {
		t.Fatal("closing an unrecorded position should fail")
	}
}

func TestReadPathsRefuseBeforeReady(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.Trades(); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("Trades before ready: got %v want ErrNotReady", err)
	}
	if _, err := l.TradesByStrategy("momentum"); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("TradesByStrategy before ready: got %v want ErrNotReady", err)
	}
	l.MarkReady()
	if _, err := l.Trades(); err != nil {
		t.Fatalf("Trades after ready: %v", err)
	}
}

func rawTrade(id string, pnl float64, at time.Time) types.RawTrade {
	return types.RawTrade{
		TradeID:     id,
		Symbol:      "BTCUSDT",
		Side:        types.SideLong,
		Price:       decimal.NewFromInt(104),
		Quantity:    decimal.NewFromInt(5),
		RealizedPnL: decimal.NewFromFloat(pnl),
		Timestamp:   at,
	}
}

func TestReconcileImportsUnseenTrades(t *testing.T) {
	l := newTestLedger(t)

	raws := make([]types.RawTrade, 0, 66)
	for i := 0; i < 66; i++ {
		raws = append(raws, rawTrade(fmt.Sprintf("ex-%d", i), 12.5, closeTime.Add(time.Duration(i)*time.Minute)))
	}

	imported, err := l.Reconcile(raws)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if imported != 66 {
		t.Fatalf("imported: got %d want 66", imported)
	}

	l.MarkReady()
	trades, _ := l.Trades()
	for _, tr := range trades {
		if tr.Source != types.SourceReconciled {
			t.Errorf("trade %s source: got %s want reconciled", tr.TradeID, tr.Source)
		}
		if tr.Attribution.Kind != types.AttributionRecovered {
			t.Errorf("trade %s attribution: got %s, recovered trades must not guess a strategy", tr.TradeID, tr.Attribution.Kind)
		}
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	raws := []types.RawTrade{
		rawTrade("ex-1", 10, closeTime),
		rawTrade("ex-2", -4, closeTime.Add(time.Hour)),
	}

	first, _ := l.Reconcile(raws)
	second, _ := l.Reconcile(raws)
	if first != 2 || second != 0 {
		t.Fatalf("idempotence broken: first=%d second=%d", first, second)
	}
}

func TestReconcileIsIdempotentWithoutTradeIDs(t *testing.T) {
	l := newTestLedger(t)
	raws := []types.RawTrade{
		rawTrade("", 10, closeTime),
		rawTrade("", -4, closeTime.Add(time.Hour)),
	}

	first, _ := l.Reconcile(raws)
	second, _ := l.Reconcile(raws)
	if first != 2 || second != 0 {
		t.Fatalf("id-less idempotence broken: first=%d second=%d", first, second)
	}

	l.MarkReady()
	trades, _ := l.Trades()
	if len(trades) != 2 {
		t.Fatalf("history: got %d trades want 2", len(trades))
	}

	// A different exit price at the same timestamp is a distinct trade,
	// not a duplicate.
	other := rawTrade("", 10, closeTime)
	other.Price = decimal.NewFromInt(110)
	if imported, _ := l.Reconcile([]types.RawTrade{other}); imported != 1 {
		t.Fatalf("distinct exit price should import, got %d", imported)
	}
}

func TestReconcileSkipsDust(t *testing.T) {
	l := newTestLedger(t)
	imported, _ := l.Reconcile([]types.RawTrade{rawTrade("ex-1", 0.001, closeTime)})
	if imported != 0 {
		t.Fatalf("dust below epsilon should be skipped, imported %d", imported)
	}
}

func TestReconcileMatchesInternalClose(t *testing.T) {
	l := newTestLedger(t)
	l.RecordOpen(openPosition("p1"))
	l.RecordClose("p1", "", decimal.NewFromInt(104), closeTime)

	// Exchange reports the same close two seconds later.
	imported, _ := l.Reconcile([]types.RawTrade{rawTrade("ex-9", 20, closeTime.Add(2 * time.Second))})
	if imported != 0 {
		t.Fatalf("matched trade should not be imported, got %d", imported)
	}

	l.MarkReady()
	trades, _ := l.Trades()
	if len(trades) != 1 {
		t.Fatalf("history should hold one trade, got %d", len(trades))
	}
	if trades[0].TradeID != "ex-9" {
		t.Errorf("matched internal trade should adopt the exchange id, got %q", trades[0].TradeID)
	}
	if trades[0].Source != types.SourceInternal {
		t.Errorf("matched trade keeps its internal source, got %s", trades[0].Source)
	}

	// Re-running with the now-adopted id is a no-op.
	imported, _ = l.Reconcile([]types.RawTrade{rawTrade("ex-9", 20, closeTime.Add(2 * time.Second))})
	if imported != 0 {
		t.Fatalf("adopted id should dedupe, imported %d", imported)
	}
}

func TestReconcileFlagsAmbiguousMatches(t *testing.T) {
	l := newTestLedger(t)
	l.RecordOpen(openPosition("p1"))
	l.RecordClose("p1", "", decimal.NewFromInt(104), closeTime)
	p2 := openPosition("p2")
	l.RecordOpen(p2)
	l.RecordClose("p2", "", decimal.NewFromInt(104), closeTime.Add(time.Second))

	imported, _ := l.Reconcile([]types.RawTrade{rawTrade("ex-1", 20, closeTime)})
	if imported != 0 {
		t.Fatalf("ambiguous record must not be imported, got %d", imported)
	}

	pending := l.PendingReview()
	if len(pending) != 1 {
		t.Fatalf("ambiguous record should be flagged for review, got %d", len(pending))
	}
	if pending[0].Gap == nil || pending[0].Gap.Symbol != "BTCUSDT" {
		t.Fatalf("review item should carry a data gap for the symbol, got %+v", pending[0].Gap)
	}
	// Re-running over the same ambiguous record does not grow the queue.
	l.Reconcile([]types.RawTrade{rawTrade("ex-1", 20, closeTime)})
	if pending := l.PendingReview(); len(pending) != 1 {
		t.Fatalf("review queue should dedupe, got %d", len(pending))
	}
}

func TestReconcileSingleFlight(t *testing.T) {
	l := newTestLedger(t)
	l.reconciling.Store(true)

	imported, err := l.Reconcile([]types.RawTrade{rawTrade("ex-1", 10, closeTime)})
	if err != nil || imported != 0 {
		t.Fatalf("concurrent reconcile should return immediately, got %d, %v", imported, err)
	}
}

func TestDiscardOpen(t *testing.T) {
	l := newTestLedger(t)
	l.RecordOpen(openPosition("p1"))
	l.DiscardOpen("p1")
	if got := len(l.OpenPositions()); got != 0 {
		t.Fatalf("discarded position should leave the open set, %d remain", got)
	}
}

func TestTradesAreChronological(t *testing.T) {
	l := newTestLedger(t)
	l.RecordOpen(openPosition("p1"))
	l.RecordClose("p1", "ex-new", decimal.NewFromInt(104), closeTime)

	// Reconcile interleaves exchange history older than the live close.
	l.Reconcile([]types.RawTrade{rawTrade("ex-old", 15, closeTime.Add(-2*time.Hour))})

	l.MarkReady()
	trades, _ := l.Trades()
	if len(trades) != 2 {
		t.Fatalf("history: got %d trades want 2", len(trades))
	}
	if trades[0].TradeID != "ex-old" || trades[1].TradeID != "ex-new" {
		t.Fatalf("trades should be ordered by close time, got %q then %q",
			trades[0].TradeID, trades[1].TradeID)
	}
}

func TestSynthesizedEntryPriceBackDerivation(t *testing.T) {
	l := newTestLedger(t)
	// Long, exit 104, pnl 20 over 5 units: entry must have been 100.
	l.Reconcile([]types.RawTrade{rawTrade("ex-1", 20, closeTime)})
	l.MarkReady()
	trades, _ := l.Trades()
	if !trades[0].EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("derived entry: got %s want 100", trades[0].EntryPrice)
	}
}
