package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

var seriesEnd = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeSource serves canned history without a live ledger.
type fakeSource struct {
	trades []types.ClosedTrade
	ready  bool
}

func (f *fakeSource) Trades() ([]types.ClosedTrade, error) {
	if !f.ready {
		return nil, types.ErrNotReady
	}
	return f.trades, nil
}

func (f *fakeSource) TradesByStrategy(id string) ([]types.ClosedTrade, error) {
	if !f.ready {
		return nil, types.ErrNotReady
	}
	var out []types.ClosedTrade
	for _, tr := range f.trades {
		if tr.Attribution.Kind == types.AttributionKnown && tr.Attribution.StrategyID == id {
			out = append(out, tr)
		}
	}
	return out, nil
}

func trade(strategy string, pnl float64, closedAt time.Time) types.ClosedTrade {
	attr := types.RecoveredAttribution()
	if strategy != "" {
		attr = types.KnownStrategy(strategy)
	}
	return types.ClosedTrade{
		Symbol:      "BTCUSDT",
		Side:        types.SideLong,
		RealizedPnL: decimal.NewFromFloat(pnl),
		Attribution: attr,
		ClosedAt:    closedAt,
	}
}

func TestSparklineEmptyHistoryIsAllZeros(t *testing.T) {
	a := NewAggregator(zap.NewNop(), &fakeSource{ready: true})

	line, err := a.Sparkline("momentum", 50)
	if err != nil {
		t.Fatalf("sparkline: %v", err)
	}
	if len(line) != 50 {
		t.Fatalf("length: got %d want 50", len(line))
	}
	for i, v := range line {
		if v != 0 {
			t.Fatalf("point %d should be zero for empty history, got %v", i, v)
		}
	}
}

func TestSparklineNotReadyPropagates(t *testing.T) {
	a := NewAggregator(zap.NewNop(), &fakeSource{ready: false})
	if _, err := a.Sparkline("momentum", 50); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("unready source should surface ErrNotReady, got %v", err)
	}
}

func TestSparklineCumulativeWinRate(t *testing.T) {
	src := &fakeSource{ready: true}
	// win, loss, win, win: cumulative rates 1, 0.5, 0.667, 0.75
	for i, pnl := range []float64{10, -5, 8, 3} {
		src.trades = append(src.trades, trade("momentum", pnl, seriesEnd.Add(time.Duration(i)*time.Minute)))
	}
	a := NewAggregator(zap.NewNop(), src)

	line, err := a.Sparkline("momentum", 4)
	if err != nil {
		t.Fatalf("sparkline: %v", err)
	}
	want := []float64{1, 0.5, 2.0 / 3.0, 0.75}
	for i := range want {
		if diff := line[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("point %d: got %v want %v", i, line[i], want[i])
		}
	}
}

func TestSparklineResamplesLongHistory(t *testing.T) {
	src := &fakeSource{ready: true}
	for i := 0; i < 200; i++ {
		src.trades = append(src.trades, trade("momentum", 1, seriesEnd))
	}
	a := NewAggregator(zap.NewNop(), src)

	line, err := a.Sparkline("momentum", 50)
	if err != nil {
		t.Fatalf("sparkline: %v", err)
	}
	if len(line) != 50 {
		t.Fatalf("length: got %d want 50", len(line))
	}
	if line[49] != 1.0 {
		t.Errorf("last point must reflect full history, got %v", line[49])
	}
}

func TestSparklineExcludesRecoveredTrades(t *testing.T) {
	src := &fakeSource{ready: true}
	src.trades = append(src.trades, trade("", 50, seriesEnd))
	a := NewAggregator(zap.NewNop(), src)

	line, _ := a.Sparkline("momentum", 10)
	for _, v := range line {
		if v != 0 {
			t.Fatal("recovered trades carry no strategy and must not move a sparkline")
		}
	}
}

func TestPnLSeriesCarriesCumulativeForward(t *testing.T) {
	src := &fakeSource{ready: true}
	// Two trades early in a 24-bucket hourly window; later buckets stay
	// flat at the running total.
	src.trades = append(src.trades,
		trade("momentum", 10, seriesEnd.Add(-23*time.Hour)),
		trade("momentum", -4, seriesEnd.Add(-22*time.Hour)),
	)
	a := NewAggregator(zap.NewNop(), src)

	s, err := a.PnLSeries("1h", 24, seriesEnd)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if s.NoData {
		t.Fatal("window with trades must not report NoData")
	}
	last := s.Points[len(s.Points)-1]
	if !last.Cumulative.Equal(decimal.NewFromInt(6)) {
		t.Errorf("cumulative should carry forward to 6, got %s", last.Cumulative)
	}
	if !last.PnL.IsZero() {
		t.Errorf("final empty bucket should book zero, got %s", last.PnL)
	}
}

func TestPnLSeriesNoDataVersusZero(t *testing.T) {
	// Empty window: NoData true.
	a := NewAggregator(zap.NewNop(), &fakeSource{ready: true})
	s, err := a.PnLSeries("24h", 10, seriesEnd)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if !s.NoData {
		t.Fatal("empty window should report NoData")
	}

	// Trades netting to zero: NoData false, cumulative zero.
	src := &fakeSource{ready: true}
	src.trades = append(src.trades,
		trade("momentum", 10, seriesEnd.Add(-2*time.Hour)),
		trade("momentum", -10, seriesEnd.Add(-time.Hour)),
	)
	a = NewAggregator(zap.NewNop(), src)
	s, _ = a.PnLSeries("24h", 10, seriesEnd)
	if s.NoData {
		t.Fatal("netting to zero is data, not absence of data")
	}
}

func TestPnLSeriesStats(t *testing.T) {
	src := &fakeSource{ready: true}
	// First of two hourly buckets, so the cumulative curve stays flat.
	src.trades = append(src.trades, trade("momentum", 12, seriesEnd.Add(-90*time.Minute)))
	a := NewAggregator(zap.NewNop(), src)

	s, err := a.PnLSeries("1h", 2, seriesEnd)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	// Cumulative curve is [12, 12]: avg 12, stddev 0, volatility 0.
	if s.Stats.Avg != 12 || s.Stats.StdDev != 0 || s.Stats.Volatility != 0 {
		t.Errorf("flat curve stats wrong: %+v", s.Stats)
	}
	if s.Stats.Min != 12 || s.Stats.Max != 12 {
		t.Errorf("min/max wrong: %+v", s.Stats)
	}
}

func TestPnLSeriesWindowIsTimeframePerBucket(t *testing.T) {
	src := &fakeSource{ready: true}
	// 2.5 hours old: outside a single hour but inside [now-4h, now] when
	// each of 4 buckets spans an hour.
	src.trades = append(src.trades, trade("momentum", 12, seriesEnd.Add(-150*time.Minute)))
	a := NewAggregator(zap.NewNop(), src)

	s, err := a.PnLSeries("1h", 4, seriesEnd)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if s.NoData {
		t.Fatal("trade inside the timeframe*points window must be included")
	}
	if !s.Points[1].PnL.Equal(decimal.NewFromInt(12)) {
		t.Errorf("trade should land in the second hourly bucket, points: %+v", s.Points)
	}
	if !s.Points[3].Cumulative.Equal(decimal.NewFromInt(12)) {
		t.Errorf("cumulative: got %s want 12", s.Points[3].Cumulative)
	}
}

func TestPnLSeriesRejectsBadTimeframe(t *testing.T) {
	a := NewAggregator(zap.NewNop(), &fakeSource{ready: true})
	if _, err := a.PnLSeries("3y", 10, seriesEnd); err == nil {
		t.Fatal("unknown timeframe should fail")
	}
}

func TestSummary(t *testing.T) {
	src := &fakeSource{ready: true}
	src.trades = append(src.trades,
		trade("momentum", 10, seriesEnd),
		trade("momentum", -4, seriesEnd),
		trade("mean_reversion", 7, seriesEnd),
	)
	a := NewAggregator(zap.NewNop(), src)

	s, err := a.Summary("momentum")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Trades != 2 || s.Wins != 1 || s.WinRate != 0.5 {
		t.Errorf("summary counts wrong: %+v", s)
	}
	if !s.TotalPnL.Equal(decimal.NewFromInt(6)) {
		t.Errorf("total pnl: got %s want 6", s.TotalPnL)
	}
}
