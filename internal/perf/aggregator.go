// Package perf computes read-side performance views over the closed trade
// history: per-strategy sparklines, bucketed PnL series, and summary
// statistics. It never mutates the ledger.
package perf

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Source is the trade history the aggregator reads. Reads fail with
// ErrNotReady until reconciliation has run.
type Source interface {
	Trades() ([]types.ClosedTrade, error)
	TradesByStrategy(strategyID string) ([]types.ClosedTrade, error)
}

// SeriesPoint is one bucket of a performance series.
type SeriesPoint struct {
	Timestamp  time.Time       `json:"timestamp"`
	PnL        decimal.Decimal `json:"pnl"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// SeriesStats summarises the cumulative curve of a series.
type SeriesStats struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Avg        float64 `json:"avg"`
	StdDev     float64 `json:"stdDev"`
	Volatility float64 `json:"volatility"` // stddev over |avg|, in percent
}

// Series is a bucketed PnL curve. NoData distinguishes an empty window
// from a window whose trades net to zero.
type Series struct {
	Timeframe string        `json:"timeframe"`
	NoData    bool          `json:"noData"`
	Points    []SeriesPoint `json:"points"`
	Stats     SeriesStats   `json:"stats"`
}

// StrategySummary aggregates one strategy's attributed trades.
type StrategySummary struct {
	StrategyID string          `json:"strategyId"`
	Trades     int             `json:"trades"`
	Wins       int             `json:"wins"`
	WinRate    float64         `json:"winRate"`
	TotalPnL   decimal.Decimal `json:"totalPnl"`
}

// Aggregator computes performance views on demand.
type Aggregator struct {
	logger *zap.Logger
	source Source
}

func NewAggregator(logger *zap.Logger, source Source) *Aggregator {
	return &Aggregator{logger: logger, source: source}
}

// Sparkline returns the strategy's cumulative win rate resampled to
// exactly points values. With no attributed trades every value is zero;
// the caller can tell that apart from ErrNotReady, which means the ledger
// cannot answer yet.
func (a *Aggregator) Sparkline(strategyID string, points int) ([]float64, error) {
	if points <= 0 {
		return nil, fmt.Errorf("sparkline needs a positive point count, got %d", points)
	}
	trades, err := a.source.TradesByStrategy(strategyID)
	if err != nil {
		return nil, err
	}

	out := make([]float64, points)
	if len(trades) == 0 {
		return out, nil
	}

	// Cumulative win rate after each trade, then resampled so the last
	// point always reflects the full history.
	cum := make([]float64, len(trades))
	wins := 0
	for i, tr := range trades {
		if tr.RealizedPnL.IsPositive() {
			wins++
		}
		cum[i] = float64(wins) / float64(i+1)
	}
	for k := 0; k < points; k++ {
		idx := (k + 1) * len(cum) / points
		if idx == 0 {
			out[k] = 0
			continue
		}
		out[k] = cum[idx-1]
	}
	return out, nil
}

// PnLSeries buckets realized PnL into points buckets of timeframe each,
// covering the window [now - timeframe*points, now], and carries the
// cumulative sum forward through empty buckets.
func (a *Aggregator) PnLSeries(timeframe string, points int, now time.Time) (Series, error) {
	if points <= 0 {
		return Series{}, fmt.Errorf("series needs a positive point count, got %d", points)
	}
	bucket, err := parseTimeframe(timeframe)
	if err != nil {
		return Series{}, err
	}
	trades, err := a.source.Trades()
	if err != nil {
		return Series{}, err
	}

	window := bucket * time.Duration(points)
	start := now.Add(-window)

	sums := make([]decimal.Decimal, points)
	for i := range sums {
		sums[i] = decimal.Zero
	}
	inWindow := 0
	for _, tr := range trades {
		if tr.ClosedAt.Before(start) || tr.ClosedAt.After(now) {
			continue
		}
		idx := int(tr.ClosedAt.Sub(start) / bucket)
		if idx >= points {
			idx = points - 1
		}
		sums[idx] = sums[idx].Add(tr.RealizedPnL)
		inWindow++
	}

	series := Series{Timeframe: timeframe, NoData: inWindow == 0}
	series.Points = make([]SeriesPoint, points)
	running := decimal.Zero
	for i := 0; i < points; i++ {
		running = running.Add(sums[i])
		series.Points[i] = SeriesPoint{
			Timestamp:  start.Add(time.Duration(i+1) * bucket),
			PnL:        sums[i],
			Cumulative: running,
		}
	}
	if !series.NoData {
		series.Stats = curveStats(series.Points)
	}
	return series, nil
}

// Summary aggregates every trade attributed to strategyID.
func (a *Aggregator) Summary(strategyID string) (StrategySummary, error) {
	trades, err := a.source.TradesByStrategy(strategyID)
	if err != nil {
		return StrategySummary{}, err
	}
	s := StrategySummary{StrategyID: strategyID, TotalPnL: decimal.Zero}
	for _, tr := range trades {
		s.Trades++
		if tr.RealizedPnL.IsPositive() {
			s.Wins++
		}
		s.TotalPnL = s.TotalPnL.Add(tr.RealizedPnL)
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	return s, nil
}

func curveStats(points []SeriesPoint) SeriesStats {
	stats := SeriesStats{Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, p := range points {
		v, _ := p.Cumulative.Float64()
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
		sum += v
	}
	n := float64(len(points))
	stats.Avg = sum / n

	variance := 0.0
	for _, p := range points {
		v, _ := p.Cumulative.Float64()
		diff := v - stats.Avg
		variance += diff * diff
	}
	stats.StdDev = math.Sqrt(variance / n)
	if stats.Avg != 0 {
		stats.Volatility = stats.StdDev / math.Abs(stats.Avg) * 100
	}
	return stats
}

func parseTimeframe(tf string) (time.Duration, error) {
	switch tf {
	case "1h":
		return time.Hour, nil
	case "24h", "1d":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
}
