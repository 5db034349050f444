package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

func feed(t *testing.T, d *Detector, symbol string, prices []float64) types.Regime {
	t.Helper()
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	var last types.Regime
	for i, p := range prices {
		last = d.Update(types.Tick{
			Symbol:    symbol,
			Price:     decimal.NewFromFloat(p),
			Volume:    decimal.NewFromInt(100),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return last
}

func TestUnknownBelowMinSamples(t *testing.T) {
	d := NewDetector(zap.NewNop(), &Config{Window: 50, MinSamples: 20, HighVolThreshold: 0.03, LowVolThreshold: 0.015, TrendStrengthCutoff: 25})

	prices := make([]float64, 19)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	got := feed(t, d, "BTCUSDT", prices)
	if got != types.RegimeUnknown {
		t.Fatalf("expected unknown with %d samples, got %s", len(prices), got)
	}

	state := d.Current("BTCUSDT")
	if state.Confidence != 0 {
		t.Errorf("unknown regime should carry zero confidence, got %v", state.Confidence)
	}
}

func TestTrendingUpClassification(t *testing.T) {
	d := NewDetector(zap.NewNop(), DefaultConfig())

	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 * (1 + 0.002*float64(i))
	}
	got := feed(t, d, "BTCUSDT", prices)
	if got != types.RegimeTrendingUp {
		t.Fatalf("monotonic rise should classify trending_up, got %s", got)
	}
}

func TestTrendingDownClassification(t *testing.T) {
	d := NewDetector(zap.NewNop(), DefaultConfig())

	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 * (1 - 0.002*float64(i))
	}
	got := feed(t, d, "ETHUSDT", prices)
	if got != types.RegimeTrendingDown {
		t.Fatalf("monotonic fall should classify trending_down, got %s", got)
	}
}

func TestHighVolatilityDominatesTrend(t *testing.T) {
	d := NewDetector(zap.NewNop(), DefaultConfig())

	// Alternating large swings: volatile, no net direction beyond the cutoff.
	prices := make([]float64, 40)
	p := 100.0
	for i := range prices {
		if i%2 == 0 {
			p *= 1.05
		} else {
			p *= 0.952
		}
		prices[i] = p
	}
	got := feed(t, d, "BTCUSDT", prices)
	if got != types.RegimeHighVolatility {
		t.Fatalf("large swings should classify high_volatility, got %s", got)
	}
}

func TestRangingClassification(t *testing.T) {
	d := NewDetector(zap.NewNop(), DefaultConfig())

	prices := make([]float64, 40)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 100.05
		} else {
			prices[i] = 99.95
		}
	}
	got := feed(t, d, "BTCUSDT", prices)
	if got != types.RegimeRanging {
		t.Fatalf("flat oscillation should classify ranging, got %s", got)
	}
}

func TestSymbolsAreIndependent(t *testing.T) {
	d := NewDetector(zap.NewNop(), DefaultConfig())

	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 * (1 + 0.002*float64(i))
	}
	feed(t, d, "BTCUSDT", up)

	if got := d.Current("ETHUSDT").Regime; got != types.RegimeUnknown {
		t.Errorf("untouched symbol should be unknown, got %s", got)
	}
	if got := d.Current("BTCUSDT").Regime; got != types.RegimeTrendingUp {
		t.Errorf("fed symbol should be trending_up, got %s", got)
	}
}

func TestOutOfOrderTickIgnored(t *testing.T) {
	d := NewDetector(zap.NewNop(), DefaultConfig())

	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 100 * (1 + 0.002*float64(i))
	}
	feed(t, d, "BTCUSDT", prices)
	before := d.Current("BTCUSDT")

	d.Update(types.Tick{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromFloat(1),
		Timestamp: before.UpdatedAt.Add(-time.Minute),
	})

	after := d.Current("BTCUSDT")
	if after.Samples != before.Samples {
		t.Fatalf("stale tick should not enter the window: %d -> %d samples", before.Samples, after.Samples)
	}
}
