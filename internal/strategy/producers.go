package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Momentum trades in the direction of a fast/slow moving average crossover.
// It only participates in trending regimes.
type Momentum struct {
	Fast int
	Slow int
	// StopFraction and TargetFraction place exits relative to entry.
	StopFraction   float64
	TargetFraction float64
	// Conviction is the static confidence this strategy reports to the
	// registry for vote weighting.
	Conviction float64
}

func NewMomentum() *Momentum {
	return &Momentum{Fast: 9, Slow: 21, StopFraction: 0.02, TargetFraction: 0.04, Conviction: 0.8}
}

func (m *Momentum) ID() string { return "momentum" }

func (m *Momentum) Confidence() float64 { return m.Conviction }

func (m *Momentum) RegimeAffinity() []types.Regime {
	return []types.Regime{types.RegimeTrendingUp, types.RegimeTrendingDown}
}

func (m *Momentum) Evaluate(symbol string, window []types.Tick) *types.Signal {
	if len(window) < m.Slow {
		return nil
	}

	fast := smaTail(window, m.Fast)
	slow := smaTail(window, m.Slow)
	if slow == 0 {
		return nil
	}

	spread := (fast - slow) / slow
	if math.Abs(spread) < 0.0005 {
		return nil
	}

	last := window[len(window)-1]
	side := types.SideLong
	if spread < 0 {
		side = types.SideShort
	}

	// Strength grows with the crossover spread, saturating at 1% divergence.
	strength := math.Min(math.Abs(spread)/0.01, 1.0)
	if strength < 0.1 {
		strength = 0.1
	}

	return &types.Signal{
		StrategyID:  m.ID(),
		Symbol:      symbol,
		Side:        side,
		Strength:    strength,
		StopLoss:    exitPrice(last.Price, side, -m.StopFraction),
		TakeProfit:  exitPrice(last.Price, side, m.TargetFraction),
		GeneratedAt: last.Timestamp,
	}
}

// MeanReversion fades moves away from the window mean. It only participates
// in ranging markets.
type MeanReversion struct {
	Lookback       int
	EntryZ         float64
	StopFraction   float64
	TargetFraction float64
	Conviction     float64
}

func NewMeanReversion() *MeanReversion {
	return &MeanReversion{Lookback: 20, EntryZ: 1.5, StopFraction: 0.015, TargetFraction: 0.02, Conviction: 0.7}
}

func (m *MeanReversion) ID() string { return "mean_reversion" }

func (m *MeanReversion) Confidence() float64 { return m.Conviction }

func (m *MeanReversion) RegimeAffinity() []types.Regime {
	return []types.Regime{types.RegimeRanging}
}

func (m *MeanReversion) Evaluate(symbol string, window []types.Tick) *types.Signal {
	if len(window) < m.Lookback {
		return nil
	}

	tail := window[len(window)-m.Lookback:]
	mean := 0.0
	for _, t := range tail {
		p, _ := t.Price.Float64()
		mean += p
	}
	mean /= float64(len(tail))

	variance := 0.0
	for _, t := range tail {
		p, _ := t.Price.Float64()
		diff := p - mean
		variance += diff * diff
	}
	variance /= float64(len(tail))
	sd := math.Sqrt(variance)
	if sd == 0 {
		return nil
	}

	last := tail[len(tail)-1]
	lastPrice, _ := last.Price.Float64()
	z := (lastPrice - mean) / sd
	if math.Abs(z) < m.EntryZ {
		return nil
	}

	// Stretched above the mean: fade short. Below: fade long.
	side := types.SideShort
	if z < 0 {
		side = types.SideLong
	}
	strength := math.Min(math.Abs(z)/3.0, 1.0)

	return &types.Signal{
		StrategyID:  m.ID(),
		Symbol:      symbol,
		Side:        side,
		Strength:    strength,
		StopLoss:    exitPrice(last.Price, side, -m.StopFraction),
		TakeProfit:  exitPrice(last.Price, side, m.TargetFraction),
		GeneratedAt: last.Timestamp,
	}
}

// exitPrice offsets entry by fraction in the profitable direction for the
// given side; negative fractions place the level on the losing side.
func exitPrice(entry decimal.Decimal, side types.Side, fraction float64) decimal.Decimal {
	offset := decimal.NewFromFloat(fraction)
	if side == types.SideShort {
		offset = offset.Neg()
	}
	return entry.Mul(decimal.NewFromInt(1).Add(offset))
}

func smaTail(window []types.Tick, n int) float64 {
	if n <= 0 || len(window) < n {
		return 0
	}
	sum := 0.0
	for _, t := range window[len(window)-n:] {
		p, _ := t.Price.Float64()
		sum += p
	}
	return sum / float64(n)
}
