// Package regime classifies per-symbol market behaviour from a rolling
// window of ticks. Classification is rule-based: volatility first, then
// directional strength, then ranging.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/internal/metrics"
	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// State is the detector's published view for one symbol.
type State struct {
	Symbol     string       `json:"symbol"`
	Regime     types.Regime `json:"regime"`
	Confidence float64      `json:"confidence"`
	Volatility float64      `json:"volatility"`
	TrendIndex float64      `json:"trendIndex"`
	Samples    int          `json:"samples"`
	Since      time.Time    `json:"since"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Config tunes the classifier.
type Config struct {
	Window              int     // rolling tick window per symbol
	MinSamples          int     // below this the regime is unknown
	HighVolThreshold    float64 // stddev of returns above this is high volatility
	LowVolThreshold     float64 // informational floor for confidence scaling
	TrendStrengthCutoff float64 // directional index (0-100) above this is trending
}

// DefaultConfig returns the thresholds used in live trading.
func DefaultConfig() *Config {
	return &Config{
		Window:              50,
		MinSamples:          20,
		HighVolThreshold:    0.03,
		LowVolThreshold:     0.015,
		TrendStrengthCutoff: 25,
	}
}

type symbolState struct {
	prices []float64
	state  State
}

// Detector maintains independent regime state per symbol. All methods are
// safe for concurrent use.
type Detector struct {
	logger *zap.Logger
	config *Config

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		logger:  logger,
		config:  config,
		symbols: make(map[string]*symbolState),
	}
}

// Update folds a tick into the symbol's window and returns the resulting
// classification. Out-of-order ticks are dropped.
func (d *Detector) Update(tick types.Tick) types.Regime {
	d.mu.Lock()
	defer d.mu.Unlock()

	ss, ok := d.symbols[tick.Symbol]
	if !ok {
		ss = &symbolState{
			prices: make([]float64, 0, d.config.Window),
			state: State{
				Symbol: tick.Symbol,
				Regime: types.RegimeUnknown,
				Since:  tick.Timestamp,
			},
		}
		d.symbols[tick.Symbol] = ss
	}

	if !ss.state.UpdatedAt.IsZero() && !tick.Timestamp.After(ss.state.UpdatedAt) {
		return ss.state.Regime
	}

	price, _ := tick.Price.Float64()
	ss.prices = append(ss.prices, price)
	if len(ss.prices) > d.config.Window {
		ss.prices = ss.prices[len(ss.prices)-d.config.Window:]
	}

	prev := ss.state.Regime
	d.classify(ss, tick.Timestamp)

	if ss.state.Regime != prev {
		ss.state.Since = tick.Timestamp
		metrics.RegimeTransitions.WithLabelValues(tick.Symbol).Inc()
		d.logger.Info("regime transition",
			zap.String("symbol", tick.Symbol),
			zap.String("from", string(prev)),
			zap.String("to", string(ss.state.Regime)),
			zap.Float64("volatility", ss.state.Volatility),
			zap.Float64("trend_index", ss.state.TrendIndex),
		)
	}
	return ss.state.Regime
}

func (d *Detector) classify(ss *symbolState, at time.Time) {
	ss.state.Samples = len(ss.prices)
	ss.state.UpdatedAt = at

	if len(ss.prices) < d.config.MinSamples {
		ss.state.Regime = types.RegimeUnknown
		ss.state.Confidence = 0
		ss.state.Volatility = 0
		ss.state.TrendIndex = 0
		return
	}

	returns := toReturns(ss.prices)
	vol := stddev(returns)
	trend := directionalIndex(ss.prices)

	ss.state.Volatility = vol
	ss.state.TrendIndex = trend

	switch {
	case vol > d.config.HighVolThreshold:
		ss.state.Regime = types.RegimeHighVolatility
		ss.state.Confidence = clamp01(vol / (2 * d.config.HighVolThreshold))
	case math.Abs(trend) > d.config.TrendStrengthCutoff:
		if trend > 0 {
			ss.state.Regime = types.RegimeTrendingUp
		} else {
			ss.state.Regime = types.RegimeTrendingDown
		}
		ss.state.Confidence = clamp01(math.Abs(trend) / 100)
	default:
		ss.state.Regime = types.RegimeRanging
		conf := 0.5
		if d.config.LowVolThreshold > 0 && vol < d.config.LowVolThreshold {
			conf = 0.5 + 0.5*(d.config.LowVolThreshold-vol)/d.config.LowVolThreshold
		}
		ss.state.Confidence = clamp01(conf)
	}
}

// Current returns the latest state for a symbol. Symbols never seen report
// unknown with zero confidence.
func (d *Detector) Current(symbol string) State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if ss, ok := d.symbols[symbol]; ok {
		return ss.state
	}
	return State{Symbol: symbol, Regime: types.RegimeUnknown}
}

// Snapshot returns the state of every tracked symbol.
func (d *Detector) Snapshot() map[string]State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]State, len(d.symbols))
	for sym, ss := range d.symbols {
		out[sym] = ss.state
	}
	return out
}

// toReturns converts a price series to simple returns.
func toReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		diff := x - mean
		variance += diff * diff
	}
	variance /= float64(len(xs) - 1)
	return math.Sqrt(variance)
}

// directionalIndex measures net directional pressure on a 0-100 scale,
// signed by direction. It compares summed up-moves against summed
// down-moves over the window.
func directionalIndex(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var up, down float64
	for i := 1; i < len(prices); i++ {
		diff := prices[i] - prices[i-1]
		if diff > 0 {
			up += diff
		} else {
			down -= diff
		}
	}
	total := up + down
	if total == 0 {
		return 0
	}
	return (up - down) / total * 100
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
