// Package strategy tracks the lifecycle and rolling performance of signal
// producers. The registry decides which strategies may vote in a given
// regime and suspends persistent underperformers.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/internal/metrics"
	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Status is the lifecycle state of a registered strategy.
type Status string

const (
	StatusEnabled              Status = "enabled"
	StatusRegimeSuspended      Status = "regime_suspended"
	StatusPerformanceSuspended Status = "performance_suspended"
)

// SignalProducer turns a window of recent ticks into at most one signal.
// A nil return means no opinion.
type SignalProducer interface {
	ID() string
	// RegimeAffinity lists the regimes this strategy trades in. An empty
	// list means the strategy trades in any classified regime.
	RegimeAffinity() []types.Regime
	// Confidence is the strategy's static conviction in its own calls,
	// in (0, 1]. It multiplies the rolling win rate in vote weighting.
	Confidence() float64
	Evaluate(symbol string, window []types.Tick) *types.Signal
}

// Config tunes performance suspension.
type Config struct {
	WinRateFloor   float64 // suspend below this
	MinSamples     int     // suspension needs at least this many outcomes
	EWMASpan       int     // smoothing span for the rolling win rate
	InitialWinRate float64 // optimistic prior before any outcomes
}

func DefaultConfig() *Config {
	return &Config{
		WinRateFloor:   0.35,
		MinSamples:     10,
		EWMASpan:       30,
		InitialWinRate: 0.5,
	}
}

// Entry is the registry's published record for one strategy.
type Entry struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Confidence  float64        `json:"confidence"`
	WinRate     float64        `json:"winRate"`
	Outcomes    int            `json:"outcomes"`
	Wins        int            `json:"wins"`
	Affinity    []types.Regime `json:"affinity,omitempty"`
	LastOutcome time.Time      `json:"lastOutcome,omitempty"`
}

type registered struct {
	producer SignalProducer
	entry    Entry
}

// Registry holds the strategy set. Regime suspension is recomputed on every
// SetRegime call; performance suspension is sticky until Reenable.
type Registry struct {
	logger *zap.Logger
	config *Config

	mu         sync.RWMutex
	strategies map[string]*registered
	order      []string
	regimes    map[string]types.Regime
}

func NewRegistry(logger *zap.Logger, config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		logger:     logger,
		config:     config,
		strategies: make(map[string]*registered),
		regimes:    make(map[string]types.Regime),
	}
}

// Register adds a producer. Duplicate IDs are rejected.
func (r *Registry) Register(p SignalProducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.strategies[id]; exists {
		return fmt.Errorf("strategy %q already registered", id)
	}
	r.strategies[id] = &registered{
		producer: p,
		entry: Entry{
			ID:         id,
			Status:     StatusEnabled,
			Confidence: p.Confidence(),
			WinRate:    r.config.InitialWinRate,
			Affinity:   p.RegimeAffinity(),
		},
	}
	r.order = append(r.order, id)
	r.logger.Info("strategy registered", zap.String("strategy", id))
	return nil
}

// SetRegime records the current regime for a symbol. It only affects which
// strategies Active returns for that symbol.
func (r *Registry) SetRegime(symbol string, regime types.Regime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regimes[symbol] = regime
}

// Active returns the producers allowed to vote for symbol right now, in
// registration order. Performance-suspended strategies never vote. A
// strategy with regime affinity sits out when the symbol's regime is
// outside its set, and always sits out while the regime is unknown.
func (r *Registry) Active(symbol string) []SignalProducer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regime, ok := r.regimes[symbol]
	if !ok {
		regime = types.RegimeUnknown
	}

	out := make([]SignalProducer, 0, len(r.order))
	for _, id := range r.order {
		reg := r.strategies[id]
		if reg.entry.Status == StatusPerformanceSuspended {
			continue
		}
		if !affinityAllows(reg.entry.Affinity, regime) {
			continue
		}
		out = append(out, reg.producer)
	}
	return out
}

func affinityAllows(affinity []types.Regime, regime types.Regime) bool {
	if len(affinity) == 0 {
		return regime != types.RegimeUnknown
	}
	for _, a := range affinity {
		if a == regime {
			return true
		}
	}
	return false
}

// RecordOutcome folds one trade result into the strategy's rolling win
// rate and applies performance suspension when the rate falls below the
// floor with enough history behind it.
func (r *Registry) RecordOutcome(strategyID string, win bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.strategies[strategyID]
	if !ok {
		return
	}

	outcome := 0.0
	if win {
		outcome = 1.0
		reg.entry.Wins++
	}
	alpha := 2.0 / (float64(r.config.EWMASpan) + 1.0)
	reg.entry.WinRate = (1-alpha)*reg.entry.WinRate + alpha*outcome
	reg.entry.Outcomes++
	reg.entry.LastOutcome = at

	if reg.entry.Status != StatusPerformanceSuspended &&
		reg.entry.Outcomes >= r.config.MinSamples &&
		reg.entry.WinRate < r.config.WinRateFloor {
		reg.entry.Status = StatusPerformanceSuspended
		metrics.StrategySuspensions.WithLabelValues("performance").Inc()
		r.logger.Warn("strategy suspended for performance",
			zap.String("strategy", strategyID),
			zap.Float64("win_rate", reg.entry.WinRate),
			zap.Int("outcomes", reg.entry.Outcomes),
		)
	}
}

// Reenable lifts a performance suspension and resets the rolling win rate
// to the optimistic prior so the strategy is not immediately re-suspended.
func (r *Registry) Reenable(strategyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.strategies[strategyID]
	if !ok {
		return fmt.Errorf("strategy %q not registered", strategyID)
	}
	if reg.entry.Status != StatusPerformanceSuspended {
		return fmt.Errorf("strategy %q is not performance-suspended", strategyID)
	}
	reg.entry.Status = StatusEnabled
	reg.entry.WinRate = r.config.InitialWinRate
	reg.entry.Outcomes = 0
	reg.entry.Wins = 0
	r.logger.Info("strategy re-enabled", zap.String("strategy", strategyID))
	return nil
}

// WinRate returns the current rolling win rate for weighting. Unregistered
// strategies get zero.
func (r *Registry) WinRate(strategyID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.strategies[strategyID]; ok {
		return reg.entry.WinRate
	}
	return 0
}

// Weights returns the vote weight, confidence times rolling win rate, for
// every strategy that may currently vote for symbol.
func (r *Registry) Weights(symbol string) map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regime, ok := r.regimes[symbol]
	if !ok {
		regime = types.RegimeUnknown
	}

	out := make(map[string]float64)
	for _, id := range r.order {
		reg := r.strategies[id]
		if reg.entry.Status == StatusPerformanceSuspended {
			continue
		}
		if !affinityAllows(reg.entry.Affinity, regime) {
			continue
		}
		out[id] = reg.entry.Confidence * reg.entry.WinRate
	}
	return out
}

// Snapshot lists every registered strategy with its effective status for
// the given symbol's regime.
func (r *Registry) Snapshot(symbol string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regime, ok := r.regimes[symbol]
	if !ok {
		regime = types.RegimeUnknown
	}

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		entry := r.strategies[id].entry
		if entry.Status == StatusEnabled && !affinityAllows(entry.Affinity, regime) {
			entry.Status = StatusRegimeSuspended
		}
		out = append(out, entry)
	}
	return out
}
