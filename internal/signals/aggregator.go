// Package signals merges per-strategy votes into at most one decision per
// evaluation round. The aggregator abstains when the directional margin is
// too thin to act on.
package signals

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Config tunes aggregation.
type Config struct {
	// MinMargin is the minimum absolute gap between the long and short
	// weighted scores. Anything thinner is a tie and produces no decision.
	MinMargin float64
}

func DefaultConfig() *Config {
	return &Config{MinMargin: 0.1}
}

// Aggregator combines weighted strategy votes. It is stateless apart from
// configuration and safe for concurrent use.
type Aggregator struct {
	logger *zap.Logger
	config *Config
}

func NewAggregator(logger *zap.Logger, config *Config) *Aggregator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Aggregator{logger: logger, config: config}
}

type vote struct {
	signal *types.Signal
	score  float64
}

// Aggregate scores each signal with the caller-supplied weight for its
// strategy, confidence times recent win rate, sums scores per side, and
// returns a decision for the winning side. Signal strength only shapes the
// decision's blended confidence, never the side totals. It returns nil when
// there are no scored votes or when the margin between sides is below
// MinMargin.
func (a *Aggregator) Aggregate(signals []*types.Signal, weights map[string]float64) *types.Decision {
	if len(signals) == 0 {
		return nil
	}

	var longVotes, shortVotes []vote
	var longScore, shortScore float64
	symbol := ""
	latest := time.Time{}

	for _, s := range signals {
		if s == nil || s.Strength <= 0 {
			continue
		}
		w, ok := weights[s.StrategyID]
		if !ok || w <= 0 {
			continue
		}
		symbol = s.Symbol
		if s.GeneratedAt.After(latest) {
			latest = s.GeneratedAt
		}
		v := vote{signal: s, score: w}
		if s.Side == types.SideLong {
			longVotes = append(longVotes, v)
			longScore += v.score
		} else {
			shortVotes = append(shortVotes, v)
			shortScore += v.score
		}
	}

	if len(longVotes) == 0 && len(shortVotes) == 0 {
		return nil
	}

	margin := longScore - shortScore
	if margin < 0 {
		margin = -margin
	}
	if margin < a.config.MinMargin {
		a.logger.Debug("aggregation abstained on thin margin",
			zap.String("symbol", symbol),
			zap.Float64("long_score", longScore),
			zap.Float64("short_score", shortScore),
			zap.Float64("min_margin", a.config.MinMargin),
		)
		return nil
	}

	side := types.SideLong
	winners := longVotes
	winScore := longScore
	if shortScore > longScore {
		side = types.SideShort
		winners = shortVotes
		winScore = shortScore
	}

	// Confidence is the score-weighted mean strength of the winning side.
	// Stops and targets blend the same way, and the top scorer gets the
	// attribution.
	var confidence float64
	stop := decimal.Zero
	target := decimal.Zero
	contributors := make([]string, 0, len(winners))
	top := winners[0]

	for _, v := range winners {
		frac := v.score / winScore
		confidence += v.signal.Strength * frac
		f := decimal.NewFromFloat(frac)
		stop = stop.Add(v.signal.StopLoss.Mul(f))
		target = target.Add(v.signal.TakeProfit.Mul(f))
		contributors = append(contributors, v.signal.StrategyID)
		if v.score > top.score {
			top = v
		}
	}
	sort.Strings(contributors)

	return &types.Decision{
		Symbol:       symbol,
		Side:         side,
		Confidence:   confidence,
		StrategyID:   top.signal.StrategyID,
		StopLoss:     stop,
		TakeProfit:   target,
		Contributors: contributors,
		DecidedAt:    latest,
	}
}
