package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned by read paths that must not serve results before
// startup reconciliation has completed.
var ErrNotReady = errors.New("trade history not yet reconciled")

// Gate names, in the order the risk manager evaluates them. The leverage
// clamp is a normalization step, not a gate, and never rejects.
const (
	GateHalted         = "halted"
	GateStaleFeed      = "stale_feed"
	GateDailyBreaker   = "daily_breaker"
	GateMaxPositions   = "max_positions"
	GateSymbolExposure = "symbol_exposure"
	GateSizing         = "sizing"
	GateLiquidation    = "liquidation"
)

// GateRejection reports which risk gate refused an entry and why. Rejections
// are ordinary control flow, not faults.
type GateRejection struct {
	Gate      string    `json:"gate"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *GateRejection) Error() string {
	return fmt.Sprintf("entry for %s rejected by %s gate: %s", e.Symbol, e.Gate, e.Reason)
}

// DataGapError marks a condition where records could not be matched or
// history is insufficient to answer a query.
type DataGapError struct {
	Symbol string
	Detail string
}

func (e *DataGapError) Error() string {
	if e.Symbol == "" {
		return "data gap: " + e.Detail
	}
	return fmt.Sprintf("data gap for %s: %s", e.Symbol, e.Detail)
}

// InvariantViolation signals internal state that should be impossible, such
// as a computed position size of zero. Callers treat it as a halt condition.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// UpstreamUnavailable reports that a required external feed has gone silent.
type UpstreamUnavailable struct {
	Source   string
	LastSeen time.Time
}

func (e *UpstreamUnavailable) Error() string {
	if e.LastSeen.IsZero() {
		return fmt.Sprintf("upstream %s unavailable: no data received", e.Source)
	}
	return fmt.Sprintf("upstream %s unavailable: last data at %s", e.Source, e.LastSeen.UTC().Format(time.RFC3339))
}
