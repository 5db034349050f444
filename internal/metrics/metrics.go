// Package metrics exposes Prometheus collectors for the trading core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astra_gate_rejections_total",
		Help: "Entry proposals rejected by the risk manager, by gate.",
	}, []string{"gate"})

	TradesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astra_trades_recorded_total",
		Help: "Closed trades appended to the ledger, by source.",
	}, []string{"source"})

	RegimeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astra_regime_transitions_total",
		Help: "Regime classification changes, by symbol.",
	}, []string{"symbol"})

	StrategySuspensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astra_strategy_suspensions_total",
		Help: "Strategy suspensions, by cause.",
	}, []string{"cause"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "astra_open_positions",
		Help: "Currently open positions.",
	})

	DailyRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "astra_daily_realized_pnl",
		Help: "Realized PnL accumulated since the last UTC midnight reset.",
	})

	ReconciledTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "astra_reconciled_trades_total",
		Help: "Exchange trades imported by reconciliation runs.",
	})
)
