// Package bot wires the trading pipeline together: ticks flow through the
// regime detector, active strategies, the signal aggregator, and the risk
// gates, with one worker goroutine per symbol.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/internal/exchange"
	"github.com/AstraLLM/AstraLLM/internal/ledger"
	"github.com/AstraLLM/AstraLLM/internal/regime"
	"github.com/AstraLLM/AstraLLM/internal/risk"
	"github.com/AstraLLM/AstraLLM/internal/signals"
	"github.com/AstraLLM/AstraLLM/internal/strategy"
	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Config tunes the engine loop.
type Config struct {
	Symbols        []string
	TickInterval   time.Duration
	ReconcileEvery time.Duration
	WindowSize     int
}

// Engine runs the trading loop. One goroutine per symbol pulls ticks and
// pushes them through the pipeline. Symbols never block each other: each
// worker owns its symbol's tick window, and cross-symbol state is guarded
// inside the risk manager and the ledger. Order submission happens outside
// the risk manager's evaluate-and-apply section.
type Engine struct {
	logger     *zap.Logger
	config     *Config
	client     exchange.Client
	detector   *regime.Detector
	registry   *strategy.Registry
	aggregator *signals.Aggregator
	risk       *risk.Manager
	ledger     *ledger.Ledger

	// windows is fixed at construction, one entry per configured symbol.
	// Each entry is touched only by that symbol's worker.
	windows map[string]*symbolState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type symbolState struct {
	window []types.Tick
}

func NewEngine(
	logger *zap.Logger,
	config *Config,
	client exchange.Client,
	detector *regime.Detector,
	registry *strategy.Registry,
	aggregator *signals.Aggregator,
	riskMgr *risk.Manager,
	led *ledger.Ledger,
) *Engine {
	if config.WindowSize <= 0 {
		config.WindowSize = 50
	}
	windows := make(map[string]*symbolState, len(config.Symbols))
	for _, symbol := range config.Symbols {
		windows[symbol] = &symbolState{}
	}
	return &Engine{
		logger:     logger,
		config:     config,
		client:     client,
		detector:   detector,
		registry:   registry,
		aggregator: aggregator,
		risk:       riskMgr,
		ledger:     led,
		windows:    windows,
	}
}

// Start seeds state from the exchange, runs the first reconciliation, and
// launches the workers. The engine is not ready to serve reads until Start
// returns.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.seedPositions(ctx); err != nil {
		return fmt.Errorf("seeding positions: %w", err)
	}
	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	e.ledger.MarkReady()
	e.logger.Info("engine ready",
		zap.Strings("symbols", e.config.Symbols),
		zap.Duration("tick_interval", e.config.TickInterval),
	)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for _, symbol := range e.config.Symbols {
		e.wg.Add(1)
		go e.worker(runCtx, symbol)
	}
	if e.config.ReconcileEvery > 0 {
		e.wg.Add(1)
		go e.reconcileLoop(runCtx)
	}
	return nil
}

// Stop halts the workers and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) seedPositions(ctx context.Context) error {
	raws, err := e.client.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return nil
	}
	for _, pos := range e.risk.SeedPositions(raws) {
		if err := e.ledger.RecordOpen(pos); err != nil {
			return err
		}
	}
	e.logger.Info("seeded positions from exchange", zap.Int("count", len(raws)))
	return nil
}

func (e *Engine) reconcile(ctx context.Context) error {
	raws, err := e.client.AccountTrades(ctx)
	if err != nil {
		return err
	}
	imported, err := e.ledger.Reconcile(raws)
	if err != nil {
		return err
	}
	if imported > 0 {
		e.logger.Info("reconciled exchange history", zap.Int("imported", imported))
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, symbol string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, err := e.client.Tick(ctx, symbol)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("tick fetch failed",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				continue
			}
			e.HandleTick(ctx, tick)
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ReconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.reconcile(ctx); err != nil {
				e.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

// HandleTick pushes one tick through the full pipeline: exits first, then
// regime and signal evaluation, then at most one gated entry. Only the
// symbol's own worker may call this for a given symbol.
func (e *Engine) HandleTick(ctx context.Context, tick types.Tick) {
	st, ok := e.windows[tick.Symbol]
	if !ok {
		e.logger.Warn("tick for unconfigured symbol dropped", zap.String("symbol", tick.Symbol))
		return
	}

	window := st.append(tick, e.config.WindowSize)
	e.risk.MarkTick(tick)

	exits := e.risk.CheckExits(tick.Symbol, tick.Price)

	reg := e.detector.Update(tick)
	e.registry.SetRegime(tick.Symbol, reg)

	var sigs []*types.Signal
	for _, producer := range e.registry.Active(tick.Symbol) {
		if s := producer.Evaluate(tick.Symbol, window); s != nil {
			sigs = append(sigs, s)
		}
	}
	weights := e.registry.Weights(tick.Symbol)
	decision := e.aggregator.Aggregate(sigs, weights)

	var order *types.Order
	var pos *types.Position
	if decision != nil {
		var err error
		order, pos, err = e.risk.Evaluate(decision, tick.Price)
		if err != nil {
			e.logGateOutcome(tick.Symbol, err)
			order, pos = nil, nil
		}
	}

	// Network calls stay outside the risk manager's critical section.
	for _, exit := range exits {
		e.submitExit(ctx, exit)
	}
	if order != nil {
		e.submitEntry(ctx, order, pos)
	}
}

// append grows the tick window, bounded at size, and returns a copy for
// the producers to read.
func (s *symbolState) append(tick types.Tick, size int) []types.Tick {
	w := append(s.window, tick)
	if len(w) > size {
		w = w[len(w)-size:]
	}
	s.window = w

	out := make([]types.Tick, len(w))
	copy(out, w)
	return out
}

func (e *Engine) submitEntry(ctx context.Context, order *types.Order, pos *types.Position) {
	if err := e.ledger.RecordOpen(pos); err != nil {
		e.risk.CancelOpen(pos.ID)
		e.logger.Error("recording position failed", zap.Error(err))
		return
	}
	if _, err := e.client.SubmitOrder(ctx, order); err != nil {
		e.risk.CancelOpen(pos.ID)
		e.ledger.DiscardOpen(pos.ID)
		e.logger.Error("entry order failed, slot released",
			zap.String("symbol", order.Symbol),
			zap.Error(err),
		)
		return
	}
	e.logger.Info("position opened",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.String("strategy", pos.Attribution.String()),
	)
}

func (e *Engine) submitExit(ctx context.Context, order *types.Order) {
	fill, err := e.client.SubmitOrder(ctx, order)
	if err != nil {
		// The exit stays armed; the next tick retries.
		e.logger.Error("exit order failed",
			zap.String("symbol", order.Symbol),
			zap.String("position", order.PositionID),
			zap.Error(err),
		)
		return
	}

	trade, err := e.ledger.RecordClose(order.PositionID, fill.TradeID, fill.Price, fill.Timestamp)
	if err != nil {
		e.logger.Error("recording close failed",
			zap.String("position", order.PositionID),
			zap.Error(err),
		)
		return
	}
	if _, err := e.risk.ApplyClose(order.PositionID, fill.Price, fill.Timestamp); err != nil {
		e.logger.Error("applying close to risk state failed",
			zap.String("position", order.PositionID),
			zap.Error(err),
		)
	}

	if trade.Attribution.Kind == types.AttributionKnown {
		e.registry.RecordOutcome(trade.Attribution.StrategyID, trade.RealizedPnL.IsPositive(), fill.Timestamp)
	}
}

func (e *Engine) logGateOutcome(symbol string, err error) {
	var rej *types.GateRejection
	var unavailable *types.UpstreamUnavailable
	var inv *types.InvariantViolation
	switch {
	case errors.As(err, &rej):
		// Routine; already counted and logged by the risk manager.
	case errors.As(err, &unavailable):
		e.logger.Warn("entry skipped on stale feed",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	case errors.As(err, &inv):
		e.logger.Error("pipeline halted on invariant violation",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	default:
		e.logger.Error("entry evaluation failed",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
}
