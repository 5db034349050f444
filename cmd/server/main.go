// Package main starts the autonomous trading core: regime-aware strategy
// selection, weighted signal aggregation, gated risk, and a reconciled
// trade ledger, served over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AstraLLM/AstraLLM/internal/api"
	"github.com/AstraLLM/AstraLLM/internal/bot"
	"github.com/AstraLLM/AstraLLM/internal/config"
	"github.com/AstraLLM/AstraLLM/internal/exchange"
	"github.com/AstraLLM/AstraLLM/internal/ledger"
	"github.com/AstraLLM/AstraLLM/internal/perf"
	"github.com/AstraLLM/AstraLLM/internal/regime"
	"github.com/AstraLLM/AstraLLM/internal/risk"
	"github.com/AstraLLM/AstraLLM/internal/signals"
	"github.com/AstraLLM/AstraLLM/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "Directory holding astra.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting trading core",
		zap.Strings("symbols", cfg.Exchange.Symbols),
		zap.String("addr", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *ledger.Store
	if cfg.Ledger.PostgresDSN != "" {
		store, err = ledger.OpenStore(cfg.Ledger.PostgresDSN)
		if err != nil {
			logger.Fatal("opening trade store failed", zap.Error(err))
		}
		defer store.Close()
	}

	led, err := ledger.New(logger, &ledger.Config{
		MatchTolerance: cfg.Ledger.MatchTolerance,
		PnLEpsilon:     decimalFrom(cfg.Ledger.PnLEpsilon),
	}, store)
	if err != nil {
		logger.Fatal("initializing ledger failed", zap.Error(err))
	}

	riskMgr := risk.NewManager(logger, &risk.Config{
		Capital:                 decimalFrom(cfg.Risk.Capital),
		RiskPerTrade:            decimalFrom(cfg.Risk.RiskPerTrade),
		DefaultLeverage:         decimalFrom(cfg.Risk.DefaultLeverage),
		MaxLeverage:             decimalFrom(cfg.Risk.MaxLeverage),
		MaxOpenPositions:        cfg.Risk.MaxOpenPositions,
		MaxPositionSizeFraction: decimalFrom(cfg.Risk.MaxPositionSizeFraction),
		DailyLossLimit:          decimalFrom(cfg.Risk.DailyLossLimit),
		MaintenanceMarginRate:   decimalFrom(cfg.Risk.MaintenanceMarginRate),
		StaleFeedAfter:          cfg.Risk.StaleFeedAfter,
		RejectionLogSize:        cfg.Risk.RejectionLogSize,
	})

	detector := regime.NewDetector(logger, &regime.Config{
		Window:              cfg.Regime.Window,
		MinSamples:          cfg.Regime.MinSamples,
		HighVolThreshold:    cfg.Regime.HighVolThreshold,
		LowVolThreshold:     cfg.Regime.LowVolThreshold,
		TrendStrengthCutoff: cfg.Regime.TrendStrengthCutoff,
	})

	registry := strategy.NewRegistry(logger, &strategy.Config{
		WinRateFloor:   cfg.Strategy.WinRateFloor,
		MinSamples:     cfg.Strategy.MinSamples,
		EWMASpan:       cfg.Strategy.EWMASpan,
		InitialWinRate: cfg.Strategy.InitialWinRate,
	})
	for _, producer := range []strategy.SignalProducer{
		strategy.NewMomentum(),
		strategy.NewMeanReversion(),
	} {
		if err := registry.Register(producer); err != nil {
			logger.Fatal("registering strategy failed", zap.Error(err))
		}
	}

	aggregator := signals.NewAggregator(logger, &signals.Config{
		MinMargin: cfg.Signals.MinMargin,
	})

	startPrices := cfg.Exchange.PaperStartPrices
	if len(startPrices) == 0 {
		startPrices = make(map[string]float64, len(cfg.Exchange.Symbols))
		for _, sym := range cfg.Exchange.Symbols {
			startPrices[sym] = 100
		}
	}
	client := exchange.NewPaper(logger, startPrices, time.Now().UnixNano())

	engine := bot.NewEngine(logger, &bot.Config{
		Symbols:        cfg.Exchange.Symbols,
		TickInterval:   cfg.Exchange.TickInterval,
		ReconcileEvery: cfg.Exchange.ReconcileEvery,
		WindowSize:     cfg.Strategy.SignalWindowSize,
	}, client, detector, registry, aggregator, riskMgr, led)

	server := api.NewServer(logger, &api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		SparklinePoints: cfg.Ledger.SparklinePoints,
		ChartPoints:     cfg.Ledger.ChartPointsDefault,
	}, riskMgr, led, perf.NewAggregator(logger, led), registry, detector)

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("starting engine failed", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("api shutdown error", zap.Error(err))
	}
	logger.Info("stopped")
}

func decimalFrom(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func setupLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
