// Package api provides the HTTP and WebSocket surface over the trading
// core. Read endpoints answer 503 until the ledger has reconciled.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/AstraLLM/AstraLLM/internal/ledger"
	"github.com/AstraLLM/AstraLLM/internal/perf"
	"github.com/AstraLLM/AstraLLM/internal/regime"
	"github.com/AstraLLM/AstraLLM/internal/risk"
	"github.com/AstraLLM/AstraLLM/internal/strategy"
	"github.com/AstraLLM/AstraLLM/pkg/types"
)

// Config holds the listen address and default chart sizing.
type Config struct {
	Host            string
	Port            int
	SparklinePoints int
	ChartPoints     int
}

// Server exposes the trading core over HTTP.
type Server struct {
	logger *zap.Logger
	config *Config

	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	risk     *risk.Manager
	ledger   *ledger.Ledger
	perf     *perf.Aggregator
	registry *strategy.Registry
	detector *regime.Detector
}

func NewServer(
	logger *zap.Logger,
	config *Config,
	riskMgr *risk.Manager,
	led *ledger.Ledger,
	perfAgg *perf.Aggregator,
	registry *strategy.Registry,
	detector *regime.Detector,
) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		risk:     riskMgr,
		ledger:   led,
		perf:     perfAgg,
		registry: registry,
		detector: detector,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/api/bot/metrics", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/bot/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/bot/trades", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/api/bot/rejections", s.handleRejections).Methods("GET")
	s.router.HandleFunc("/api/bot/regimes", s.handleRegimes).Methods("GET")
	s.router.HandleFunc("/api/bot/strategies", s.handleStrategies).Methods("GET")
	s.router.HandleFunc("/api/bot/strategies/{id}/sparkline", s.handleSparkline).Methods("GET")
	s.router.HandleFunc("/api/bot/strategies/{id}/enable", s.handleReenable).Methods("POST")
	s.router.HandleFunc("/api/bot/risk/reset-halt", s.handleResetHalt).Methods("POST")
	s.router.HandleFunc("/api/chart/performance", s.handlePerformanceChart).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.HandleUpgrade)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go s.hub.Run()

	s.logger.Info("api listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop drains websocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast pushes a state update to connected websocket clients.
func (s *Server) Broadcast(event string, payload interface{}) {
	s.hub.Broadcast(event, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"ready":  s.ledger.Ready(),
		"time":   time.Now().UTC().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.ledger.Ready() {
		s.respondNotReady(w)
		return
	}
	type model struct {
		strategy.Entry
		Sparkline []float64 `json:"sparkline"`
	}
	entries := s.registry.Snapshot("")
	models := make([]model, 0, len(entries))
	for _, e := range entries {
		line, err := s.perf.Sparkline(e.ID, s.config.SparklinePoints)
		if err != nil {
			s.respondError(w, err)
			return
		}
		models = append(models, model{Entry: e, Sparkline: line})
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"globalMetrics": map[string]interface{}{
			"risk":    s.risk.Snapshot(),
			"regimes": s.detector.Snapshot(),
		},
		"tradingModels": models,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if !s.ledger.Ready() {
		s.respondNotReady(w)
		return
	}
	s.respond(w, http.StatusOK, s.risk.PositionViews())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ledger.Trades()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, trades)
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	if !s.ledger.Ready() {
		s.respondNotReady(w)
		return
	}
	rejections := s.risk.Rejections()
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if n < len(rejections) {
			rejections = rejections[len(rejections)-n:]
		}
	}
	s.respond(w, http.StatusOK, rejections)
}

func (s *Server) handleRegimes(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.detector.Snapshot())
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	s.respond(w, http.StatusOK, s.registry.Snapshot(symbol))
}

func (s *Server) handleSparkline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	points := s.config.SparklinePoints
	if q := r.URL.Query().Get("points"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "points must be a positive integer"})
			return
		}
		points = n
	}

	line, err := s.perf.Sparkline(id, points)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"strategyId": id,
		"points":     line,
	})
}

func (s *Server) handleReenable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Reenable(id); err != nil {
		s.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "enabled", "strategyId": id})
}

func (s *Server) handleResetHalt(w http.ResponseWriter, r *http.Request) {
	s.risk.ResetHalt()
	s.respond(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handlePerformanceChart(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	points := s.config.ChartPoints
	if q := r.URL.Query().Get("points"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.respond(w, http.StatusBadRequest, map[string]string{"error": "points must be a positive integer"})
			return
		}
		points = n
	}

	series, err := s.perf.PnLSeries(timeframe, points, time.Now().UTC())
	if err != nil {
		if errors.Is(err, types.ErrNotReady) {
			s.respondNotReady(w)
			return
		}
		s.respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, series)
}

func (s *Server) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encoding response failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrNotReady) {
		s.respondNotReady(w)
		return
	}
	s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) respondNotReady(w http.ResponseWriter) {
	s.respond(w, http.StatusServiceUnavailable, map[string]string{
		"error": types.ErrNotReady.Error(),
	})
}
