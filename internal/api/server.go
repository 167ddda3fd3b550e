// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/alerts"
	"github.com/atlas-desktop/signal-backend/internal/backtester"
	"github.com/atlas-desktop/signal-backend/internal/config"
	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/internal/monitor"
	"github.com/atlas-desktop/signal-backend/internal/signals"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// SymbolSource lists the tradable pairs
type SymbolSource interface {
	Symbols(ctx context.Context) ([]types.Symbol, error)
}

// Dependencies are the collaborators the handlers call into. Bus, Gatherer
// and Metrics may be nil.
type Dependencies struct {
	Symbols   SymbolSource
	Alerts    *alerts.Engine
	Monitor   *monitor.Monitor
	Backtests *backtester.Service
	Bus       *events.EventBus
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	stopHub    context.CancelFunc
	subs       []*events.Subscription
	deps       Dependencies
}

// NewServer creates the server and starts its WebSocket hub
func NewServer(logger *zap.Logger, cfg config.ServerConfig, deps Dependencies) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		logger: logger,
		config: cfg,
		router: mux.NewRouter(),
		hub:    NewHub(logger, deps.Metrics),
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.setupRoutes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopHub = cancel
	go s.hub.Run(ctx)
	if deps.Bus != nil {
		s.subs = s.hub.Attach(deps.Bus)
	}
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/symbols", s.handleSymbols).Methods("GET")
	api.HandleFunc("/market/analysis", s.handleAnalysis).Methods("GET")

	// Alert configuration
	api.HandleFunc("/alerts/config", s.handleListConfigs).Methods("GET")
	api.HandleFunc("/alerts/config/{symbol}", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/alerts/config/{symbol}", s.handlePutConfig).Methods("PUT")
	api.HandleFunc("/alerts/config/{symbol}", s.handleDeleteConfig).Methods("DELETE")
	api.HandleFunc("/alerts/config/{symbol}/conditions/{condition}", s.handleSetCondition).Methods("PUT")

	// Alert history and replay
	api.HandleFunc("/alerts/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/alerts/history", s.handleClearHistory).Methods("DELETE")
	api.HandleFunc("/alerts/analyze", s.handleAnalyze).Methods("POST")

	api.HandleFunc("/backtest/run", s.handleRunBacktest).Methods("POST")
	api.HandleFunc("/monitor/run", s.handleMonitorRun).Methods("POST")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router returns the CORS-wrapped handler
func (s *Server) Router() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until Stop is called
func (s *Server) Start() error {
	addr := s.config.Address()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the WebSocket clients and drains the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	for _, sub := range s.subs {
		s.deps.Bus.Unsubscribe(sub)
	}
	s.stopHub()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"time":              time.Now().Unix(),
		"websocket_clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.deps.Symbols.Symbols(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// handleAnalysis returns the latest analysis of every monitored asset, or
// of one asset with ?symbol=
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		analysis, ok := s.deps.Monitor.LatestFor(symbol)
		if !ok {
			s.writeError(w, r, fmt.Errorf("%w: no analysis for %s yet", types.ErrDataUnavailable, symbol))
			return
		}
		writeJSON(w, http.StatusOK, analysis)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assets": s.deps.Monitor.Latest(),
	})
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configs": s.deps.Alerts.Configs(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	cfg, ok := s.deps.Alerts.Config(symbol)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: no alert config for %s", types.ErrDataUnavailable, symbol))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.AlertConfig
	if err := decodeBody(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg.Symbol = mux.Vars(r)["symbol"]

	stored, err := s.deps.Alerts.PutConfig(cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.deps.Alerts.DeleteConfig(symbol); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  alerts.NormalizeSymbol(symbol),
		"deleted": true,
	})
}

type conditionRequest struct {
	Enabled         bool `json:"enabled"`
	CooldownSeconds int  `json:"cooldown_seconds"`
}

func (s *Server) handleSetCondition(w http.ResponseWriter, r *http.Request) {
	var req conditionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)

	cfg, err := s.deps.Alerts.SetCondition(vars["symbol"], signals.Condition(vars["condition"]),
		req.Enabled, time.Duration(req.CooldownSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleHistory lists alert events newest first. start and end accept a
// date or an RFC3339 timestamp; a date end covers the whole day.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	from, err := parseBound(r.URL.Query().Get("start"), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseBound(r.URL.Query().Get("end"), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if from != nil && to != nil && from.After(*to) {
		s.writeError(w, r, fmt.Errorf("%w: start is after end", types.ErrInvalidConfiguration))
		return
	}

	list, err := s.deps.Alerts.History().List(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []types.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Alerts.History().Clear(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req monitor.AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	raised, err := s.deps.Monitor.Analyze(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if raised == nil {
		raised = []types.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": alerts.NormalizeSymbol(req.Symbol),
		"events": raised,
		"count":  len(raised),
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req types.BacktestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.deps.Backtests.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMonitorRun runs one monitor tick now. Per-asset failures are
// reported next to the counts rather than failing the request.
func (s *Server) handleMonitorRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Monitor.Tick(r.Context())
	body := map[string]interface{}{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrDataUnavailable):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", types.ErrInvalidConfiguration, err)
	}
	return nil
}

func parseBound(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(types.DateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad time %q", types.ErrInvalidConfiguration, s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
