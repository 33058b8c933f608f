package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stoptrail/internal/domain"
	"stoptrail/internal/usecase"
)

// recentEvents is how many events the /events endpoint retains.
const recentEvents = 256

// Server exposes a read-only observer over the running engines: JSON
// snapshots, a websocket event feed and Prometheus metrics. It never
// mutates strategy state.
type Server struct {
	router *http.ServeMux
	server *http.Server
	runner *usecase.Runner
	store  domain.StrategyRepository
	bus    *usecase.EventBus
	logger *zap.Logger

	mu     sync.RWMutex
	recent []domain.Event
}

func NewServer(
	port int,
	runner *usecase.Runner,
	store domain.StrategyRepository,
	bus *usecase.EventBus,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router: http.NewServeMux(),
		runner: runner,
		store:  store,
		bus:    bus,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	go s.collectEvents()
	return s
}

// collectEvents keeps a bounded tail of the event stream for /events.
// Runs until the bus closes.
func (s *Server) collectEvents() {
	for ev := range s.bus.Subscribe() {
		s.mu.Lock()
		s.recent = append(s.recent, ev)
		if len(s.recent) > recentEvents {
			s.recent = s.recent[len(s.recent)-recentEvents:]
		}
		s.mu.Unlock()
	}
}

func (s *Server) routes() {
	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Thresholds
	s.router.HandleFunc("GET /thresholds", s.handleThresholds)

	// Events
	s.router.HandleFunc("GET /events", s.handleRecentEvents)

	// Event feed
	s.router.HandleFunc("GET /ws", s.handleEventFeed)

	// Metrics
	s.router.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type engineStatus struct {
	Symbol    string               `json:"symbol"`
	Direction domain.Direction     `json:"direction"`
	State     usecase.EngineState  `json:"state"`
	LastPrice float64              `json:"last_price"`
	StopPrice float64              `json:"stop_price"`
	Hopper    float64              `json:"hopper"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	engines := s.runner.Engines()
	statuses := make([]engineStatus, 0, len(engines))
	for _, eng := range engines {
		statuses = append(statuses, engineStatus{
			Symbol:    eng.StateKey(),
			Direction: eng.Direction(),
			State:     eng.State(),
			LastPrice: eng.LastPrice(),
			StopPrice: eng.StopPrice(),
			Hopper:    eng.Hopper(),
		})
	}
	s.writeJSON(w, statuses)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol query parameter required", http.StatusBadRequest)
		return
	}

	thresholds, err := s.store.GetThresholds(r.Context(), symbol)
	if err != nil {
		s.logger.Error("Failed to load thresholds", zap.Error(err))
		http.Error(w, "Failed to load thresholds", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, thresholds)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	events := append([]domain.Event(nil), s.recent...)
	s.mu.RUnlock()
	s.writeJSON(w, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
