package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/relay"
	"github.com/emerry-tsun/JMA/pkg/storage"
)

const defaultDeliveryLimit = 50

// Server provides health, metrics and state inspection endpoints.
type Server struct {
	store    storage.Storage
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
	logger   *slog.Logger

	mu      sync.RWMutex
	lastRun *relay.Summary
}

// NewServer creates an API server.
func NewServer(store storage.Storage, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		store:    store,
		gatherer: gatherer,
		mux:      http.NewServeMux(),
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /api/v1/areas", s.handleAreas)
	s.mux.HandleFunc("GET /api/v1/areas/{code}", s.handleArea)
	s.mux.HandleFunc("GET /api/v1/deliveries", s.handleDeliveries)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// RecordRun remembers the latest successful run for readiness.
func (s *Server) RecordRun(sum *relay.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = sum
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := s.lastRun
	s.mu.RUnlock()

	if last == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for first run"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("storage ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "last_run": last})
}

func (s *Server) handleAreas(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	states, err := s.store.ListAreaStates(ctx)
	if err != nil {
		s.logger.Error("list area states", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []model.AreaState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleArea(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	state, err := s.store.GetAreaState(ctx, r.PathValue("code"))
	if err != nil {
		s.logger.Error("get area state", "area", r.PathValue("code"), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q := r.URL.Query()
	filter := model.DeliveryFilter{
		Account:  q.Get("account"),
		AreaCode: q.Get("area"),
		Status:   model.DeliveryStatus(q.Get("status")),
		Limit:    defaultDeliveryLimit,
	}
	switch filter.Status {
	case "", model.DeliverySent, model.DeliveryFailed:
	default:
		http.Error(w, "status must be sent or failed", http.StatusBadRequest)
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	deliveries, err := s.store.ListDeliveries(ctx, filter)
	if err != nil {
		s.logger.Error("list deliveries", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if deliveries == nil {
		deliveries = []model.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
