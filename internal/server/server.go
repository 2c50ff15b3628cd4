// Package server provides the HTTP API for the MAKDO orchestrator: health,
// metrics, the decision callback used by the chat gateway, and read-only
// views of in-flight and archived remediations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/makdo-io/makdo/internal/config"
	"github.com/makdo-io/makdo/internal/coordinator"
	"github.com/makdo-io/makdo/internal/history"
	"github.com/makdo-io/makdo/internal/types"
	"github.com/makdo-io/makdo/internal/version"
)

// Server is the orchestrator's HTTP server.
type Server struct {
	cfg        *config.Config
	coord      *coordinator.Coordinator
	hist       *history.Store
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates the HTTP server.
func New(cfg *config.Config, coord *coordinator.Coordinator, hist *history.Store, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, coord: coord, hist: hist, log: log}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/decisions", s.handleDecisions)
	mux.HandleFunc("/api/v1/requests", s.handleRequests)
	mux.HandleFunc("/api/v1/clusters", s.handleClusters)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server closes.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Orchestrator API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

// decisionRequest is the chat gateway's callback payload.
type decisionRequest struct {
	RemediationID string `json:"remediation_id"`
	Decision      string `json:"decision"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	var decision types.Decision
	switch req.Decision {
	case "approve":
		decision = types.DecisionApprove
	case "deny":
		decision = types.DecisionDeny
	default:
		http.Error(w, "Decision must be approve or deny", http.StatusBadRequest)
		return
	}

	if err := s.coord.ResolveDecision(req.RemediationID, decision); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrUnknownRequest):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, coordinator.ErrNotAwaitingDecision):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.coord.Requests())
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.coord.Clusters())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.hist.Recent(100)
	if err != nil {
		http.Error(w, "History unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}
