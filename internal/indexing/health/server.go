package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/bridge-oracle/internal/bridge/coordinator"
	"github.com/vietddude/bridge-oracle/internal/core/domain"
)

// ProofVerifier looks up a proof and checks its validity.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, key domain.ProofKey, now time.Time, onChain bool) (*coordinator.Verification, error)
}

// StatusFunc returns the full status document served on /status.
type StatusFunc func(ctx context.Context) any

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	monitor  *Monitor
	status   StatusFunc
	verifier ProofVerifier
	router   chi.Router
	server   *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, status StatusFunc, verifier ProofVerifier, port int) *Server {
	s := &Server{
		monitor:  monitor,
		status:   status,
		verifier: verifier,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Get("/status", s.handleStatus)
	r.Get("/proofs/{key}", s.handleProof)
	r.Handle("/metrics", promhttp.Handler())
	s.router = r

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	slog.Info("Health server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "status not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		http.Error(w, "proof lookup not available", http.StatusNotFound)
		return
	}
	raw := chi.URLParam(r, "key")
	if _, _, _, _, err := domain.ParseProofKey(raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	onChain, _ := strconv.ParseBool(r.URL.Query().Get("onchain"))

	v, err := s.verifier.VerifyProof(r.Context(), domain.ProofKey(raw), time.Now(), onChain)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		slog.Error("Proof lookup failed", "key", raw, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
