// Package health serves liveness, readiness, status and Prometheus metrics,
// plus the operator controls of the scheduler.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/speedrun-dca/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/scheduler"
	"github.com/speedrun-hq/speedrun-dca/pkg/store"
)

const (
	readyTimeout    = 3 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Scheduler is the control surface exposed to operators
type Scheduler interface {
	Start() scheduler.Status
	Stop() scheduler.Status
	TriggerExecution(ctx context.Context, cadence models.Cadence) (scheduler.CycleReport, error)
	GetStatus() scheduler.Status
}

// Pinger reports whether the store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents a health check HTTP server
type Server struct {
	port          string
	scheduler     Scheduler
	pinger        Pinger
	history       store.IntentManager
	breaker       *circuitbreaker.CircuitBreaker
	metricsAPIKey string
	logger        logger.Logger
}

// NewServer creates a new health check server. pinger, history and breaker
// may be nil.
func NewServer(
	port string,
	sched Scheduler,
	pinger Pinger,
	history store.IntentManager,
	breaker *circuitbreaker.CircuitBreaker,
	metricsAPIKey string,
	log logger.Logger,
) *Server {
	return &Server{
		port:          port,
		scheduler:     sched,
		pinger:        pinger,
		history:       history,
		breaker:       breaker,
		metricsAPIKey: metricsAPIKey,
		logger:        log,
	}
}

// statusResponse is the body of /status
type statusResponse struct {
	Scheduler scheduler.Status      `json:"scheduler"`
	Circuit   *circuitbreaker.State `json:"circuit,omitempty"`
}

// authMiddleware is a middleware that checks for a valid API key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.metricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Get API key from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		// Check if the header has the correct format
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		// Validate API key
		if parts[1] != s.metricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler builds the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness check
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := s.pinger.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(fmt.Sprintf("Store not reachable: %v", err)))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Scheduler: s.scheduler.GetStatus()}
		if s.breaker != nil {
			state := s.breaker.State()
			resp.Circuit = &state
		}
		s.writeJSON(w, http.StatusOK, resp)
	})

	mux.Handle("/scheduler/start", s.authMiddleware(s.postOnly(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.scheduler.Start())
	})))

	mux.Handle("/scheduler/stop", s.authMiddleware(s.postOnly(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.scheduler.Stop())
	})))

	mux.Handle("/scheduler/trigger", s.authMiddleware(s.postOnly(s.handleTrigger)))

	// Circuit breaker admin control endpoint
	mux.Handle("/circuit/reset", s.authMiddleware(s.postOnly(func(w http.ResponseWriter, r *http.Request) {
		if s.breaker == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("No circuit breaker configured"))
			return
		}
		s.breaker.Reset()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker %s reset", s.breaker.Name())))
	})))

	mux.Handle("/executions", s.authMiddleware(http.HandlerFunc(s.handleExecutions)))

	// Expose Prometheus metrics with API key authentication
	mux.Handle("/metrics", s.authMiddleware(promhttp.Handler()))

	return mux
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("cadence")
	if raw == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing cadence parameter"))
		return
	}
	cadence, err := models.ParseCadence(raw)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(err.Error()))
		return
	}

	report, err := s.scheduler.TriggerExecution(r.Context(), cadence)
	if err != nil {
		s.logger.Error("Manual %s trigger failed: %v", cadence, err)
		s.writeJSON(w, http.StatusBadGateway, report)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Execution history not available"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Invalid limit"))
			return
		}
		limit = parsed
	}

	records, err := s.history.ListExecutions(r.Context(), r.URL.Query().Get("account"), limit)
	if err != nil {
		s.logger.Error("Error listing executions: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding JSON response: %v", err)
	}
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Starting health and metrics server on port %s", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server error: %w", err)
	}
	return nil
}
