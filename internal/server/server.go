// Package server exposes the pipeline's health, statistics and activity
// series over HTTP, plus a websocket stream of result events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/e7canasta/orion-motion/internal/activity"
)

// HealthStatus represents the health state of the pipeline
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	VideoLoaded   bool   `json:"video_loaded"`
	Running       bool   `json:"running"`
	MQTTConnected bool   `json:"mqtt_connected"`
	MQTTEnabled   bool   `json:"mqtt_enabled"`
}

// Provider supplies the data the server reports.
type Provider interface {
	HealthCheck() HealthStatus
	Stats() interface{}
}

// Server serves the status endpoints
type Server struct {
	addr     string
	provider Provider
	series   *activity.Series
	hub      *Hub
	started  time.Time
	router   *mux.Router
}

// New creates a server. series and hub may be nil; their endpoints then
// answer 404.
func New(addr string, provider Provider, series *activity.Series, hub *Hub) *Server {
	s := &Server{
		addr:     addr,
		provider: provider,
		series:   series,
		hub:      hub,
		started:  time.Now(),
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/readiness", s.readiness).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	if series != nil {
		s.router.HandleFunc("/activity", s.activity).Methods(http.MethodGet)
	}
	if hub != nil {
		s.router.Handle("/events", hub).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address until ctx is cancelled, then shuts
// down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("server: stopped")
	return nil
}

// liveness handles /health (simple liveness check)
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readiness handles /readiness; only "unhealthy" answers 503
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	health := s.provider.HealthCheck()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Stats())
}

// activity handles /activity. The optional "since" query keeps only points
// after that frame index.
func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	since := -1
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be an integer frame index"})
			return
		}
		since = n
	}

	points := s.series.Points()
	if since >= 0 {
		kept := points[:0]
		for _, p := range points {
			if p.Frame > since {
				kept = append(kept, p)
			}
		}
		points = kept
	}

	writeJSON(w, http.StatusOK, struct {
		Summary activity.Summary `json:"summary"`
		Points  []activity.Point `json:"points"`
	}{s.series.Summary(), points})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encode response failed", "error", err)
	}
}
