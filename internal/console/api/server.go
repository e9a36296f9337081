// Package api exposes pglib-console's health and metrics surface over
// HTTP: a small gorilla/mux router fronting a Prometheus handler and a
// couple of JSON status endpoints for the single connection the console
// drives.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pglib/pglib"
	"github.com/pglib/pglib/internal/metrics"
	"github.com/pglib/pglib/pkg/logger"
)

// Server is the console's health and metrics HTTP server.
type Server struct {
	conn       *pglib.Conn
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds a Server reporting on conn and backed by m.
func NewServer(conn *pglib.Conn, m *metrics.Collector) *Server {
	return &Server{
		conn:      conn,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on addr (e.g. ":9432") in the background.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("health/metrics server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health/metrics server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	phase := s.conn.Phase()
	status := http.StatusOK
	if phase == pglib.PhaseBad {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"phase": phase.String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.conn.Phase() != pglib.PhaseReady {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"phase":          s.conn.Phase().String(),
		"tx_status":      string(s.conn.TxStatus()),
		"server_version": s.conn.ServerVersion(),
		"backend_pid":    s.conn.BackendPID(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
