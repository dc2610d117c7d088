// Package common provides shared infrastructure helpers used across services.
package common

import (
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness endpoints for orchestrators.
// Liveness always succeeds while the process is up; readiness flips once the
// service has finished its startup wiring.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer starts an HTTP server on the HEALTH_ADDR address (default
// ":8081") serving /v1/health and /v1/readiness. The server runs on its own
// goroutine; callers shut it down via Server().Shutdown.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	hs.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server returns the underlying HTTP server for shutdown control.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !hs.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
