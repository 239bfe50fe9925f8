package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/care/detectiond/internal/detector/worker"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status           string        `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds    int64         `json:"uptime_seconds"`
	BrokerConnected  bool          `json:"broker_connected"`
	Paused           bool          `json:"paused"`
	InboundLength    int           `json:"inbound_length"`
	OutboundLength   int           `json:"outbound_length"`
	OutboundCapacity int           `json:"outbound_capacity"`
	Detector         *worker.Stats `json:"detector,omitempty"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:           "healthy",
		BrokerConnected:  s.Connected(),
		Paused:           s.batcher.Paused(),
		InboundLength:    s.inbound.Len(),
		OutboundLength:   s.outbound.Len(),
		OutboundCapacity: s.outbound.Cap(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if w, ok := s.detector.(*worker.Detector); ok {
		stats := w.Stats()
		status.Detector = &stats
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.BrokerConnected:
		status.Status = "degraded"
	case status.Detector != nil && !status.Detector.Running:
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health: 200 while the process can answer
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// Handler returns the HTTP routes of the health server
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	if s.feed != nil {
		mux.Handle("/feed", s.feed)
	}
	if s.store != nil {
		mux.HandleFunc("/detections", s.RecentHandler)
		mux.HandleFunc("/detections/labels", s.LabelCountsHandler)
	}
	return mux
}

// RecentHandler handles /detections?device_id=...&limit=N from the store
func (s *Service) RecentHandler(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	recent, err := s.store.Recent(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("failed to query detections", "device_id", deviceID, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recent)
}

// LabelCountsHandler handles /detections/labels?since=<epoch millis>
func (s *Service) LabelCountsHandler(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "since must be epoch milliseconds", http.StatusBadRequest)
			return
		}
		since = n
	}

	counts, err := s.store.LabelCounts(r.Context(), since)
	if err != nil {
		s.logger.Error("failed to query label counts", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(counts)
}

// StartHealthServer starts the health/metrics HTTP server in the background
func (s *Service) StartHealthServer(port int) *http.Server {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting health check server",
		"port", port,
		"feed", s.feed != nil,
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health check server failed", "error", err)
		}
	}()

	return server
}
