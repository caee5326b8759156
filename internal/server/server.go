// Package server implements the HTTP server for the Usage Panda proxy.
// It handles request routing, lifecycle management, and provides
// health check endpoints in front of the gateway handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/logging"
)

// headerRequestID carries a caller-supplied request ID.
const headerRequestID = "X-Request-ID"

// Server represents the HTTP server for the proxy.
// It encapsulates the underlying http.Server along with application configuration
// and handles request routing and server lifecycle management.
type Server struct {
	server  *http.Server
	config  *config.Config
	handler http.Handler
	logger  *zap.Logger
	metrics Metrics
}

// HealthResponse is the response body for the health check endpoint.
// It provides basic information about the server status and version.
type HealthResponse struct {
	Status    string    `json:"status"`    // Service status, "ok" for a healthy system
	Timestamp time.Time `json:"timestamp"` // Current server time
	Version   string    `json:"version"`   // Application version number
}

// Metrics holds runtime counters for the server.
type Metrics struct {
	StartTime    time.Time
	RequestCount atomic.Int64
	ErrorCount   atomic.Int64
}

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// New creates a new HTTP server that routes every path other than the
// health, readiness, liveness and metrics endpoints to handler.
// The server is not started until the Start method is called.
func New(cfg *config.Config, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		config:  cfg,
		handler: handler,
		logger:  logger,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.RequestTimeout,
			// Streamed replies may run longer than any fixed write deadline.
			WriteTimeout: 0,
			IdleTimeout:  cfg.RequestTimeout * 2,
		},
	}
	s.metrics.StartTime = time.Now()

	mux.HandleFunc("/health", s.logRequestMiddleware(s.handleHealth))
	mux.HandleFunc("/ready", s.logRequestMiddleware(s.handleReady))
	mux.HandleFunc("/live", s.logRequestMiddleware(s.handleLive))
	if cfg.EnableMetrics {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.HandleFunc(path, s.logRequestMiddleware(s.handleMetrics))
	}

	// Everything else is a proxied API call.
	mux.HandleFunc("/", s.logRequestMiddleware(s.handleProxy))

	return s
}

// Handler returns the root handler, for use with httptest.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start starts the HTTP server. It blocks until the server is shut down or
// fails; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.config.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on l. It behaves like Start otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("server starting", zap.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server without interrupting active connections.
// It waits for all connections to complete or until the provided context is canceled.
//
// The context should typically include a timeout to prevent
// the shutdown from blocking indefinitely.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth is the HTTP handler for the health check endpoint.
// It responds with a JSON payload containing the server status,
// current timestamp, and application version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode health response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// handleReady is used for readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleLive is used for liveness probes.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// handleMetrics returns basic runtime metrics in JSON format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := struct {
		UptimeSeconds float64 `json:"uptime_seconds"`
		RequestCount  int64   `json:"request_count"`
		ErrorCount    int64   `json:"error_count"`
	}{
		UptimeSeconds: time.Since(s.metrics.StartTime).Seconds(),
		RequestCount:  s.metrics.RequestCount.Load(),
		ErrorCount:    s.metrics.ErrorCount.Load(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		s.logger.Error("failed to encode metrics", zap.Error(err))
		http.Error(w, "Failed to encode metrics", http.StatusInternalServerError)
	}
}

// handleProxy counts and forwards a proxied call.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.metrics.RequestCount.Add(1)
	if s.handler == nil {
		http.NotFound(w, r)
		return
	}
	s.handler.ServeHTTP(w, r)
	if rw, ok := w.(*responseWriter); ok && rw.statusCode >= http.StatusInternalServerError {
		s.metrics.ErrorCount.Add(1)
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(headerRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

// logRequestMiddleware logs all incoming requests with timing information
func (s *Server) logRequestMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		id := requestID(r)
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)

		// Create a response writer that captures status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		s.logger.Info("request started",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)

		next(rw, r.WithContext(ctx))

		s.logger.Info("request completed",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", rw.statusCode),
			zap.Duration("duration", time.Since(startTime)),
		)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer for streaming support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
